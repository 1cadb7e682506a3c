package workerdispatcher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/eventstore"
	"github.com/conductorhq/conductor/shared/types"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	events := eventstore.New(gormDB, nil, zap.NewNop())
	return New(gormDB, events, nil, zap.NewNop())
}

func TestResumeRunOnlyTransitionsFromWaiting(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	run := db.Run{OwnerID: uuid.Must(uuid.NewV7()), ThreadID: uuid.Must(uuid.NewV7()), Status: string(types.RunStatusWaiting)}
	if err := d.db.Create(&run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}

	if !d.resumeRun(ctx, run.ID) {
		t.Fatal("expected the first resume attempt from WAITING to succeed")
	}
	if d.resumeRun(ctx, run.ID) {
		t.Fatal("expected a second resume attempt to fail — run is already RUNNING, not WAITING")
	}

	var reloaded db.Run
	if err := d.db.First(&reloaded, run.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != string(types.RunStatusRunning) {
		t.Fatalf("expected status RUNNING after resume, got %s", reloaded.Status)
	}
}

func TestSummarizeTruncatesLongOutput(t *testing.T) {
	long := make([]byte, maxSummaryLength*3)
	for i := range long {
		long[i] = 'a'
	}
	summary := summarize(jobOutcome{stdout: string(long)})
	if len([]rune(summary)) != maxSummaryLength+1 { // +1 for the ellipsis rune
		t.Fatalf("expected truncated summary of length %d, got %d", maxSummaryLength+1, len([]rune(summary)))
	}
}

func TestSummarizeFallsBackToErrorWhenStdoutEmpty(t *testing.T) {
	summary := summarize(jobOutcome{errMsg: "boom"})
	if summary != "boom" {
		t.Fatalf("expected summary to fall back to the error message, got %q", summary)
	}
}

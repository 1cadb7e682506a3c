package eventstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/shared/types"
)

func newTestStore(t *testing.T, pub Publisher) *Store {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return New(gormDB, pub, zap.NewNop())
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(runID uuid.UUID, event Event) {
	p.events = append(p.events, event)
}

func TestAppendAssignsMonotoneIDsAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStore(t, pub)
	runID := uuid.Must(uuid.NewV7())

	id1, err := store.Append(context.Background(), runID, types.EventSupervisorStarted, map[string]string{"run_id": runID.String()})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	id2, err := store.Append(context.Background(), runID, types.EventSupervisorComplete, map[string]any{"status": "SUCCESS"})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if id2 <= id1 {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", id1, id2)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.events))
	}
}

func TestAppendRejectsUnserializablePayload(t *testing.T) {
	store := newTestStore(t, nil)
	runID := uuid.Must(uuid.NewV7())

	_, err := store.Append(context.Background(), runID, types.EventSupervisorFailed, make(chan int))
	if err == nil {
		t.Fatal("expected an error for a channel payload")
	}
}

func TestGetAfterExcludesTokensByDefault(t *testing.T) {
	store := newTestStore(t, nil)
	runID := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	if _, err := store.Append(ctx, runID, types.EventSupervisorStarted, map[string]string{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, runID, types.EventSupervisorToken, map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	withoutTokens, err := store.GetAfter(ctx, runID, 0, false)
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if len(withoutTokens) != 1 {
		t.Fatalf("expected 1 non-token event, got %d", len(withoutTokens))
	}

	withTokens, err := store.GetAfter(ctx, runID, 0, true)
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if len(withTokens) != 2 {
		t.Fatalf("expected 2 events including tokens, got %d", len(withTokens))
	}
}

func TestLatestEventIDReturnsZeroForEmptyRun(t *testing.T) {
	store := newTestStore(t, nil)
	runID := uuid.Must(uuid.NewV7())

	latest, err := store.LatestEventID(context.Background(), runID)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if latest != 0 {
		t.Fatalf("expected 0 for a run with no events, got %d", latest)
	}
}

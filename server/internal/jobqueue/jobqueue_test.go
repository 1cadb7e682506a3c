package jobqueue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return New(gormDB, "sqlite", zap.NewNop())
}

func seedQueueItem(t *testing.T, q *Queue, dedupeKey string) int64 {
	t.Helper()
	item := db.QueueItem{
		JobID:        "job-1",
		ScheduledFor: time.Now().UTC(),
		DedupeKey:    dedupeKey,
		Status:       "queued",
		MaxAttempts:  5,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := q.db.Create(&item).Error; err != nil {
		t.Fatalf("seed queue item: %v", err)
	}
	return item.ID
}

func TestClaimIsExclusive(t *testing.T) {
	q := newTestQueue(t)
	seedQueueItem(t, q, "dedupe-1")

	idsA, err := q.Claim(context.Background(), 10, "worker-a")
	if err != nil {
		t.Fatalf("claim a: %v", err)
	}
	idsB, err := q.Claim(context.Background(), 10, "worker-b")
	if err != nil {
		t.Fatalf("claim b: %v", err)
	}

	if len(idsA) != 1 {
		t.Fatalf("expected worker-a to claim exactly 1 item, got %d", len(idsA))
	}
	if len(idsB) != 0 {
		t.Fatalf("expected worker-b to claim nothing, got %d", len(idsB))
	}
}

func TestHeartbeatFailsForWrongOwner(t *testing.T) {
	q := newTestQueue(t)
	seedQueueItem(t, q, "dedupe-2")

	ids, err := q.Claim(context.Background(), 1, "worker-a")
	if err != nil || len(ids) != 1 {
		t.Fatalf("claim: %v (ids=%v)", err, ids)
	}

	ok, err := q.Heartbeat(context.Background(), ids[0], "worker-b")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat from the wrong owner to fail")
	}

	ok, err = q.Heartbeat(context.Background(), ids[0], "worker-a")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat from the true owner to succeed")
	}
}

func TestReclaimStaleResetsItemsWithoutHeartbeat(t *testing.T) {
	q := newTestQueue(t)
	id := seedQueueItem(t, q, "dedupe-3")

	staleHeartbeat := time.Now().UTC().Add(-StaleThreshold - time.Minute)
	err := q.db.Model(&db.QueueItem{}).Where("id = ?", id).
		Updates(map[string]any{"status": "running", "worker_owner": "worker-a", "heartbeat_at": staleHeartbeat}).Error
	if err != nil {
		t.Fatalf("seed stale state: %v", err)
	}

	count, err := q.ReclaimStale(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 item reclaimed, got %d", count)
	}

	var item db.QueueItem
	if err := q.db.First(&item, id).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if item.Status != "queued" {
		t.Fatalf("expected status queued after reclaim, got %s", item.Status)
	}
}

func TestRetryDelayFollowsExponentialBackoffWithCeiling(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{7, time.Hour}, // 60*2^6 = 3840s > 3600s ceiling
	}
	for _, c := range cases {
		if got := RetryDelay(c.attempt); got != c.expected {
			t.Errorf("RetryDelay(%d) = %v, want %v", c.attempt, got, c.expected)
		}
	}
}

func TestBackfillDedupesOnScheduledFire(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)

	if err := q.Backfill(ctx, "cron-job-1", "*/5 * * * *", since, now); err != nil {
		t.Fatalf("backfill 1: %v", err)
	}
	if err := q.Backfill(ctx, "cron-job-1", "*/5 * * * *", since, now); err != nil {
		t.Fatalf("backfill 2 (should dedupe, not error): %v", err)
	}

	var count int64
	if err := q.db.Model(&db.QueueItem{}).Where("job_id = ?", "cron-job-1").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 backfilled item despite 2 calls, got %d", count)
	}
}

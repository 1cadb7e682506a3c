// Package jobqueue is a durable, dialect-aware claim-heartbeat-reschedule
// queue for recurring job definitions. Each QueueItem row represents one
// scheduled firing of a job; claiming, heartbeating, and stale-reclaim are
// all expressed as raw conditional UPDATEs rather than SELECT-then-UPDATE,
// so two workers racing for the same item never both win.
//
// Grounded directly on the original claim_jobs_postgres/claim_jobs_sqlite/
// update_heartbeat/reclaim_stale_jobs queue: Postgres uses
// FOR UPDATE SKIP LOCKED inside the claiming subquery; SQLite relies on its
// single-writer semantics and UPDATE ... RETURNING. Both order candidates by
// (created_at, id) so FIFO ties break deterministically.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/metrics"
)

// StaleThreshold is how long a running item may go without a heartbeat
// before the sweeper resets it to queued for another worker to claim.
const StaleThreshold = 120 * time.Second

// maxRetryDelay caps the exponential backoff applied between retry attempts.
const maxRetryDelay = time.Hour

// ErrDialectUnsupported is returned for a gorm.Dialector name the queue does
// not have a claim implementation for.
var ErrDialectUnsupported = errors.New("jobqueue: unsupported database dialect")

// Queue claims, heartbeats, and reschedules QueueItem rows. It is safe for
// concurrent use by multiple worker goroutines and multiple server processes
// sharing one database.
type Queue struct {
	db      *gorm.DB
	dialect string
	logger  *zap.Logger
}

// New returns a Queue bound to gormDB. dialect is gormDB.Name() ("sqlite" or
// "postgres") — callers pass it explicitly rather than re-deriving it so
// tests can exercise both code paths against the same *gorm.DB when needed.
func New(gormDB *gorm.DB, dialect string, logger *zap.Logger) *Queue {
	return &Queue{db: gormDB, dialect: dialect, logger: logger}
}

// WorkerID returns a unique identifier for this process, used to tag claimed
// rows so heartbeat/reclaim can tell which worker owns which item.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Claim atomically claims up to limit queued items for workerID and returns
// their ids. Ordered by (created_at, id) so older items are claimed first
// and ties resolve deterministically.
func (q *Queue) Claim(ctx context.Context, limit int, workerID string) ([]int64, error) {
	switch q.dialect {
	case "postgres":
		return q.claimPostgres(ctx, limit, workerID)
	case "sqlite":
		return q.claimSQLite(ctx, limit, workerID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDialectUnsupported, q.dialect)
	}
}

func (q *Queue) claimPostgres(ctx context.Context, limit int, workerID string) ([]int64, error) {
	var ids []int64
	err := q.db.WithContext(ctx).Raw(`
		UPDATE queue_items
		SET status = 'running',
			claimed_at = NOW(),
			heartbeat_at = NOW(),
			worker_owner = ?
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'queued' AND (lease_until IS NULL OR lease_until <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, workerID, time.Now().UTC(), limit).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim (postgres) failed: %w", err)
	}
	return ids, nil
}

func (q *Queue) claimSQLite(ctx context.Context, limit int, workerID string) ([]int64, error) {
	var ids []int64
	err := q.db.WithContext(ctx).Raw(`
		UPDATE queue_items
		SET status = 'running',
			claimed_at = datetime('now'),
			heartbeat_at = datetime('now'),
			updated_at = datetime('now'),
			worker_owner = ?
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'queued' AND (lease_until IS NULL OR lease_until <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING id
	`, workerID, time.Now().UTC(), limit).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim (sqlite) failed: %w", err)
	}
	return ids, nil
}

// Heartbeat refreshes heartbeat_at for itemID, but only if it is still
// running and still owned by workerID. Returns false if the row no longer
// matches — the caller has lost the claim (likely reclaimed as stale) and
// must stop working on it.
func (q *Queue) Heartbeat(ctx context.Context, itemID int64, workerID string) (bool, error) {
	res := q.db.WithContext(ctx).Exec(`
		UPDATE queue_items
		SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND worker_owner = ?
	`, time.Now().UTC(), time.Now().UTC(), itemID, workerID)
	if res.Error != nil {
		return false, fmt.Errorf("jobqueue: heartbeat failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Complete marks itemID as succeeded.
func (q *Queue) Complete(ctx context.Context, itemID int64) error {
	return q.db.WithContext(ctx).Model(&db.QueueItem{}).
		Where("id = ?", itemID).
		Updates(map[string]any{"status": "success", "updated_at": time.Now().UTC()}).Error
}

// Fail records a failed attempt. If attempts has reached max_attempts the
// item moves to the dead letter state; otherwise it returns to queued and
// lease_until is set to now + backoff so the sweeper/claimer leaves it alone
// until the retry delay elapses.
func (q *Queue) Fail(ctx context.Context, itemID int64, errMsg string) error {
	var item db.QueueItem
	if err := q.db.WithContext(ctx).First(&item, itemID).Error; err != nil {
		return fmt.Errorf("jobqueue: load item for fail: %w", err)
	}

	attempts := item.Attempts + 1
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": errMsg,
		"updated_at": time.Now().UTC(),
	}

	if attempts >= item.MaxAttempts {
		updates["status"] = "dead"
		metrics.QueueDeadLetterTotal.Inc()
	} else {
		delay := RetryDelay(attempts)
		leaseUntil := time.Now().UTC().Add(delay)
		updates["status"] = "queued"
		updates["lease_until"] = leaseUntil
		updates["worker_owner"] = ""
		updates["claimed_at"] = nil
		updates["heartbeat_at"] = nil
	}

	return q.db.WithContext(ctx).Model(&db.QueueItem{}).Where("id = ?", itemID).Updates(updates).Error
}

// RetryDelay returns the backoff before retry attempt number attempts,
// following min(60 * 2^(attempts-1), 3600) seconds.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	seconds := 60 * math.Pow(2, float64(attempts-1))
	delay := time.Duration(seconds) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// RefreshDepthMetrics recomputes the conductor_queue_depth gauge by status.
// Called on each tick of the server's periodic queue sweep, not on every
// claim/complete — the gauge only needs to be roughly current.
func (q *Queue) RefreshDepthMetrics(ctx context.Context) error {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := q.db.WithContext(ctx).Model(&db.QueueItem{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return fmt.Errorf("jobqueue: refresh depth metrics: %w", err)
	}
	for _, row := range rows {
		metrics.QueueDepth.WithLabelValues(row.Status).Set(float64(row.Count))
	}
	return nil
}

// ReclaimStale resets items stuck in 'running' with no heartbeat for longer
// than StaleThreshold back to 'queued' so another worker can claim them.
// Returns the number of items reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-StaleThreshold)
	res := q.db.WithContext(ctx).Exec(`
		UPDATE queue_items
		SET status = 'queued',
			worker_owner = '',
			claimed_at = NULL,
			heartbeat_at = NULL,
			updated_at = ?
		WHERE status = 'running'
		  AND (heartbeat_at IS NULL OR heartbeat_at < ?)
	`, time.Now().UTC(), cutoff)
	if res.Error != nil {
		return 0, fmt.Errorf("jobqueue: reclaim stale failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Warn("jobqueue: reclaimed stale items", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Backfill computes the most recent missed fire of the cron expression
// relative to now (bounded by since, the last time this job definition's
// schedule was evaluated) and enqueues it if it is not already present,
// using (jobID, scheduledFor) as the dedupe key. It enqueues at most one
// item regardless of how many fires were missed — the spec only guarantees
// the most recent missed fire runs, not a full backlog replay.
func (q *Queue) Backfill(ctx context.Context, jobID string, cronExpr string, since, now time.Time) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("jobqueue: invalid cron expression %q: %w", cronExpr, err)
	}

	missed := mostRecentFireBetween(schedule, since, now)
	if missed.IsZero() {
		return nil
	}

	dedupeKey := fmt.Sprintf("%s:%s", jobID, missed.UTC().Format(time.RFC3339))
	item := db.QueueItem{
		JobID:        jobID,
		ScheduledFor: missed,
		DedupeKey:    dedupeKey,
		Status:       "queued",
		MaxAttempts:  5,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	err = q.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&item).Error
	if err != nil {
		return fmt.Errorf("jobqueue: backfill insert failed: %w", err)
	}
	return nil
}

// mostRecentFireBetween walks the schedule forward from since and returns
// the last fire time that is <= now, or the zero Value if none fall in the
// window.
func mostRecentFireBetween(schedule cron.Schedule, since, now time.Time) time.Time {
	var last time.Time
	t := since
	for {
		next := schedule.Next(t)
		if next.After(now) {
			break
		}
		last = next
		t = next
	}
	return last
}

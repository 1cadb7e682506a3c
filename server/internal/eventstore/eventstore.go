// Package eventstore is the durable, append-only log backing every Run's
// timeline. Every event the supervisor or a worker produces is written here
// before it is ever shown to a client — the row, not the in-memory fan-out,
// is the source of truth for replay after a reconnect.
//
// Grounded on the original append_run_event/EventStore service: each append
// opens its own short-lived transaction, validates the payload is JSON
// round-trippable before committing, and only then publishes to live
// subscribers — a publish failure is logged and swallowed, never allowed to
// fail the write that already committed.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/metrics"
	"github.com/conductorhq/conductor/shared/types"
)

// ErrInvalidPayload is returned when payload cannot be round-tripped through
// encoding/json — an append must never write a value that cannot later be
// read back and forwarded to a client.
var ErrInvalidPayload = errors.New("eventstore: payload is not JSON-serializable")

// Publisher is the live fan-out sink an append notifies after it commits.
// The stream assembler implements this by wrapping its per-run hub.
type Publisher interface {
	Publish(runID uuid.UUID, event Event)
}

// Event is one durably-stored entry in a Run's timeline, as delivered to
// subscribers and replay readers alike.
type Event struct {
	ID        int64           `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	Type      types.EventType `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the event store's entry point. It is safe for concurrent use.
type Store struct {
	db     *gorm.DB
	pub    Publisher
	logger *zap.Logger
}

// New returns a Store. pub may be nil — in that case Append persists events
// but does not fan them out live, which is the correct behaviour for
// short-lived maintenance tools that never need to stream.
func New(gormDB *gorm.DB, pub Publisher, logger *zap.Logger) *Store {
	return &Store{db: gormDB, pub: pub, logger: logger}
}

// Append durably records one event for runID and, once committed, publishes
// it to any live subscribers. It opens its own transaction scoped to this
// call — it never reuses a caller's transaction, so a rollback elsewhere in
// the same request can never undo an event a client has already been told
// about.
//
// payload is marshaled with encoding/json before insertion; an un-marshalable
// value (e.g. a channel or a cyclic struct) returns ErrInvalidPayload without
// touching the database.
func (s *Store) Append(ctx context.Context, runID uuid.UUID, eventType types.EventType, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	// Round-trip once more: some values marshal but would fail to ever be
	// read back into a generic consumer (e.g. NaN floats produce invalid
	// JSON tokens that json.Marshal itself already rejects, but this keeps
	// the invariant explicit and cheap to verify).
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	row := db.RunEvent{
		RunID:     runID,
		EventType: string(eventType),
		Payload:   string(raw),
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("eventstore: insert failed: %w", err)
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(eventType)).Inc()

	if s.pub != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("eventstore: publish panicked", zap.Any("recover", r))
				}
			}()
			s.pub.Publish(runID, Event{
				ID:        row.ID,
				RunID:     runID,
				Type:      eventType,
				Payload:   raw,
				CreatedAt: row.CreatedAt,
			})
		}()
	}

	return row.ID, nil
}

// GetAfter returns every event for runID with id > afterID, ordered by id.
// Pass afterID 0 to read the full timeline from the beginning. Token events
// (supervisor_token) are excluded unless includeTokens is set, since replay
// consumers usually want the structural timeline, not every streamed
// character.
func (s *Store) GetAfter(ctx context.Context, runID uuid.UUID, afterID int64, includeTokens bool) ([]Event, error) {
	q := s.db.WithContext(ctx).
		Where("run_id = ? AND id > ?", runID, afterID).
		Order("id ASC")
	if !includeTokens {
		q = q.Where("event_type <> ?", string(types.EventSupervisorToken))
	}

	var rows []db.RunEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: query failed: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			ID:        r.ID,
			RunID:     r.RunID,
			Type:      types.EventType(r.EventType),
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: r.CreatedAt,
		})
	}
	return events, nil
}

// LatestEventID returns the id of the most recent event recorded for runID,
// or 0 if the run has no events yet.
func (s *Store) LatestEventID(ctx context.Context, runID uuid.UUID) (int64, error) {
	var row db.RunEvent
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventstore: query failed: %w", err)
	}
	return row.ID, nil
}

// DeleteForRun removes every event recorded for runID. Used when a Run is
// purged entirely (owner-initiated data deletion), never as part of normal
// lifecycle — retention of a completed run's timeline is the default.
func (s *Store) DeleteForRun(ctx context.Context, runID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&db.RunEvent{}).Error; err != nil {
		return fmt.Errorf("eventstore: delete failed: %w", err)
	}
	return nil
}

// CountForRun returns the number of events recorded for runID.
func (s *Store) CountForRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&db.RunEvent{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("eventstore: count failed: %w", err)
	}
	return count, nil
}

package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User owns Runs, Threads, Runners and DeviceTokens. Only local password
// auth is supported; there is no external identity federation in this core.
type User struct {
	base
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;default:'user'"` // "admin" or "user"
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
}

// -----------------------------------------------------------------------------
// Thread / ThreadMessage
// -----------------------------------------------------------------------------

// Thread is the long-lived conversation a Run belongs to. It is never
// destroyed implicitly and carries the persistent message history that the
// Supervisor Engine assembles into each LLM call.
type Thread struct {
	base
	OwnerID uuid.UUID `gorm:"type:text;not null;index"`
	Title   string    `gorm:"not null;default:''"`
}

// ThreadMessage is one entry in a Thread's persistent history.
type ThreadMessage struct {
	base
	ThreadID   uuid.UUID `gorm:"type:text;not null;index"`
	Role       string    `gorm:"not null"` // user | assistant | tool | system
	Content    string    `gorm:"type:text;not null;default:''"`
	ToolCallID string    `gorm:"default:''"`
	ToolCalls  string    `gorm:"type:text;default:''"` // JSON array, empty when none
	Processed  bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// Run is one supervisor execution attached to a Thread.
//
// Invariants enforced by the application layer, not by the schema:
//   - a Run with active WorkerJobs must not be in a terminal status.
//   - only a WAITING run may transition to RUNNING via resume.
//   - status monotonically progresses toward terminal, never backward.
type Run struct {
	base
	OwnerID     uuid.UUID `gorm:"type:text;not null;index"`
	ThreadID    uuid.UUID `gorm:"type:text;not null;index"`
	TraceID     string    `gorm:"not null;default:''"`
	Status      string    `gorm:"not null;default:'PENDING';index"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Error       string `gorm:"type:text;default:''"`
	TotalTokens int64  `gorm:"not null;default:0"`
	TotalCost   float64 `gorm:"not null;default:0"`
	StepCount   int    `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// WorkerJob
// -----------------------------------------------------------------------------

// WorkerJob is one delegated sub-task dispatched to a runner.
//
// Exactly one terminal transition may resume the parent Run, enforced by
// the atomic conditional UPDATE in workerdispatcher, not here.
type WorkerJob struct {
	base
	OwnerID          uuid.UUID `gorm:"type:text;not null;index"`
	SupervisorRunID  uuid.UUID `gorm:"type:text;not null;index"`
	ToolCallID       string    `gorm:"not null"`
	Task             string    `gorm:"type:text;not null"`
	Command          string    `gorm:"type:text;not null;default:''"`
	CapabilitiesNeeded string  `gorm:"type:text;default:'[]'"` // JSON array
	Status           string    `gorm:"not null;default:'QUEUED';index"`
	RunnerID         uuid.UUID `gorm:"type:text;index"`
	TimeoutSeconds   int       `gorm:"not null;default:60"`
	ClaimedAt        *time.Time
	HeartbeatAt      *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	Result           string `gorm:"type:text;default:''"`
	Summary          string `gorm:"type:text;default:''"`
	ExitCode         *int
	Error            string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Runner
// -----------------------------------------------------------------------------

// Runner is a user-owned execution target that connects to the orchestrator
// over the persistent WebSocket transport. Revocation is permanent.
type Runner struct {
	softDelete
	OwnerID        uuid.UUID `gorm:"type:text;not null;index"`
	Name           string    `gorm:"not null"`
	AuthSecretHash string    `gorm:"not null"` // SHA-256 hex of the shared secret
	Capabilities   string    `gorm:"type:text;not null;default:'[]'"` // JSON array of strings
	Status         string    `gorm:"not null;default:'offline'"`      // online | offline | revoked
	LastSeenAt     *time.Time
	Metadata       string `gorm:"type:text;default:'{}'"` // JSON, hello/heartbeat metadata
}

// -----------------------------------------------------------------------------
// RunEvent
// -----------------------------------------------------------------------------

// RunEvent is a durable, append-only entry in a Run's timeline. It is the
// sole source of truth for both live SSE fanout and replay after reconnect.
type RunEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `gorm:"type:text;not null;index:idx_run_events_run_id"`
	EventType string    `gorm:"not null"`
	Payload   string    `gorm:"type:text;not null"` // JSON
	CreatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// QueueItem
// -----------------------------------------------------------------------------

// QueueItem is one scheduled execution of a recurring job definition, managed
// by the claim-heartbeat-reschedule durable queue.
//
// DedupeKey is unique; a missed cron fire creates at most one row regardless
// of how many instances race to backfill it.
type QueueItem struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	JobID        string    `gorm:"not null;index"`
	ScheduledFor time.Time `gorm:"not null;index"`
	DedupeKey    string    `gorm:"not null;uniqueIndex"` // job_id + ':' + scheduled_for (RFC3339)
	Status       string    `gorm:"not null;default:'queued';index"`
	Attempts     int       `gorm:"not null;default:0"`
	MaxAttempts  int       `gorm:"not null;default:5"`
	LeaseUntil   *time.Time
	WorkerOwner  string `gorm:"default:''"`
	LastError    string `gorm:"type:text;default:''"`
	ClaimedAt    *time.Time
	HeartbeatAt  *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// DeviceToken
// -----------------------------------------------------------------------------

// DeviceToken authenticates non-interactive REST/WS callers (CLI tools,
// runner bootstrap). The plaintext token is returned exactly once at
// creation; only its SHA-256 hash is ever stored. Distinct from a Runner's
// AuthSecretHash, which authenticates the persistent transport connection.
type DeviceToken struct {
	base
	OwnerID   uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Package repository holds the GORM-backed data access layer. Every table
// gets one interface + one gormXxxRepository implementation, following the
// teacher's per-resource repository shape — no generic repository base, no
// query builder abstraction beyond what GORM itself provides.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/server/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint.
var ErrConflict = errors.New("record already exists")

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// ThreadRepository
// -----------------------------------------------------------------------------

type ThreadRepository interface {
	Create(ctx context.Context, thread *db.Thread) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Thread, error)
	List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Thread, int64, error)

	AppendMessage(ctx context.Context, msg *db.ThreadMessage) error
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]db.ThreadMessage, error)
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

type RunRepository interface {
	Create(ctx context.Context, run *db.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error)
	Update(ctx context.Context, run *db.Run) error

	// TransitionStatus performs a conditional status UPDATE, matching on the
	// required prior status, and reports whether the row matched.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)

	List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Run, int64, error)
	ListByThread(ctx context.Context, threadID uuid.UUID) ([]db.Run, error)
}

// -----------------------------------------------------------------------------
// WorkerJobRepository
// -----------------------------------------------------------------------------

type WorkerJobRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.WorkerJob, error)
	ListByRun(ctx context.Context, supervisorRunID uuid.UUID) ([]db.WorkerJob, error)
}

// -----------------------------------------------------------------------------
// RunnerRepository
// -----------------------------------------------------------------------------

type RunnerRepository interface {
	Create(ctx context.Context, runner *db.Runner) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Runner, error)
	Update(ctx context.Context, runner *db.Runner) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Runner, int64, error)
}

// -----------------------------------------------------------------------------
// DeviceTokenRepository
// -----------------------------------------------------------------------------

type DeviceTokenRepository interface {
	Create(ctx context.Context, token *db.DeviceToken) error
	GetByHash(ctx context.Context, hash string) (*db.DeviceToken, error)
	Revoke(ctx context.Context, id, ownerID uuid.UUID) error
	List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.DeviceToken, int64, error)
}

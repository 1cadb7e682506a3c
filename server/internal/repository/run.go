package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
)

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(gormDB *gorm.DB) RunRepository {
	return &gormRunRepository{db: gormDB}
}

func (r *gormRunRepository) Create(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

func (r *gormRunRepository) Update(ctx context.Context, run *db.Run) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus is the repository's expression of the single atomic
// conditional UPDATE the resume protocol and cancellation both depend on —
// it never loads the row first, so the check and the write are one
// statement and hold under concurrent callers without a mutex.
func (r *gormRunRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&db.Run{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("runs: transition status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *gormRunRepository) List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Run, int64, error) {
	var runs []db.Run
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Run{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}
	return runs, total, nil
}

func (r *gormRunRepository) ListByThread(ctx context.Context, threadID uuid.UUID) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by thread: %w", err)
	}
	return runs, nil
}

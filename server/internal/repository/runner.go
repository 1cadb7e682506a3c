package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/shared/types"
)

// gormRunnerRepository is the GORM implementation of RunnerRepository.
type gormRunnerRepository struct {
	db *gorm.DB
}

// NewRunnerRepository returns a RunnerRepository backed by the provided *gorm.DB.
func NewRunnerRepository(gormDB *gorm.DB) RunnerRepository {
	return &gormRunnerRepository{db: gormDB}
}

func (r *gormRunnerRepository) Create(ctx context.Context, runner *db.Runner) error {
	if err := r.db.WithContext(ctx).Create(runner).Error; err != nil {
		return fmt.Errorf("runners: create: %w", err)
	}
	return nil
}

func (r *gormRunnerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Runner, error) {
	var runner db.Runner
	err := r.db.WithContext(ctx).First(&runner, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runners: get by id: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) Update(ctx context.Context, runner *db.Runner) error {
	result := r.db.WithContext(ctx).Save(runner)
	if result.Error != nil {
		return fmt.Errorf("runners: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status column — called on every connect/
// disconnect transition from the runner transport's Manager, which has no
// other reason to touch the rest of the row.
func (r *gormRunnerRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&db.Runner{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("runners: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke permanently marks a runner revoked. Revocation is one-way: no
// repository method reverses it, matching the teacher's soft-delete
// semantics but with an explicit status instead of a DeletedAt column, since
// a revoked Runner should still be visible in listings (distinctly, as
// revoked) rather than disappear.
func (r *gormRunnerRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Runner{}).
		Where("id = ?", id).
		Update("status", string(types.RunnerStatusRevoked))
	if result.Error != nil {
		return fmt.Errorf("runners: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRunnerRepository) List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Runner, int64, error) {
	var runners []db.Runner
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Runner{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runners: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").
		Find(&runners).Error; err != nil {
		return nil, 0, fmt.Errorf("runners: list: %w", err)
	}
	return runners, total, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
)

// gormWorkerJobRepository is the GORM implementation of WorkerJobRepository.
// The Worker Dispatcher owns WorkerJob writes directly (its state machine
// transitions are tightly coupled to the resume CAS); this repository only
// serves read paths used by the API and evidence mounting.
type gormWorkerJobRepository struct {
	db *gorm.DB
}

// NewWorkerJobRepository returns a WorkerJobRepository backed by the
// provided *gorm.DB.
func NewWorkerJobRepository(gormDB *gorm.DB) WorkerJobRepository {
	return &gormWorkerJobRepository{db: gormDB}
}

func (r *gormWorkerJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.WorkerJob, error) {
	var job db.WorkerJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("worker_jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormWorkerJobRepository) ListByRun(ctx context.Context, supervisorRunID uuid.UUID) ([]db.WorkerJob, error) {
	var jobs []db.WorkerJob
	if err := r.db.WithContext(ctx).
		Where("supervisor_run_id = ?", supervisorRunID).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("worker_jobs: list by run: %w", err)
	}
	return jobs, nil
}

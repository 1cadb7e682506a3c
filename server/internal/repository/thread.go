package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
)

// gormThreadRepository is the GORM implementation of ThreadRepository.
type gormThreadRepository struct {
	db *gorm.DB
}

// NewThreadRepository returns a ThreadRepository backed by the provided *gorm.DB.
func NewThreadRepository(gormDB *gorm.DB) ThreadRepository {
	return &gormThreadRepository{db: gormDB}
}

func (r *gormThreadRepository) Create(ctx context.Context, thread *db.Thread) error {
	if err := r.db.WithContext(ctx).Create(thread).Error; err != nil {
		return fmt.Errorf("threads: create: %w", err)
	}
	return nil
}

func (r *gormThreadRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Thread, error) {
	var thread db.Thread
	err := r.db.WithContext(ctx).First(&thread, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("threads: get by id: %w", err)
	}
	return &thread, nil
}

func (r *gormThreadRepository) List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Thread, int64, error) {
	var threads []db.Thread
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Thread{}).Where("owner_id = ?", ownerID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("threads: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&threads).Error; err != nil {
		return nil, 0, fmt.Errorf("threads: list: %w", err)
	}
	return threads, total, nil
}

// AppendMessage inserts one message into a thread's history. Messages are
// never updated or reordered — the Supervisor Engine assembles the model
// request strictly by created_at/id order.
func (r *gormThreadRepository) AppendMessage(ctx context.Context, msg *db.ThreadMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("threads: append message: %w", err)
	}
	return nil
}

func (r *gormThreadRepository) ListMessages(ctx context.Context, threadID uuid.UUID) ([]db.ThreadMessage, error) {
	var messages []db.ThreadMessage
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("threads: list messages: %w", err)
	}
	return messages, nil
}

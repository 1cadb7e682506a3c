package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
)

// gormDeviceTokenRepository is the GORM implementation of DeviceTokenRepository.
type gormDeviceTokenRepository struct {
	db *gorm.DB
}

// NewDeviceTokenRepository returns a DeviceTokenRepository backed by the
// provided *gorm.DB.
func NewDeviceTokenRepository(gormDB *gorm.DB) DeviceTokenRepository {
	return &gormDeviceTokenRepository{db: gormDB}
}

func (r *gormDeviceTokenRepository) Create(ctx context.Context, token *db.DeviceToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("device_tokens: create: %w", err)
	}
	return nil
}

// GetByHash looks up a non-revoked token by its SHA-256 hash and stamps
// LastUsedAt. Revoked tokens are excluded at the query level rather than
// checked after the fact, so a revoked token never authenticates a request
// even under a read replica lag race.
func (r *gormDeviceTokenRepository) GetByHash(ctx context.Context, hash string) (*db.DeviceToken, error) {
	var token db.DeviceToken
	err := r.db.WithContext(ctx).
		Where("token_hash = ? AND revoked_at IS NULL", hash).
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("device_tokens: get by hash: %w", err)
	}
	now := time.Now().UTC()
	r.db.WithContext(ctx).Model(&db.DeviceToken{}).Where("id = ?", token.ID).Update("last_used_at", now)
	return &token, nil
}

func (r *gormDeviceTokenRepository) Revoke(ctx context.Context, id, ownerID uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&db.DeviceToken{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("revoked_at", now)
	if result.Error != nil {
		return fmt.Errorf("device_tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceTokenRepository) List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.DeviceToken, int64, error) {
	var tokens []db.DeviceToken
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.DeviceToken{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("device_tokens: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&tokens).Error; err != nil {
		return nil, 0, fmt.Errorf("device_tokens: list: %w", err)
	}
	return tokens, total, nil
}

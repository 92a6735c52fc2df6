package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateLimitRepository persists cooldown state with optimistic concurrency
type RateLimitRepository struct {
	db *gorm.DB
}

// NewRateLimitRepository creates a new rate limit repository
func NewRateLimitRepository(db *gorm.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// GetOrCreate returns the state row for id, creating an empty one first if
// needed. Concurrent creators are tolerated: the insert ignores conflicts and
// the row is read back.
func (r *RateLimitRepository) GetOrCreate(ctx context.Context, id string) (*RateLimitState, error) {
	state, err := r.get(ctx, id)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read rate limit state %s: %w", id, err)
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RateLimitState{ID: id, UpdatedAt: time.Now()}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit state %s: %w", id, err)
	}

	state, err = r.get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limit state %s: %w", id, err)
	}
	return state, nil
}

func (r *RateLimitRepository) get(ctx context.Context, id string) (*RateLimitState, error) {
	var state RateLimitState
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// CompareAndSwap writes the cooldown only if the row still has version.
// It reports false when another writer got there first.
func (r *RateLimitRepository) CompareAndSwap(ctx context.Context, id string, version int, cooldownUntil, last429At time.Time, retryAfter time.Duration) (bool, error) {
	res := r.db.WithContext(ctx).Model(&RateLimitState{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"cooldown_until":      cooldownUntil,
			"last_429_at":         last429At,
			"last_retry_after_ms": retryAfter.Milliseconds(),
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update rate limit state %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoConfigVersion is returned when no configuration has been saved yet
var ErrNoConfigVersion = errors.New("no backup configuration saved")

// ConfigRepository stores versioned backup configuration documents
type ConfigRepository struct {
	db *gorm.DB
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *gorm.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// Latest returns the newest saved version
func (r *ConfigRepository) Latest(ctx context.Context) (*BackupConfigVersion, error) {
	var v BackupConfigVersion
	err := r.db.WithContext(ctx).Order("version DESC").First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoConfigVersion
		}
		return nil, fmt.Errorf("failed to load latest config version: %w", err)
	}
	return &v, nil
}

// Append stores document as the next version
func (r *ConfigRepository) Append(ctx context.Context, document, redacted, actor, summary string) (*BackupConfigVersion, error) {
	var saved BackupConfigVersion
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int
		row := tx.Model(&BackupConfigVersion{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("COALESCE(MAX(version), 0)").Row()
		if err := row.Scan(&current); err != nil {
			return err
		}

		saved = BackupConfigVersion{
			ID:               uuid.New().String(),
			Version:          current + 1,
			Document:         document,
			RedactedDocument: redacted,
			Actor:            actor,
			ChangeSummary:    summary,
			CreatedAt:        time.Now(),
		}
		return tx.Create(&saved).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save config version: %w", err)
	}
	return &saved, nil
}

// List returns saved versions newest first
func (r *ConfigRepository) List(ctx context.Context, offset, limit int) ([]BackupConfigVersion, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int64
	if err := r.db.WithContext(ctx).Model(&BackupConfigVersion{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count config versions: %w", err)
	}
	var versions []BackupConfigVersion
	err := r.db.WithContext(ctx).
		Select("id", "version", "redacted_document", "actor", "change_summary", "created_at").
		Order("version DESC").Offset(offset).Limit(limit).
		Find(&versions).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list config versions: %w", err)
	}
	return versions, total, nil
}

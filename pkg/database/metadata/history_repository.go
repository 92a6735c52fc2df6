package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrHistoryNotFound is returned when a history record does not exist
var ErrHistoryNotFound = errors.New("backup history not found")

// HistoryFilter narrows a history listing
type HistoryFilter struct {
	OperationType string
	TargetKind    string
	Status        string
	StartDate     *time.Time
	EndDate       *time.Time
	Offset        int
	Limit         int
}

// HistoryRepository handles database operations for backup history
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Create inserts a new history record
func (r *HistoryRepository) Create(ctx context.Context, record *BackupHistory) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create history record: %w", err)
	}
	return nil
}

// Finish moves a record to its terminal state
func (r *HistoryRepository) Finish(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&BackupHistory{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update history record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	return nil
}

// Get retrieves a history record by ID
func (r *HistoryRepository) Get(ctx context.Context, id string) (*BackupHistory, error) {
	var record BackupHistory
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return &record, nil
}

// List returns matching records newest first and the total count
func (r *HistoryRepository) List(ctx context.Context, filter HistoryFilter) ([]BackupHistory, int64, error) {
	query := r.db.WithContext(ctx).Model(&BackupHistory{})
	if filter.OperationType != "" {
		query = query.Where("operation_type = ?", filter.OperationType)
	}
	if filter.TargetKind != "" {
		query = query.Where("target_kind = ?", filter.TargetKind)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.StartDate != nil {
		query = query.Where("started_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("started_at <= ?", *filter.EndDate)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count history: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var records []BackupHistory
	err := query.Order("started_at DESC").Offset(filter.Offset).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list history: %w", err)
	}
	return records, total, nil
}

// ExistsForPath reports whether any record references path
func (r *HistoryRepository) ExistsForPath(ctx context.Context, path string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&BackupHistory{}).Where("backup_path = ?", path).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up history by path: %w", err)
	}
	return count > 0, nil
}

// MarkDeletedByPath flags every record of path as deleted
func (r *HistoryRepository) MarkDeletedByPath(ctx context.Context, path string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&BackupHistory{}).
		Where("backup_path = ? AND file_status = ?", path, FileExists).
		Update("file_status", FileDeleted)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark history deleted for %s: %w", path, res.Error)
	}
	return res.RowsAffected, nil
}

// MarkExcessAsDeleted keeps the newest keep completed backups of a target
// flagged as existing and marks the rest deleted.
func (r *HistoryRepository) MarkExcessAsDeleted(ctx context.Context, kind, source string, keep int) (int64, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&BackupHistory{}).
		Where("operation_type = ? AND target_kind = ? AND target_source = ? AND status = ? AND file_status = ?",
			OperationBackup, kind, source, StatusCompleted, FileExists).
		Order("started_at DESC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list history for %s/%s: %w", kind, source, err)
	}
	if len(ids) <= keep {
		return 0, nil
	}

	res := r.db.WithContext(ctx).Model(&BackupHistory{}).
		Where("id IN ?", ids[keep:]).
		Update("file_status", FileDeleted)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark excess history deleted: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes records created before cutoff
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&BackupHistory{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Package metadata provides database models and operations for backup metadata
package metadata

import (
	"time"
)

// Operation types for history records
const (
	OperationBackup  = "BACKUP"
	OperationRestore = "RESTORE"
)

// History statuses
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// File statuses
const (
	FileExists  = "EXISTS"
	FileDeleted = "DELETED"
)

// BackupHistory is the audit record of one backup or restore attempt
type BackupHistory struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)"`
	OperationType   string     `gorm:"type:varchar(16);not null;index"`
	TargetKind      string     `gorm:"type:varchar(32);not null;index:idx_history_target"`
	TargetSource    string     `gorm:"type:varchar(1024);not null;index:idx_history_target,length:191"`
	StorageProvider string     `gorm:"type:varchar(32);not null"`
	Status          string     `gorm:"type:varchar(16);not null;index"`
	FileStatus      string     `gorm:"type:varchar(16);not null;default:EXISTS"`
	BackupPath      string     `gorm:"type:varchar(1024);index:idx_history_path,length:191"`
	SizeBytes       *int64     ``
	Hash            string     `gorm:"type:varchar(64)"`
	Summary         string     `gorm:"type:text"`
	ErrorMessage    string     `gorm:"type:text"`
	StartedAt       time.Time  `gorm:"not null;index"`
	CompletedAt     *time.Time ``
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

// TableName specifies the table name for the BackupHistory model
func (BackupHistory) TableName() string {
	return "backup_history"
}

// RateLimitState is the persisted cooldown of one rate limited resource.
// Version is bumped on every write and used for compare-and-swap.
type RateLimitState struct {
	ID               string     `gorm:"primaryKey;type:varchar(64)"`
	CooldownUntil    *time.Time `gorm:"column:cooldown_until"`
	Last429At        *time.Time `gorm:"column:last_429_at"`
	LastRetryAfterMs *int64     `gorm:"column:last_retry_after_ms"`
	Version          int        `gorm:"not null;default:0"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

// TableName specifies the table name for the RateLimitState model
func (RateLimitState) TableName() string {
	return "rate_limit_states"
}

// BackupConfigVersion stores one saved revision of the backup configuration
type BackupConfigVersion struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	Version          int       `gorm:"not null;uniqueIndex"`
	Document         string    `gorm:"type:mediumtext;not null"`
	RedactedDocument string    `gorm:"type:mediumtext;not null"`
	Actor            string    `gorm:"type:varchar(255)"`
	ChangeSummary    string    `gorm:"type:varchar(1024)"`
	CreatedAt        time.Time `gorm:"not null;index"`
}

// TableName specifies the table name for the BackupConfigVersion model
func (BackupConfigVersion) TableName() string {
	return "backup_config_versions"
}

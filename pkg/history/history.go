// Package history records backup and restore attempts.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
)

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = metadata.ErrHistoryNotFound

// Store persists history records. *metadata.HistoryRepository implements it.
type Store interface {
	Create(ctx context.Context, record *metadata.BackupHistory) error
	Finish(ctx context.Context, id string, updates map[string]interface{}) error
	Get(ctx context.Context, id string) (*metadata.BackupHistory, error)
	List(ctx context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error)
	ExistsForPath(ctx context.Context, path string) (bool, error)
	MarkDeletedByPath(ctx context.Context, path string) (int64, error)
	MarkExcessAsDeleted(ctx context.Context, kind, source string, keep int) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Attempt identifies what a record is about
type Attempt struct {
	Operation string
	Kind      string
	Source    string
	Provider  string
	Path      string
}

// Outcome is the terminal data written when an attempt finishes
type Outcome struct {
	Path      string
	SizeBytes int64
	Hash      string
	Summary   string
}

// Recorder writes history around backup and restore attempts. Store
// failures are logged and never fail the attempt being recorded.
type Recorder struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewRecorder creates a recorder over store. A nil store keeps records in
// memory.
func NewRecorder(store Store, log logrus.FieldLogger) *Recorder {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Recorder{store: store, log: logging.OrDiscard(log), now: time.Now}
}

// Store returns the underlying store
func (r *Recorder) Store() Store { return r.store }

// Start creates a RUNNING record and returns its id
func (r *Recorder) Start(ctx context.Context, a Attempt) string {
	record := r.newRecord(a)
	record.Status = metadata.StatusRunning
	if err := r.store.Create(ctx, record); err != nil {
		r.log.WithError(err).WithField("operation", a.Operation).Warn("Failed to create history record")
	}
	return record.ID
}

// Complete moves id to COMPLETED
func (r *Recorder) Complete(ctx context.Context, id string, out Outcome) {
	updates := map[string]interface{}{
		"status":       metadata.StatusCompleted,
		"completed_at": r.now(),
		"summary":      out.Summary,
	}
	if out.Path != "" {
		updates["backup_path"] = out.Path
	}
	if out.SizeBytes > 0 {
		updates["size_bytes"] = out.SizeBytes
	}
	if out.Hash != "" {
		updates["hash"] = out.Hash
	}
	r.finish(ctx, id, updates)
}

// Fail moves id to FAILED with cause's message
func (r *Recorder) Fail(ctx context.Context, id string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r.finish(ctx, id, map[string]interface{}{
		"status":        metadata.StatusFailed,
		"completed_at":  r.now(),
		"error_message": msg,
	})
}

func (r *Recorder) finish(ctx context.Context, id string, updates map[string]interface{}) {
	if err := r.store.Finish(ctx, id, updates); err != nil {
		r.log.WithError(err).WithField("historyId", id).Warn("Failed to finish history record")
	}
}

// RecordFinished writes a record that is already terminal. It is used after
// a database restore, which may have replaced the row written at start.
func (r *Recorder) RecordFinished(ctx context.Context, a Attempt, started time.Time, out Outcome, cause error) string {
	record := r.newRecord(a)
	record.StartedAt = started
	completed := r.now()
	record.CompletedAt = &completed
	record.Summary = out.Summary
	if out.Path != "" {
		record.BackupPath = out.Path
	}
	if out.SizeBytes > 0 {
		size := out.SizeBytes
		record.SizeBytes = &size
	}
	record.Hash = out.Hash
	if cause != nil {
		record.Status = metadata.StatusFailed
		record.ErrorMessage = cause.Error()
	} else {
		record.Status = metadata.StatusCompleted
	}
	if err := r.store.Create(ctx, record); err != nil {
		r.log.WithError(err).Warn("Failed to write post-restore history record")
	}
	return record.ID
}

// MarkDeleted flags every record of path as DELETED
func (r *Recorder) MarkDeleted(ctx context.Context, path string) {
	if _, err := r.store.MarkDeletedByPath(ctx, path); err != nil {
		r.log.WithError(err).WithField("path", path).Warn("Failed to mark history deleted")
	}
}

// MarkExcessDeleted keeps the newest keep backups of a target marked EXISTS
func (r *Recorder) MarkExcessDeleted(ctx context.Context, kind, source string, keep int) {
	n, err := r.store.MarkExcessAsDeleted(ctx, kind, source, keep)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"kind": kind, "source": source}).
			Warn("Failed to mark excess history deleted")
		return
	}
	if n > 0 {
		r.log.WithFields(logrus.Fields{"kind": kind, "source": source, "count": n}).
			Info("Marked excess history records deleted")
	}
}

// List returns matching records newest first and the total count
func (r *Recorder) List(ctx context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error) {
	return r.store.List(ctx, filter)
}

// Get returns one record
func (r *Recorder) Get(ctx context.Context, id string) (*metadata.BackupHistory, error) {
	return r.store.Get(ctx, id)
}

// IsNotFound reports whether err means the record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Prune removes records older than days. Zero days keeps everything.
func (r *Recorder) Prune(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	return r.store.DeleteOlderThan(ctx, r.now().AddDate(0, 0, -days))
}

func (r *Recorder) newRecord(a Attempt) *metadata.BackupHistory {
	now := r.now()
	return &metadata.BackupHistory{
		ID:              uuid.New().String(),
		OperationType:   a.Operation,
		TargetKind:      a.Kind,
		TargetSource:    a.Source,
		StorageProvider: a.Provider,
		FileStatus:      metadata.FileExists,
		BackupPath:      a.Path,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

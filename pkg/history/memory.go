package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
)

// MemoryStore keeps history in process. It is used when the metadata
// database is disabled.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*metadata.BackupHistory
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*metadata.BackupHistory{}}
}

func (m *MemoryStore) Create(_ context.Context, record *metadata.BackupHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *record
	m.records[record.ID] = &copied
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", metadata.ErrHistoryNotFound, id)
	}
	for key, value := range updates {
		switch key {
		case "status":
			record.Status, _ = value.(string)
		case "completed_at":
			if t, ok := value.(time.Time); ok {
				record.CompletedAt = &t
			}
		case "summary":
			record.Summary, _ = value.(string)
		case "error_message":
			record.ErrorMessage, _ = value.(string)
		case "backup_path":
			record.BackupPath, _ = value.(string)
		case "hash":
			record.Hash, _ = value.(string)
		case "size_bytes":
			if n, ok := value.(int64); ok {
				record.SizeBytes = &n
			}
		case "file_status":
			record.FileStatus, _ = value.(string)
		}
	}
	record.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*metadata.BackupHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", metadata.ErrHistoryNotFound, id)
	}
	copied := *record
	return &copied, nil
}

func (m *MemoryStore) List(_ context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []metadata.BackupHistory
	for _, r := range m.records {
		if filter.OperationType != "" && r.OperationType != filter.OperationType {
			continue
		}
		if filter.TargetKind != "" && r.TargetKind != filter.TargetKind {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.StartDate != nil && r.StartedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && r.StartedAt.After(*filter.EndDate) {
			continue
		}
		matched = append(matched, *r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })

	total := int64(len(matched))
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) ExistsForPath(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.BackupPath == path {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkDeletedByPath(_ context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.BackupPath == path && r.FileStatus == metadata.FileExists {
			r.FileStatus = metadata.FileDeleted
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkExcessAsDeleted(_ context.Context, kind, source string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*metadata.BackupHistory
	for _, r := range m.records {
		if r.OperationType == metadata.OperationBackup && r.TargetKind == kind && r.TargetSource == source &&
			r.Status == metadata.StatusCompleted && r.FileStatus == metadata.FileExists {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) <= keep {
		return 0, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].StartedAt.After(candidates[j].StartedAt) })
	for _, r := range candidates[keep:] {
		r.FileStatus = metadata.FileDeleted
	}
	return int64(len(candidates) - keep), nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if r.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

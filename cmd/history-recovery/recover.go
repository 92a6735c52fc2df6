package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

// path timestamps written by backup.BuildPath look like
// 2024-03-01T12-34-56-789Z, optionally followed by -label
const (
	stampLayout = "2006-01-02T15-04-05"
	stampLen    = len("2006-01-02T15-04-05-000Z")
)

const recoveredSummary = "recovered from storage listing"

// RecoveredBackup is one stored backup without a history record
type RecoveredBackup struct {
	Path      string
	Kind      config.Kind
	Source    string
	SizeBytes *int64
	Timestamp time.Time
}

// Report summarises a recovery run
type Report struct {
	Scanned      int
	Unrecognized int
	Existing     int
	Recovered    []RecoveredBackup
	Failed       int
	TotalBytes   int64
}

// Recoverer rebuilds missing history rows from a provider listing
type Recoverer struct {
	provider storage.Provider
	store    history.Store
	log      logrus.FieldLogger
	now      func() time.Time
}

// parseEntry derives kind, source and backup time from a stored backup path.
// It reports false for paths not written by a backup run.
func parseEntry(e storage.Entry) (RecoveredBackup, bool) {
	path := strings.Trim(e.Path, "/")
	parts := strings.Split(path, "/")
	if len(parts) < 3 || !config.Kind(parts[0]).Valid() {
		return RecoveredBackup{}, false
	}
	at, ok := parseStamp(parts[1])
	if !ok {
		return RecoveredBackup{}, false
	}
	kind, source := backup.InferTarget(path)
	return RecoveredBackup{
		Path:      path,
		Kind:      kind,
		Source:    source,
		SizeBytes: e.SizeBytes,
		Timestamp: at.UTC(),
	}, true
}

func parseStamp(stamp string) (time.Time, bool) {
	if len(stamp) < stampLen || stamp[stampLen-1] != 'Z' {
		return time.Time{}, false
	}
	at, err := time.Parse(stampLayout, stamp[:len(stampLayout)])
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.Atoi(stamp[len(stampLayout)+1 : stampLen-1])
	if err != nil {
		return time.Time{}, false
	}
	return at.Add(time.Duration(ms) * time.Millisecond), true
}

// Run lists everything on the provider and creates a completed BACKUP record
// for each recognised path that has none. Nothing is written when dryRun is
// set.
func (r *Recoverer) Run(ctx context.Context, prefix string, dryRun bool) (*Report, error) {
	entries, err := r.provider.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	report := &Report{Scanned: len(entries)}

	for _, e := range entries {
		found, ok := parseEntry(e)
		if !ok {
			report.Unrecognized++
			r.log.WithField("path", e.Path).Debug("Skipping path with non-standard layout")
			continue
		}
		exists, err := r.store.ExistsForPath(ctx, found.Path)
		if err != nil {
			return report, err
		}
		if exists {
			report.Existing++
			continue
		}

		if !dryRun {
			if err := r.store.Create(ctx, r.record(found)); err != nil {
				report.Failed++
				r.log.WithError(err).WithField("path", found.Path).Error("Failed to create history record")
				continue
			}
		}
		report.Recovered = append(report.Recovered, found)
		if found.SizeBytes != nil {
			report.TotalBytes += *found.SizeBytes
		}
		r.log.WithFields(logrus.Fields{
			"path":   found.Path,
			"kind":   found.Kind,
			"source": config.RedactURL(found.Source),
		}).Debug("Recovered backup")
	}

	r.log.WithFields(logrus.Fields{
		"scanned":      report.Scanned,
		"recovered":    len(report.Recovered),
		"existing":     report.Existing,
		"unrecognized": report.Unrecognized,
		"failed":       report.Failed,
		"size":         humanize.Bytes(uint64(report.TotalBytes)),
		"dryRun":       dryRun,
	}).Info("History recovery finished")
	return report, nil
}

func (r *Recoverer) record(found RecoveredBackup) *metadata.BackupHistory {
	now := r.now()
	completed := found.Timestamp
	return &metadata.BackupHistory{
		ID:              uuid.New().String(),
		OperationType:   metadata.OperationBackup,
		TargetKind:      string(found.Kind),
		TargetSource:    found.Source,
		StorageProvider: r.provider.Name(),
		Status:          metadata.StatusCompleted,
		FileStatus:      metadata.FileExists,
		BackupPath:      found.Path,
		SizeBytes:       found.SizeBytes,
		Summary:         recoveredSummary,
		StartedAt:       found.Timestamp,
		CompletedAt:     &completed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

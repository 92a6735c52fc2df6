// Package purge removes stored backups in bulk: everything under the backup
// folder, or everything except the newest database backups.
package purge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

const (
	// FullConfirmText must be passed verbatim to Full
	FullConfirmText = "DELETE_ALL_UNDER_/backups"
	// SelectiveConfirmText must be passed verbatim to Selective
	SelectiveConfirmText = "DELETE_ALL_UNDER_/backups_EXCEPT_LATEST_DB"

	// ReasonNoDatabaseBackups marks a plan that found nothing to protect
	ReasonNoDatabaseBackups = "no_database_backups"

	// AllowedBasePath is the only backup folder purges may run against
	AllowedBasePath = "/backups"

	databasePrefix  = "database/"
	keepSampleSize  = 5
	deleteSampleMax = 10
)

// ConfirmationError rejects a purge whose confirmation phrase is wrong
type ConfirmationError struct {
	Required string
}

func (e *ConfirmationError) Error() string {
	return "invalid confirmation text. Must be exactly: " + e.Required
}

// SafetyAbortError blocks a selective purge that found no database backups
type SafetyAbortError struct {
	Reason string
}

func (e *SafetyAbortError) Error() string {
	return fmt.Sprintf("no database backups found under %s/database, aborting purge for safety (%s)", AllowedBasePath, e.Reason)
}

// Plan partitions a listing for a selective purge
type Plan struct {
	Keep               []storage.Entry
	Remove             []storage.Entry
	SkippedMissingPath []storage.Entry
	Reason             string
}

var slashes = regexp.MustCompile(`/+`)

// normalizePath reduces /backups/database/x and database/x to the same form
func normalizePath(p string) string {
	p = strings.TrimLeft(slashes.ReplaceAllString(p, "/"), "/")
	return strings.TrimPrefix(p, "backups/")
}

// PlanSelective keeps the keep newest database entries and removes every
// other entry with a path. Entries without a path are set aside.
func PlanSelective(entries []storage.Entry, keep int) (*Plan, error) {
	if keep < 1 {
		return nil, config.Errorf("keepLatestDatabaseCount", "keepLatestDatabaseCount must be >= 1")
	}

	plan := &Plan{}
	var withPath, databases []storage.Entry
	for _, e := range entries {
		if e.Path == "" {
			plan.SkippedMissingPath = append(plan.SkippedMissingPath, e)
			continue
		}
		withPath = append(withPath, e)
		if strings.HasPrefix(normalizePath(e.Path), databasePrefix) {
			databases = append(databases, e)
		}
	}
	if len(databases) == 0 {
		plan.Reason = ReasonNoDatabaseBackups
		return plan, nil
	}

	// newest first; entries without a time count as the epoch
	sort.SliceStable(databases, func(i, j int) bool {
		return databases[i].Modified().After(databases[j].Modified())
	})
	if keep > len(databases) {
		keep = len(databases)
	}
	kept := make(map[string]bool, keep)
	for _, e := range databases[:keep] {
		kept[e.Path] = true
	}

	for _, e := range withPath {
		if kept[e.Path] {
			plan.Keep = append(plan.Keep, e)
		} else {
			plan.Remove = append(plan.Remove, e)
		}
	}
	return plan, nil
}

// Report is the outcome of a purge
type Report struct {
	Success                 bool     `json:"success"`
	DryRun                  bool     `json:"dryRun"`
	KeepLatestDatabaseCount int      `json:"keepLatestDatabaseCount,omitempty"`
	TotalCount              int      `json:"totalCount"`
	KeepCount               int      `json:"keepCount"`
	DeleteCount             int      `json:"deleteCount"`
	DeletedCount            int      `json:"deletedCount"`
	FailedCount             int      `json:"failedCount"`
	SkippedMissingPathCount int      `json:"skippedMissingPathCount"`
	DeleteSizeBytes         int64    `json:"deleteSizeBytes"`
	KeepSample              []string `json:"keepSample,omitempty"`
	DeleteSample            []string `json:"deleteSample,omitempty"`
	Errors                  []string `json:"errors,omitempty"`
}

// CheckStorage refuses purges against anything but the cloud sync provider
// rooted at /backups
func CheckStorage(doc *config.Document) error {
	if doc.Storage.Provider != config.ProviderCloudSync {
		return config.Errorf("storage.provider", "purge requires the %s storage provider, got %q", config.ProviderCloudSync, doc.Storage.Provider)
	}
	base := doc.Storage.Option(config.ProviderCloudSync, "basePath")
	if base == "" {
		base = AllowedBasePath
	}
	if base != AllowedBasePath {
		return config.Errorf("storage.options.basePath", "unexpected basePath %s, only %s is allowed for purge", base, AllowedBasePath)
	}
	return nil
}

// Executor runs purges through a backup service
type Executor struct {
	svc *backup.Service
	log logrus.FieldLogger
}

// NewExecutor creates an executor deleting through svc
func NewExecutor(svc *backup.Service, log logrus.FieldLogger) *Executor {
	return &Executor{
		svc: svc,
		log: logging.OrDiscard(log).WithField("provider", svc.Provider().Name()),
	}
}

// Full deletes every stored backup
func (e *Executor) Full(ctx context.Context, confirmText string) (*Report, error) {
	if confirmText != FullConfirmText {
		return nil, &ConfirmationError{Required: FullConfirmText}
	}

	e.log.Info("Listing backups before purge")
	entries, err := e.svc.ListBackups(ctx, backup.ListOptions{})
	if err != nil {
		return nil, err
	}
	e.log.WithField("count", len(entries)).Info("Found backups to delete")

	report := &Report{TotalCount: len(entries)}
	var paths []string
	for _, entry := range entries {
		if entry.Path == "" {
			report.SkippedMissingPathCount++
			continue
		}
		paths = append(paths, entry.Path)
		report.DeleteSizeBytes += entry.Size()
	}
	report.DeleteCount = len(paths)
	e.deleteAll(ctx, "full", paths, report)
	report.Success = report.FailedCount == 0
	return report, nil
}

// Selective deletes everything except the keep newest database backups.
// Nothing is deleted when dryRun is set.
func (e *Executor) Selective(ctx context.Context, confirmText string, keep int, dryRun bool) (*Report, error) {
	if confirmText != SelectiveConfirmText {
		return nil, &ConfirmationError{Required: SelectiveConfirmText}
	}
	if keep < 1 {
		return nil, config.Errorf("keepLatestDatabaseCount", "keepLatestDatabaseCount must be >= 1")
	}

	e.log.Info("Listing backups before selective purge")
	entries, err := e.svc.ListBackups(ctx, backup.ListOptions{})
	if err != nil {
		return nil, err
	}
	plan, err := PlanSelective(entries, keep)
	if err != nil {
		return nil, err
	}
	if plan.Reason == ReasonNoDatabaseBackups {
		e.log.Warn("No database backups found, refusing selective purge")
		return nil, &SafetyAbortError{Reason: plan.Reason}
	}

	report := &Report{
		DryRun:                  dryRun,
		KeepLatestDatabaseCount: keep,
		TotalCount:              len(entries),
		KeepCount:               len(plan.Keep),
		DeleteCount:             len(plan.Remove),
		SkippedMissingPathCount: len(plan.SkippedMissingPath),
	}
	paths := make([]string, 0, len(plan.Remove))
	for _, entry := range plan.Remove {
		paths = append(paths, entry.Path)
		report.DeleteSizeBytes += entry.Size()
	}

	log := e.log.WithFields(logrus.Fields{
		"keep":   report.KeepCount,
		"delete": report.DeleteCount,
		"size":   humanize.Bytes(uint64(report.DeleteSizeBytes)),
		"dryRun": dryRun,
	})
	if dryRun {
		for i := 0; i < len(plan.Keep) && i < keepSampleSize; i++ {
			report.KeepSample = append(report.KeepSample, plan.Keep[i].Path)
		}
		if len(paths) > deleteSampleMax {
			report.DeleteSample = paths[:deleteSampleMax]
		} else {
			report.DeleteSample = paths
		}
		report.Success = true
		log.Info("Selective purge planned")
		return report, nil
	}

	log.Info("Running selective purge")
	e.deleteAll(ctx, "selective", paths, report)
	report.Success = report.FailedCount == 0
	return report, nil
}

// deleteAll attempts every path and records failures without stopping
func (e *Executor) deleteAll(ctx context.Context, mode string, paths []string, report *Report) {
	for _, p := range paths {
		if err := e.svc.DeleteBackup(ctx, p); err != nil {
			report.FailedCount++
			metrics.PurgeDeletes.WithLabelValues(mode, "error").Inc()
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", p, err))
			e.log.WithError(err).WithField("path", p).Error("Failed to delete backup")
			continue
		}
		report.DeletedCount++
		metrics.PurgeDeletes.WithLabelValues(mode, "success").Inc()
		e.log.WithField("path", p).Debug("Deleted backup")
	}
	e.log.WithFields(logrus.Fields{
		"deleted": report.DeletedCount,
		"failed":  report.FailedCount,
		"freed":   humanize.Bytes(uint64(report.DeleteSizeBytes)),
	}).Info("Purge finished")
}

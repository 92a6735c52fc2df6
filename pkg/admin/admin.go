// Package admin implements the operator actions behind the admin HTTP
// surface: configuration edits, manual runs, restores, purges and the
// history views.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/configstore"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/imports"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/purge"
	"github.com/supporttools/GoBackupGuard/pkg/scheduler"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

// ErrTargetNotFound is returned when a target edit names no configured target
var ErrTargetNotFound = errors.New("backup target not found")

// ConfigStore is the versioned configuration document. *configstore.Store
// implements it.
type ConfigStore interface {
	Load(ctx context.Context) (*config.Document, error)
	Update(ctx context.Context, actor, summary string, mutate func(doc *config.Document) error) (*config.Document, error)
	Versions(ctx context.Context, offset, limit int) ([]configstore.Version, int64, error)
}

// Runner runs and reschedules jobs. *scheduler.Scheduler implements it.
type Runner interface {
	Reload(ctx context.Context) error
	Entries() []scheduler.Entry
	RunTarget(ctx context.Context, doc *config.Document, spec config.TargetSpec) (*backup.RunReport, error)
	RunImport(ctx context.Context, id string, manual bool) (*imports.Summary, error)
}

// Backups restores and reaches storage. *backup.Manager implements it.
type Backups interface {
	Service(ctx context.Context, doc *config.Document, provider string) (*backup.Service, error)
	Restore(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreResponse, error)
}

// HistoryReader lists history records. *history.Recorder implements it.
type HistoryReader interface {
	List(ctx context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error)
	Get(ctx context.Context, id string) (*metadata.BackupHistory, error)
}

// Config carries the service's collaborators
type Config struct {
	Store     ConfigStore
	Scheduler Runner
	Backups   Backups
	History   HistoryReader
	Log       logrus.FieldLogger
}

// Service performs admin operations
type Service struct {
	store   ConfigStore
	sched   Runner
	backups Backups
	history HistoryReader
	log     logrus.FieldLogger
}

// New creates the admin service
func New(cfg Config) *Service {
	return &Service{
		store:   cfg.Store,
		sched:   cfg.Scheduler,
		backups: cfg.Backups,
		history: cfg.History,
		log:     logging.OrDiscard(cfg.Log).WithField("component", "admin"),
	}
}

// Config returns the current document with secrets redacted
func (s *Service) Config(ctx context.Context) (*config.Document, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return config.Redact(doc), nil
}

// Schedules lists the registered cron jobs
func (s *Service) Schedules() []scheduler.Entry {
	return s.sched.Entries()
}

// AddTarget appends spec to the document
func (s *Service) AddTarget(ctx context.Context, actor string, spec config.TargetSpec) (*config.Document, error) {
	if err := checkSchedule(spec.Schedule); err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("add %s target %s", spec.Kind, config.RedactURL(spec.Source))
	return s.update(ctx, actor, summary, func(doc *config.Document) error {
		if findTarget(doc, spec.Kind, spec.Source) >= 0 {
			return config.Errorf("targets", "%s target %s already exists", spec.Kind, config.RedactURL(spec.Source))
		}
		doc.Targets = append(doc.Targets, spec)
		return nil
	})
}

// UpdateTarget replaces the target identified by kind and source. Redacted
// values in spec keep the stored secret.
func (s *Service) UpdateTarget(ctx context.Context, actor string, kind config.Kind, source string, spec config.TargetSpec) (*config.Document, error) {
	if err := checkSchedule(spec.Schedule); err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("update %s target %s", kind, config.RedactURL(source))
	return s.update(ctx, actor, summary, func(doc *config.Document) error {
		i := findTarget(doc, kind, source)
		if i < 0 {
			return ErrTargetNotFound
		}
		old := doc.Targets[i]
		if spec.Source == config.RedactURL(old.Source) {
			spec.Source = old.Source
		}
		spec.Metadata = mergeRedacted(spec.Metadata, old.Metadata)
		if j := findTarget(doc, spec.Kind, spec.Source); j >= 0 && j != i {
			return config.Errorf("targets", "%s target %s already exists", spec.Kind, config.RedactURL(spec.Source))
		}
		doc.Targets[i] = spec
		return nil
	})
}

// DeleteTarget removes the target identified by kind and source
func (s *Service) DeleteTarget(ctx context.Context, actor string, kind config.Kind, source string) (*config.Document, error) {
	summary := fmt.Sprintf("delete %s target %s", kind, config.RedactURL(source))
	return s.update(ctx, actor, summary, func(doc *config.Document) error {
		i := findTarget(doc, kind, source)
		if i < 0 {
			return ErrTargetNotFound
		}
		doc.Targets = append(doc.Targets[:i], doc.Targets[i+1:]...)
		return nil
	})
}

// UpdateStorage replaces the global storage configuration. Options sent
// back as the redaction marker keep their stored value.
func (s *Service) UpdateStorage(ctx context.Context, actor string, sc config.StorageConfig) (*config.Document, error) {
	summary := "update storage provider " + sc.Provider
	return s.update(ctx, actor, summary, func(doc *config.Document) error {
		sc.Options = mergeRedacted(sc.Options, doc.Storage.Options)
		doc.Storage = sc
		return nil
	})
}

// update saves the mutated document and reschedules. A reload failure is
// logged; the saved version stands.
func (s *Service) update(ctx context.Context, actor, summary string, mutate func(doc *config.Document) error) (*config.Document, error) {
	doc, err := s.store.Update(ctx, actor, summary, mutate)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"actor": actor, "change": summary}).Info("Configuration changed")
	if err := s.sched.Reload(ctx); err != nil {
		s.log.WithError(err).Error("Failed to reload schedules")
	}
	return config.Redact(doc), nil
}

// RunBackup backs up the target now. Targets that are not configured run
// with the global provider and no retention.
func (s *Service) RunBackup(ctx context.Context, kind config.Kind, source string) (*backup.RunReport, error) {
	if !kind.Valid() {
		return nil, config.Errorf("kind", "unknown backup kind %q", kind)
	}
	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	spec := config.TargetSpec{Kind: kind, Source: source}
	if i := findTarget(doc, kind, source); i >= 0 {
		spec = doc.Targets[i]
	}
	return s.sched.RunTarget(ctx, doc, spec)
}

// RunImport runs a CSV import schedule once, waiting out any cooldown
func (s *Service) RunImport(ctx context.Context, id string) (*imports.Summary, error) {
	return s.sched.RunImport(ctx, id, true)
}

// Restore restores or dry-runs one stored backup
func (s *Service) Restore(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreResponse, error) {
	return s.backups.Restore(ctx, req)
}

// ListBackups lists stored backups on provider, or the global provider
func (s *Service) ListBackups(ctx context.Context, provider, prefix string) ([]storage.Entry, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := s.backups.Service(ctx, doc, provider)
	if err != nil {
		return nil, err
	}
	return svc.ListBackups(ctx, backup.ListOptions{Prefix: prefix})
}

// DefaultDownloadExpiry is how long a presigned download URL stays valid
const DefaultDownloadExpiry = 15 * time.Minute

// DownloadURL returns a temporary URL for one stored backup. Providers that
// cannot presign return storage.ErrNotSupported.
func (s *Service) DownloadURL(ctx context.Context, provider, path string, expiry time.Duration) (string, error) {
	if path == "" {
		return "", config.Errorf("path", "backup path is required")
	}
	doc, err := s.store.Load(ctx)
	if err != nil {
		return "", err
	}
	svc, err := s.backups.Service(ctx, doc, provider)
	if err != nil {
		return "", err
	}
	presigner, ok := svc.Provider().(storage.Presigner)
	if !ok {
		return "", fmt.Errorf("%w: %s cannot create download URLs", storage.ErrNotSupported, svc.Provider().Name())
	}
	if expiry <= 0 {
		expiry = DefaultDownloadExpiry
	}
	return presigner.PresignDownload(ctx, path, expiry)
}

// SelectivePurgeRequest asks to delete everything except the newest
// database backups. DryRun defaults to true and KeepLatestDatabaseCount to 1.
type SelectivePurgeRequest struct {
	ConfirmText             string `json:"confirmText"`
	DryRun                  *bool  `json:"dryRun,omitempty"`
	KeepLatestDatabaseCount *int   `json:"keepLatestDatabaseCount,omitempty"`
}

// PurgeAll deletes every stored backup on the cloud sync provider
func (s *Service) PurgeAll(ctx context.Context, actor, confirmText string) (*purge.Report, error) {
	exec, err := s.purgeExecutor(ctx)
	if err != nil {
		return nil, err
	}
	s.log.WithField("actor", actor).Warn("Full purge requested")
	return exec.Full(ctx, confirmText)
}

// PurgeSelective deletes everything except the newest database backups
func (s *Service) PurgeSelective(ctx context.Context, actor string, req SelectivePurgeRequest) (*purge.Report, error) {
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	keep := 1
	if req.KeepLatestDatabaseCount != nil {
		keep = *req.KeepLatestDatabaseCount
	}
	exec, err := s.purgeExecutor(ctx)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"actor": actor, "keep": keep, "dryRun": dryRun}).Warn("Selective purge requested")
	return exec.Selective(ctx, req.ConfirmText, keep, dryRun)
}

func (s *Service) purgeExecutor(ctx context.Context) (*purge.Executor, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := purge.CheckStorage(doc); err != nil {
		return nil, err
	}
	svc, err := s.backups.Service(ctx, doc, config.ProviderCloudSync)
	if err != nil {
		return nil, err
	}
	return purge.NewExecutor(svc, s.log), nil
}

// History lists history records newest first with the total match count
func (s *Service) History(ctx context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error) {
	return s.history.List(ctx, filter)
}

// HistoryRecord returns one history record
func (s *Service) HistoryRecord(ctx context.Context, id string) (*metadata.BackupHistory, error) {
	return s.history.Get(ctx, id)
}

// ConfigVersions lists saved configuration versions, redacted
func (s *Service) ConfigVersions(ctx context.Context, offset, limit int) ([]configstore.Version, int64, error) {
	return s.store.Versions(ctx, offset, limit)
}

func checkSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	return scheduler.ValidateSchedule(expr)
}

// findTarget matches on the stored source or its redacted form, since
// clients only ever see the latter
func findTarget(doc *config.Document, kind config.Kind, source string) int {
	if i := doc.FindTarget(kind, source); i >= 0 {
		return i
	}
	for i, t := range doc.Targets {
		if t.Kind == kind && config.RedactURL(t.Source) == source {
			return i
		}
	}
	return -1
}

// mergeRedacted replaces redaction markers in in with the value stored
// under the same key in old
func mergeRedacted(in, old map[string]interface{}) map[string]interface{} {
	for k, v := range in {
		switch val := v.(type) {
		case string:
			if val != config.RedactedMarker {
				continue
			}
			if prev, ok := old[k]; ok {
				in[k] = prev
			} else {
				delete(in, k)
			}
		case map[string]interface{}:
			prev, _ := old[k].(map[string]interface{})
			in[k] = mergeRedacted(val, prev)
		}
	}
	return in
}

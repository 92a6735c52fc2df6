// Package backup runs backups and restores of configured targets against
// storage providers.
package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/target"
	"github.com/supporttools/GoBackupGuard/pkg/verify"
)

// Options tunes a single backup
type Options struct {
	Label string
}

// Result describes a finished backup
type Result struct {
	Success   bool        `json:"success"`
	Target    target.Info `json:"-"`
	Provider  string      `json:"provider"`
	Path      string      `json:"path,omitempty"`
	SizeBytes int64       `json:"sizeBytes,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	HistoryID string      `json:"historyId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// ListOptions filters ListBackups
type ListOptions struct {
	Prefix string
}

// Service runs backups of targets against one storage provider
type Service struct {
	provider storage.Provider
	history  *history.Recorder
	sink     storage.CredentialSink
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewService creates a service writing to provider. sink receives refreshed
// provider credentials and may be nil.
func NewService(provider storage.Provider, rec *history.Recorder, sink storage.CredentialSink, log logrus.FieldLogger) *Service {
	log = logging.OrDiscard(log)
	if rec == nil {
		rec = history.NewRecorder(nil, log)
	}
	return &Service{
		provider: provider,
		history:  rec,
		sink:     sink,
		log:      log.WithField("provider", provider.Name()),
		now:      time.Now,
	}
}

// Provider returns the storage provider this service writes to
func (s *Service) Provider() storage.Provider { return s.provider }

// BuildPath returns <kind>/<timestamp>[-label]/<source><ext>. The timestamp
// is ISO 8601 in UTC with ':' and '.' replaced by '-'.
func BuildPath(info target.Info, at time.Time, label string) string {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(at.UTC().Format("2006-01-02T15:04:05.000Z"))
	if label != "" {
		stamp += "-" + label
	}
	return storage.JoinPath(string(info.Kind), stamp, info.PathSegment()+info.Extension())
}

// Backup creates a payload from t and uploads it. History is written for
// the attempt either way.
func (s *Service) Backup(ctx context.Context, t target.Target, opts Options) (*Result, error) {
	info := t.Info()
	start := s.now()
	log := s.log.WithFields(logrus.Fields{"kind": info.Kind, "source": info.Source})

	historyID := s.history.Start(ctx, history.Attempt{
		Operation: metadata.OperationBackup,
		Kind:      string(info.Kind),
		Source:    info.Source,
		Provider:  s.provider.Name(),
	})

	result, err := s.backup(ctx, t, info, start, opts)
	kind := string(info.Kind)
	metrics.BackupDuration.WithLabelValues(kind, s.provider.Name()).Observe(s.now().Sub(start).Seconds())
	if err != nil {
		metrics.BackupCount.WithLabelValues(kind, s.provider.Name(), "error").Inc()
		s.history.Fail(ctx, historyID, err)
		log.WithError(err).Error("Backup failed")
		return nil, err
	}

	result.HistoryID = historyID
	s.history.Complete(ctx, historyID, history.Outcome{
		Path:      result.Path,
		SizeBytes: result.SizeBytes,
		Hash:      result.Hash,
		Summary: fmt.Sprintf("%s backup of %s (%s) in %s", info.Kind, info.Source,
			humanize.Bytes(uint64(result.SizeBytes)), s.now().Sub(start).Round(time.Millisecond)),
	})

	metrics.BackupCount.WithLabelValues(kind, s.provider.Name(), "success").Inc()
	metrics.BackupSize.WithLabelValues(kind, info.Source, s.provider.Name()).Set(float64(result.SizeBytes))
	metrics.LastBackupTimestamp.WithLabelValues(kind, info.Source).Set(float64(s.now().Unix()))
	log.WithFields(logrus.Fields{
		"path": result.Path,
		"size": humanize.Bytes(uint64(result.SizeBytes)),
	}).Info("Backup completed")
	return result, nil
}

func (s *Service) backup(ctx context.Context, t target.Target, info target.Info, start time.Time, opts Options) (*Result, error) {
	data, err := t.CreateBackup(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s backup of %s", info.Kind, info.Source)
	}

	if format := verify.VerifyFormat(data, info.Kind); !format.Valid {
		s.log.WithField("errors", format.Errors).Warn("Backup payload does not look like the expected format")
	}

	path := BuildPath(info, start, opts.Label)
	uploadErr := s.provider.Upload(ctx, data, path)
	s.drainCredentials(ctx)
	if uploadErr != nil {
		return nil, errors.Wrapf(uploadErr, "failed to upload %s", path)
	}

	return &Result{
		Success:   true,
		Target:    info,
		Provider:  s.provider.Name(),
		Path:      path,
		SizeBytes: int64(len(data)),
		Hash:      verify.Hash(data),
		Timestamp: start,
	}, nil
}

// ListBackups lists stored backups under opts.Prefix
func (s *Service) ListBackups(ctx context.Context, opts ListOptions) ([]storage.Entry, error) {
	entries, err := s.provider.List(ctx, opts.Prefix)
	s.drainCredentials(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list backups under %q", opts.Prefix)
	}
	return entries, nil
}

// Download fetches a stored backup
func (s *Service) Download(ctx context.Context, path string) ([]byte, error) {
	data, err := s.provider.Download(ctx, path)
	s.drainCredentials(ctx)
	return data, err
}

// DeleteBackup removes a stored backup and marks its history DELETED
func (s *Service) DeleteBackup(ctx context.Context, path string) error {
	err := s.provider.Delete(ctx, path)
	s.drainCredentials(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to delete %s", path)
	}
	s.history.MarkDeleted(ctx, path)
	return nil
}

// drainCredentials persists a token the provider refreshed during the last
// call. A persistence failure only costs another refresh later.
func (s *Service) drainCredentials(ctx context.Context) {
	if err := storage.DrainCredentials(ctx, s.provider, s.sink); err != nil {
		s.log.WithError(err).Warn("Failed to persist refreshed provider credentials")
	}
}

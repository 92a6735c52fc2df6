package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/target"
	"github.com/supporttools/GoBackupGuard/pkg/verify"
)

// RestoreRequest describes a restore of one stored backup
type RestoreRequest struct {
	Path string `json:"path"`
	// Provider overrides the document's global provider
	Provider string      `json:"provider,omitempty"`
	Kind     config.Kind `json:"kind,omitempty"`
	Source   string      `json:"source,omitempty"`

	Destination string `json:"destination,omitempty"`
	Overwrite   bool   `json:"overwrite,omitempty"`

	ExpectedSize int64  `json:"expectedSize,omitempty"`
	ExpectedHash string `json:"expectedHash,omitempty"`
	// PreBackup forces or skips the pre-restore backup. Unset follows the
	// target's destructiveness.
	PreBackup *bool `json:"preBackup,omitempty"`
	DryRun    bool  `json:"dryRun,omitempty"`
}

// RestoreResponse is the outcome of a restore or dry run
type RestoreResponse struct {
	Success      bool        `json:"success"`
	DryRun       bool        `json:"dryRun"`
	Exists       bool        `json:"exists"`
	Path         string      `json:"path"`
	Kind         config.Kind `json:"kind"`
	Source       string      `json:"source"`
	WouldApplyTo string      `json:"wouldApplyTo,omitempty"`
	Destination  string      `json:"destination,omitempty"`
	PreBackup    []string    `json:"preBackupPaths,omitempty"`
	SizeBytes    int64       `json:"sizeBytes,omitempty"`
	Hash         string      `json:"hash,omitempty"`
	HistoryID    string      `json:"historyId,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// PreBackupError means every provider failed the pre-restore backup
type PreBackupError struct {
	Detail string
}

func (e *PreBackupError) Error() string {
	return "pre-restore backup failed on all providers: " + e.Detail
}

// InferTarget derives kind and source from a backup path such as
// database/<ts>/app.sql.gz.
func InferTarget(path string) (config.Kind, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	kind := config.Kind(parts[0])
	if !kind.Valid() {
		kind = config.KindFile
	}
	if len(parts) < 3 {
		return kind, parts[len(parts)-1]
	}

	// everything after <kind>/<timestamp>
	source := strings.Join(parts[2:], "/")
	switch kind {
	case config.KindDatabase:
		source = strings.TrimSuffix(strings.TrimSuffix(source, ".gz"), ".sql")
	case config.KindCSV:
		source = strings.TrimSuffix(source, ".csv")
	case config.KindFile, config.KindDirectory:
		source = "/" + source
	case config.KindClientFile, config.KindClientDirectory:
		if host, rest, ok := strings.Cut(source, "/"); ok {
			source = host + ":/" + rest
		}
	}
	return kind, source
}

// alternatePath returns the legacy form of a database backup path: without
// the compression suffix when present, with it when absent.
func alternatePath(kind config.Kind, path string) (string, bool) {
	if kind != config.KindDatabase {
		return "", false
	}
	switch {
	case strings.HasSuffix(path, ".sql.gz"):
		return strings.TrimSuffix(path, ".sql.gz"), true
	case strings.HasSuffix(path, ".gz"):
		return strings.TrimSuffix(path, ".gz"), true
	case strings.HasSuffix(path, ".sql"):
		return path + ".gz", true
	}
	return path + ".sql.gz", true
}

// Restore runs the restore safety flow: dry run check, pre-restore backup
// for destructive targets, download with the legacy name fallback,
// integrity verification, then the target's own restore.
func (m *Manager) Restore(ctx context.Context, req RestoreRequest) (*RestoreResponse, error) {
	doc, err := m.Document(ctx)
	if err != nil {
		return nil, err
	}

	path := strings.TrimLeft(req.Path, "/")
	if path == "" {
		return nil, config.Errorf("path", "backup path is required")
	}

	kind, source := InferTarget(path)
	if req.Kind != "" {
		kind = req.Kind
	}
	if req.Source != "" {
		source = req.Source
	}

	spec, configured := m.FindTarget(doc, kind, source)
	if !configured {
		spec = config.TargetSpec{Kind: kind, Source: source}
	}
	if req.Provider != "" {
		spec.Storage = &config.TargetStorage{Provider: req.Provider}
	}

	tgt, err := m.Target(doc, spec.Kind, spec.Source, spec.Metadata)
	if err != nil {
		return nil, err
	}
	info := tgt.Info()

	svc, err := m.Service(ctx, doc, req.Provider)
	if err != nil {
		return nil, err
	}

	resp := &RestoreResponse{
		DryRun: req.DryRun,
		Path:   path,
		Kind:   info.Kind,
		Source: info.Source,
	}
	log := m.log.WithFields(logrus.Fields{
		"path":     path,
		"kind":     info.Kind,
		"source":   info.Source,
		"provider": svc.Provider().Name(),
	})

	if req.DryRun {
		exists, err := m.exists(ctx, svc, path)
		if err != nil {
			return nil, err
		}
		resp.Success = true
		resp.Exists = exists
		resp.WouldApplyTo = describeDestination(info, req.Destination)
		return resp, nil
	}

	preBackup := target.IsDestructive(info)
	if req.PreBackup != nil {
		preBackup = *req.PreBackup
	}
	if preBackup {
		paths, err := m.preRestoreBackup(ctx, doc, spec, tgt)
		if err != nil {
			metrics.RestoreCount.WithLabelValues(string(info.Kind), "aborted").Inc()
			return nil, err
		}
		resp.PreBackup = paths
		log.WithField("preBackup", paths).Info("Pre-restore backup completed")
	}

	attempt := history.Attempt{
		Operation: metadata.OperationRestore,
		Kind:      string(info.Kind),
		Source:    info.Source,
		Provider:  svc.Provider().Name(),
		Path:      path,
	}
	started := m.now()
	historyID := m.history.Start(ctx, attempt)
	postHoc := info.Kind == config.KindDatabase

	out, restoreErr := m.restore(ctx, svc, tgt, path, req, resp, log)
	if restoreErr != nil {
		metrics.RestoreCount.WithLabelValues(string(info.Kind), "error").Inc()
		if postHoc && out.restoreStarted {
			resp.HistoryID = m.history.RecordFinished(ctx, attempt, started, out.outcome, restoreErr)
		} else {
			m.history.Fail(ctx, historyID, restoreErr)
		}
		return nil, restoreErr
	}

	metrics.RestoreCount.WithLabelValues(string(info.Kind), "success").Inc()
	if postHoc {
		resp.HistoryID = m.history.RecordFinished(ctx, attempt, started, out.outcome, nil)
	} else {
		m.history.Complete(ctx, historyID, out.outcome)
		resp.HistoryID = historyID
	}
	resp.Success = true
	resp.Exists = true
	log.WithField("destination", resp.Destination).Info("Restore completed")
	return resp, nil
}

type restoreOutcome struct {
	outcome        history.Outcome
	restoreStarted bool
}

func (m *Manager) restore(ctx context.Context, svc *Service, tgt target.Target, path string, req RestoreRequest, resp *RestoreResponse, log logrus.FieldLogger) (restoreOutcome, error) {
	var out restoreOutcome
	info := tgt.Info()

	data, usedPath, err := m.download(ctx, svc, info.Kind, path, log)
	if err != nil {
		return out, err
	}
	resp.Path = usedPath

	result, err := verify.Check(usedPath, data, req.ExpectedSize, req.ExpectedHash)
	if err != nil {
		return out, err
	}
	if format := verify.VerifyFormat(data, info.Kind); !format.Valid {
		log.WithField("errors", format.Errors).Warn("Downloaded backup does not look like the expected format")
	}
	resp.SizeBytes = result.FileSize
	resp.Hash = result.Hash
	out.outcome = history.Outcome{
		Path:      usedPath,
		SizeBytes: result.FileSize,
		Hash:      result.Hash,
		Summary:   fmt.Sprintf("restored %s %s from %s", info.Kind, info.Source, usedPath),
	}

	restorer, ok := tgt.(target.Restorer)
	if !ok {
		dest, err := writeRaw(data, req.Destination)
		if err != nil {
			return out, err
		}
		resp.Destination = dest
		resp.Message = "backup written to " + dest
		return out, nil
	}

	out.restoreStarted = true
	res, err := restorer.Restore(ctx, data, target.RestoreOptions{
		Destination: req.Destination,
		Overwrite:   req.Overwrite || info.Kind == config.KindDatabase || info.Kind == config.KindImage,
	})
	if err != nil {
		return out, err
	}
	resp.Destination = res.Destination
	resp.Message = res.Message
	return out, nil
}

// download fetches path, retrying once with the legacy name of a database
// backup when the first name is missing.
func (m *Manager) download(ctx context.Context, svc *Service, kind config.Kind, path string, log logrus.FieldLogger) ([]byte, string, error) {
	data, err := svc.Download(ctx, path)
	if err == nil {
		return data, path, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, path, errors.Wrapf(err, "failed to download %s", path)
	}

	alt, ok := alternatePath(kind, path)
	if !ok {
		return nil, path, errors.Wrapf(err, "failed to download %s", path)
	}
	log.WithField("alternate", alt).Info("Backup not found, retrying with legacy file name")
	data, altErr := svc.Download(ctx, alt)
	if altErr != nil {
		return nil, path, errors.Wrapf(err, "failed to download %s", path)
	}
	return data, alt, nil
}

// exists lists the parent prefix of path and looks for it
func (m *Manager) exists(ctx context.Context, svc *Service, path string) (bool, error) {
	parent := ""
	if i := strings.LastIndex(path, "/"); i > 0 {
		parent = path[:i]
	}
	entries, err := svc.ListBackups(ctx, ListOptions{Prefix: parent})
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Path == path {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) preRestoreBackup(ctx context.Context, doc *config.Document, spec config.TargetSpec, tgt target.Target) ([]string, error) {
	label := "pre-restore-" + strings.NewReplacer(":", "-", ".", "-").Replace(m.now().UTC().Format("2006-01-02T15:04:05.000Z"))
	results := m.BackupAcrossProviders(ctx, doc, spec, tgt, label)
	if !anySucceeded(results) {
		return nil, &PreBackupError{Detail: failureSummary(results)}
	}
	var paths []string
	for _, r := range results {
		if r.Success {
			paths = append(paths, r.Path)
		}
	}
	return paths, nil
}

func describeDestination(info target.Info, destination string) string {
	if destination != "" {
		return destination
	}
	if p, ok := info.Metadata["path"].(string); ok && p != "" {
		return p
	}
	return fmt.Sprintf("%s %s", info.Kind, info.Source)
}

// writeRaw stores data at destination, or in a new temp file
func writeRaw(data []byte, destination string) (string, error) {
	if destination == "" {
		f, err := os.CreateTemp("", "restored-*.backup")
		if err != nil {
			return "", errors.Wrap(err, "failed to create temp file")
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return "", errors.Wrapf(err, "failed to write %s", f.Name())
		}
		return f.Name(), nil
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", filepath.Dir(destination))
	}
	if err := os.WriteFile(destination, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", destination)
	}
	return destination, nil
}

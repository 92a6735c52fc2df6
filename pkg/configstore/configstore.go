// Package configstore loads and saves the backup configuration document.
// Saved documents are versioned in the metadata database when one is
// available, otherwise written to the document file.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

// VersionStore persists document versions. *metadata.ConfigRepository
// implements it.
type VersionStore interface {
	Latest(ctx context.Context) (*metadata.BackupConfigVersion, error)
	Append(ctx context.Context, document, redacted, actor, summary string) (*metadata.BackupConfigVersion, error)
	List(ctx context.Context, offset, limit int) ([]metadata.BackupConfigVersion, int64, error)
}

// Version is one saved revision, secrets redacted
type Version struct {
	ID            string           `json:"id"`
	Version       int              `json:"version"`
	Actor         string           `json:"actor,omitempty"`
	ChangeSummary string           `json:"changeSummary,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	Document      *config.Document `json:"document"`
}

// Store reads and writes the configuration document
type Store struct {
	versions VersionStore
	path     string
	log      logrus.FieldLogger

	// serialises read-modify-write cycles
	mu sync.Mutex
}

// New creates a store. versions may be nil to use the file only.
func New(versions VersionStore, path string, log logrus.FieldLogger) *Store {
	return &Store{
		versions: versions,
		path:     path,
		log:      logging.OrDiscard(log).WithField("component", "configstore"),
	}
}

// Load returns the newest saved document. Without a saved version it reads
// the document file, and without a file it returns the default document.
func (s *Store) Load(ctx context.Context) (*config.Document, error) {
	if s.versions != nil {
		v, err := s.versions.Latest(ctx)
		switch {
		case err == nil:
			doc, err := config.ParseDocument([]byte(v.Document))
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "stored configuration version %d is invalid", v.Version)
			}
			resolveEnv(doc, s.log)
			return doc, nil
		case errors.Is(err, metadata.ErrNoConfigVersion):
			s.log.Debug("No configuration version saved, reading document file")
		default:
			s.log.WithError(err).Warn("Failed to load configuration from database, reading document file")
		}
	}
	return s.loadFile()
}

func (s *Store) loadFile() (*config.Document, error) {
	if s.path == "" {
		return config.DefaultDocument(), nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.WithField("path", s.path).Warn("Configuration file not found, using default configuration")
			return config.DefaultDocument(), nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to read %s", s.path)
	}
	doc, err := config.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	resolveEnv(doc, s.log)
	s.log.WithField("path", s.path).Debug("Configuration loaded")
	return doc, nil
}

// Save validates doc and stores it as a new version. It returns the
// version number, which is zero for file storage.
func (s *Store) Save(ctx context.Context, doc *config.Document, actor, summary string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, doc, actor, summary)
}

func (s *Store) save(ctx context.Context, doc *config.Document, actor, summary string) (int, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	document, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to encode configuration")
	}

	if s.versions == nil {
		if err := writeFile(s.path, document); err != nil {
			return 0, err
		}
		s.log.WithFields(logrus.Fields{"path": s.path, "actor": actor, "summary": summary}).Info("Configuration saved")
		return 0, nil
	}

	redacted, err := json.Marshal(config.Redact(doc))
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to encode redacted configuration")
	}
	v, err := s.versions.Append(ctx, string(document), string(redacted), actor, summary)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"version": v.Version, "actor": actor, "summary": summary}).Info("Configuration saved")
	return v.Version, nil
}

// Update loads the current document, applies mutate and saves the result
// as one step.
func (s *Store) Update(ctx context.Context, actor, summary string, mutate func(doc *config.Document) error) (*config.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := mutate(doc); err != nil {
		return nil, err
	}
	if _, err := s.save(ctx, doc, actor, summary); err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveCredential stores a refreshed access token under the provider's
// namespace and the flat legacy key.
func (s *Store) SaveCredential(ctx context.Context, update storage.CredentialUpdate) error {
	_, err := s.Update(ctx, "system", "refresh "+update.Provider+" access token", func(doc *config.Document) error {
		doc.Storage.SetOption(update.Provider, "accessToken", update.AccessToken)
		return nil
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to persist %s access token", update.Provider)
	}
	s.log.WithField("provider", update.Provider).Info("Access token updated")
	return nil
}

// Versions lists saved revisions newest first. Only redacted documents are
// returned.
func (s *Store) Versions(ctx context.Context, offset, limit int) ([]Version, int64, error) {
	if s.versions == nil {
		return []Version{}, 0, nil
	}
	rows, total, err := s.versions.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Version, 0, len(rows))
	for _, row := range rows {
		v := Version{
			ID:            row.ID,
			Version:       row.Version,
			Actor:         row.Actor,
			ChangeSummary: row.ChangeSummary,
			CreatedAt:     row.CreatedAt,
		}
		var doc config.Document
		if err := json.Unmarshal([]byte(row.RedactedDocument), &doc); err != nil {
			s.log.WithError(err).WithField("version", row.Version).Warn("Stored redacted configuration is unreadable")
		} else {
			v.Document = &doc
		}
		out = append(out, v)
	}
	return out, total, nil
}

// writeFile replaces path atomically
func writeFile(path string, data []byte) error {
	if path == "" {
		return config.Errorf("documentFile", "no configuration file configured")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".backup-config-*")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return pkgerrors.Wrapf(err, "failed to chmod %s", tmp.Name())
	}
	return pkgerrors.Wrapf(os.Rename(tmp.Name(), path), "failed to replace %s", path)
}

// resolveEnv replaces ${NAME} secret option values with the environment
// variable NAME when it is set
func resolveEnv(doc *config.Document, log logrus.FieldLogger) {
	resolveMap(doc.Storage.Options, log)
}

func resolveMap(m map[string]interface{}, log logrus.FieldLogger) {
	for key, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			resolveMap(val, log)
		case string:
			if !config.IsSecretKey(key) && !strings.EqualFold(key, "appKey") && !strings.EqualFold(key, "clientId") {
				continue
			}
			if !strings.HasPrefix(val, "${") || !strings.HasSuffix(val, "}") {
				continue
			}
			name := val[2 : len(val)-1]
			if env, ok := os.LookupEnv(name); ok && env != "" {
				m[key] = env
				log.WithFields(logrus.Fields{"env": name, "key": key}).Debug("Resolved environment variable")
			} else {
				log.WithFields(logrus.Fields{"env": name, "key": key}).Warn("Environment variable not found, using value as-is")
			}
		}
	}
}

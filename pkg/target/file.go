package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

// fileTarget backs up a single file byte for byte
type fileTarget struct {
	info Info
	path string
	log  logrus.FieldLogger
}

func newFileTarget(kind config.Kind, source, path string, metadata map[string]interface{}, opts Options) (*fileTarget, error) {
	if path == "" {
		return nil, config.Errorf("source", "%s target needs a path", kind)
	}
	meta := cloneMetadata(metadata)
	meta["path"] = path
	return &fileTarget{
		info: Info{Kind: kind, Source: source, Metadata: meta},
		path: path,
		log:  opts.Log.WithFields(logrus.Fields{"kind": kind, "path": path}),
	}, nil
}

func (t *fileTarget) Info() Info { return t.info }

// CreateBackup reads the file
func (t *fileTarget) CreateBackup(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", t.path)
	}
	return data, nil
}

// Restore writes data to the destination, or back over the source file
func (t *fileTarget) Restore(_ context.Context, data []byte, opts RestoreOptions) (RestoreResult, error) {
	dest := t.path
	if opts.Destination != "" {
		dest = opts.Destination
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "failed to create %s", filepath.Dir(dest))
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "failed to write %s", dest)
	}
	t.log.WithField("destination", dest).Info("Restored file")
	return RestoreResult{
		Success:     true,
		Destination: dest,
		Message:     fmt.Sprintf("wrote %d bytes", len(data)),
	}, nil
}

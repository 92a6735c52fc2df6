package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

// directoryTarget archives a directory tree as tar.gz
type directoryTarget struct {
	info Info
	dir  string
	log  logrus.FieldLogger
}

func newDirectoryTarget(kind config.Kind, source, dir string, metadata map[string]interface{}, opts Options) (*directoryTarget, error) {
	if dir == "" {
		return nil, config.Errorf("source", "%s target needs a directory", kind)
	}
	meta := cloneMetadata(metadata)
	meta["path"] = dir
	return &directoryTarget{
		info: Info{Kind: kind, Source: source, Metadata: meta},
		dir:  dir,
		log:  opts.Log.WithFields(logrus.Fields{"kind": kind, "path": dir}),
	}, nil
}

func (t *directoryTarget) Info() Info { return t.info }

// CreateBackup archives the directory contents
func (t *directoryTarget) CreateBackup(_ context.Context) ([]byte, error) {
	return writeTarGz([]archiveRoot{{dir: t.dir}})
}

// Restore replaces the destination with the archived tree. The archive is
// extracted next to the destination first, so a failed extraction leaves
// the live tree untouched. An existing destination is only replaced when
// Overwrite is set.
func (t *directoryTarget) Restore(_ context.Context, data []byte, opts RestoreOptions) (RestoreResult, error) {
	dest := filepath.Clean(t.dir)
	if opts.Destination != "" {
		dest = filepath.Clean(opts.Destination)
	}
	_, statErr := os.Stat(dest)
	exists := statErr == nil
	if exists && !opts.Overwrite {
		return RestoreResult{}, fmt.Errorf("destination %s already exists; set overwrite to replace its contents", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "failed to create %s", filepath.Dir(dest))
	}

	stamp := time.Now().UnixNano()
	staging := fmt.Sprintf("%s.restore-%d", dest, stamp)
	defer os.RemoveAll(staging)

	files, err := extractTarGz(data, staging)
	if err != nil {
		return RestoreResult{}, err
	}

	if exists {
		aside := fmt.Sprintf("%s.previous-%d", dest, stamp)
		if err := os.Rename(dest, aside); err != nil {
			return RestoreResult{}, errors.Wrapf(err, "failed to move %s aside", dest)
		}
		if err := os.Rename(staging, dest); err != nil {
			if rbErr := os.Rename(aside, dest); rbErr != nil {
				t.log.WithError(rbErr).WithField("previous", aside).Error("Failed to put previous directory back")
			}
			return RestoreResult{}, errors.Wrapf(err, "failed to move restored tree into %s", dest)
		}
		if err := os.RemoveAll(aside); err != nil {
			t.log.WithError(err).WithField("previous", aside).Warn("Failed to remove replaced directory")
		}
	} else if err := os.Rename(staging, dest); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "failed to move restored tree into %s", dest)
	}

	t.log.WithFields(logrus.Fields{"destination": dest, "files": files, "replaced": exists}).Info("Restored directory")
	return RestoreResult{
		Success:     true,
		Destination: dest,
		Message:     fmt.Sprintf("extracted %d files", files),
	}, nil
}

// resolveClientPath maps "host:/path" onto <clientRoot>/<host>/<path>
func resolveClientPath(clientRoot, source string) (string, error) {
	if clientRoot == "" {
		return "", config.Errorf("source", "client targets need CLIENT_ROOT to be set")
	}
	host, rel, ok := strings.Cut(source, ":")
	host = strings.TrimSpace(host)
	if !ok || host == "" || strings.ContainsAny(host, `/\`) || host == "." || host == ".." {
		return "", config.Errorf("source", "client source %q must look like host:/path", source)
	}

	root, err := filepath.Abs(clientRoot)
	if err != nil {
		return "", config.Errorf("source", "invalid client root %s: %v", clientRoot, err)
	}
	hostRoot := filepath.Join(root, host)
	path, err := safeJoin(hostRoot, strings.TrimLeft(rel, "/"))
	if err != nil {
		return "", config.Errorf("source", "client source %q escapes the client root", source)
	}
	return path, nil
}

// Package local handles local filesystem storage operations for backups.
package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

// Client stores backups under a base directory
type Client struct {
	baseDir string
}

// NewClient creates a new local storage client rooted at baseDir
func NewClient(baseDir string) (*Client, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, config.Errorf("storage.options.basePath", "local storage requires a base directory")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve base directory %s", baseDir)
	}
	return &Client{baseDir: abs}, nil
}

// Name returns the provider name
func (c *Client) Name() string { return config.ProviderLocal }

// BaseDir returns the absolute base directory
func (c *Client) BaseDir() string { return c.baseDir }

// resolve maps a relative backup path onto the base directory and refuses
// anything that would escape it.
func (c *Client) resolve(path string) (string, error) {
	full := filepath.Join(c.baseDir, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	if full != c.baseDir && !strings.HasPrefix(full, c.baseDir+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes the backup directory", path)
	}
	return full, nil
}

// Upload writes data to path, creating parent directories
func (c *Client) Upload(_ context.Context, data []byte, path string) error {
	full, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "upload", "error").Inc()
		return errors.Wrapf(err, "failed to create backup directory for %s", path)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "upload", "error").Inc()
		return errors.Wrapf(err, "failed to write backup %s", path)
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), "upload", "success").Inc()
	return nil
}

// Download reads path; a missing file is storage.ErrNotFound
func (c *Client) Download(_ context.Context, path string) ([]byte, error) {
	full, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(storage.ErrNotFound, "local: %s", path)
		}
		metrics.StorageOperations.WithLabelValues(c.Name(), "download", "error").Inc()
		return nil, errors.Wrapf(err, "failed to read backup %s", path)
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), "download", "success").Inc()
	return data, nil
}

// List walks the directory under prefix recursively and returns every file
func (c *Client) List(_ context.Context, prefix string) ([]storage.Entry, error) {
	root, err := c.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var entries []storage.Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.baseDir, path)
		if err != nil {
			return err
		}
		size := info.Size()
		modified := info.ModTime()
		entries = append(entries, storage.Entry{
			Path:       filepath.ToSlash(rel),
			SizeBytes:  &size,
			ModifiedAt: &modified,
		})
		return nil
	})
	if err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "list", "error").Inc()
		return nil, errors.Wrapf(err, "failed to list backups under %s", prefix)
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), "list", "success").Inc()
	return entries, nil
}

// Delete removes path; deleting a missing file is not an error. Paths that
// resolve to the base directory itself are refused.
func (c *Client) Delete(_ context.Context, path string) error {
	full, err := c.resolve(path)
	if err != nil {
		return err
	}
	if full == c.baseDir {
		return errors.Errorf("refusing to delete the backup directory itself (path %q)", path)
	}
	if err := os.RemoveAll(full); err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "delete", "error").Inc()
		return errors.Wrapf(err, "failed to delete backup %s", path)
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), "delete", "success").Inc()
	return nil
}

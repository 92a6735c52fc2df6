package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

// imageSource is the Info.Source of every image target
const imageSource = "photo-storage"

var imageDirs = []string{"photos", "thumbnails"}

// imageTarget archives the photo storage's photos and thumbnails
type imageTarget struct {
	info Info
	root string
	now  func() time.Time
	log  logrus.FieldLogger
}

func newImageTarget(metadata map[string]interface{}, opts Options) (*imageTarget, error) {
	if opts.PhotoStorageDir == "" {
		return nil, config.Errorf("source", "image target needs PHOTO_STORAGE_DIR to be set")
	}
	meta := cloneMetadata(metadata)
	meta["path"] = opts.PhotoStorageDir
	return &imageTarget{
		info: Info{Kind: config.KindImage, Source: imageSource, Metadata: meta},
		root: opts.PhotoStorageDir,
		now:  time.Now,
		log:  opts.Log.WithFields(logrus.Fields{"kind": config.KindImage, "path": opts.PhotoStorageDir}),
	}, nil
}

func (t *imageTarget) Info() Info { return t.info }

// CreateBackup archives photos/ and thumbnails/. Missing directories are
// archived empty.
func (t *imageTarget) CreateBackup(_ context.Context) ([]byte, error) {
	roots := make([]archiveRoot, 0, len(imageDirs))
	for _, name := range imageDirs {
		dir := filepath.Join(t.root, name)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.log.WithField("dir", dir).Warn("Image directory does not exist, archiving it empty")
		}
		roots = append(roots, archiveRoot{prefix: name, dir: dir})
	}
	return writeTarGz(roots)
}

// Restore extracts into a staging directory next to the live ones, moves
// the live directories aside with a -backup-<unix> suffix and renames the
// extracted ones into place.
func (t *imageTarget) Restore(_ context.Context, data []byte, opts RestoreOptions) (RestoreResult, error) {
	root := t.root
	if opts.Destination != "" {
		root = opts.Destination
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "failed to create %s", root)
	}

	stamp := t.now().Unix()
	staging := filepath.Join(root, fmt.Sprintf(".restore-%d", stamp))
	defer os.RemoveAll(staging)

	files, err := extractTarGz(data, staging)
	if err != nil {
		return RestoreResult{}, err
	}

	var movedAside []string
	for _, name := range imageDirs {
		extracted := filepath.Join(staging, name)
		if _, err := os.Stat(extracted); os.IsNotExist(err) {
			t.log.WithField("dir", name).Warn("Archive has no entry for directory, leaving it untouched")
			continue
		}

		live := filepath.Join(root, name)
		if _, err := os.Stat(live); err == nil {
			aside := fmt.Sprintf("%s-backup-%d", live, stamp)
			if err := os.Rename(live, aside); err != nil {
				return RestoreResult{}, errors.Wrapf(err, "failed to move %s aside", live)
			}
			movedAside = append(movedAside, aside)
		}
		if err := os.Rename(extracted, live); err != nil {
			return RestoreResult{}, errors.Wrapf(err, "failed to move restored %s into place", name)
		}
	}

	t.log.WithFields(logrus.Fields{"files": files, "movedAside": movedAside}).Info("Restored photo storage")
	return RestoreResult{
		Success:     true,
		Destination: root,
		Message:     fmt.Sprintf("extracted %d files, previous directories kept as %v", files, movedAside),
	}, nil
}

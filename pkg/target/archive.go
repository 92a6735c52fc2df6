package target

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// archiveRoot adds dir to an archive under prefix. An empty prefix places the
// directory's contents at the archive root.
type archiveRoot struct {
	prefix string
	dir    string
}

// epoch is the mtime recorded for directories so equal trees give equal bytes
var epoch = time.Unix(0, 0).UTC()

// writeTarGz archives roots deterministically: entries in lexical order,
// no owner information, file mtimes truncated to the second. Symlinks and
// special files are skipped. A missing root is archived as an empty
// directory when it has a prefix.
func writeTarGz(roots []archiveRoot) ([]byte, error) {
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzWriter)

	for _, root := range roots {
		if err := addRoot(tw, root); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize tar stream")
	}
	if err := gzWriter.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize gzip stream")
	}
	return buf.Bytes(), nil
}

func addRoot(tw *tar.Writer, root archiveRoot) error {
	info, err := os.Stat(root.dir)
	if os.IsNotExist(err) {
		if root.prefix == "" {
			return errors.Wrapf(err, "directory %s does not exist", root.dir)
		}
		return writeDirHeader(tw, root.prefix)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", root.dir)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", root.dir)
	}

	return filepath.WalkDir(root.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root.dir, p)
		if err != nil {
			return err
		}
		name := path.Join(root.prefix, filepath.ToSlash(rel))
		if name == "." {
			return nil
		}

		switch {
		case d.IsDir():
			return writeDirHeader(tw, name)
		case d.Type().IsRegular():
			return writeFileEntry(tw, p, name)
		}
		return nil
	})
}

func writeDirHeader(tw *tar.Writer, name string) error {
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     strings.TrimSuffix(name, "/") + "/",
		Mode:     0o755,
		ModTime:  epoch,
	})
}

func writeFileEntry(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", src)
	}
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC().Truncate(time.Second),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "failed to write header for %s", name)
	}
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return errors.Wrapf(err, "failed to archive %s", src)
	}
	return nil
}

// extractTarGz unpacks data into dest, rejecting entries that would escape it
func extractTarGz(data []byte, dest string) (int, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, errors.Wrap(err, "failed to open archive")
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", dest)
	}

	files := 0
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, errors.Wrap(err, "failed to read archive")
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, errors.Wrapf(err, "failed to create %s", target)
			}
		case tar.TypeReg:
			if err := writeArchivedFile(tr, target, hdr); err != nil {
				return files, err
			}
			files++
		}
	}
	return files, nil
}

func writeArchivedFile(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(target))
	}
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", target)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", target)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", target)
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// safeJoin joins an archive or client path onto base and refuses results
// outside base.
func safeJoin(base, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(base, filepath.FromSlash(name)))
	rel, err := filepath.Rel(base, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes %s", name, base)
	}
	return cleaned, nil
}

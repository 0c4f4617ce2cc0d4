package server

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kwontaeheon/snapdock/pkg"
	"github.com/pkg/errors"
)

// ArchiveStore owns the on-disk tarball directory. Writers stage into a
// .partial file and only rename into place on Commit, so a crashed save
// never leaves a catalogued-looking archive behind.
type ArchiveStore struct {
	dir         string
	compression pkg.Compression
}

func NewArchiveStore(rootDir string, compression pkg.Compression) (*ArchiveStore, error) {
	dir := filepath.Join(rootDir, "archives")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create archive dir %s", dir)
	}

	return &ArchiveStore{
		dir:         dir,
		compression: compression,
	}, nil
}

func (s *ArchiveStore) Dir() string {
	return s.dir
}

// ArchiveName builds the file name for a snapshot of containerName taken
// at t. The snapshot ID fragment keeps two snapshots of the same container
// within the same second from colliding on one file.
func (s *ArchiveStore) ArchiveName(containerName, snapshotID string, t time.Time) string {
	uniq := snapshotID
	if len(uniq) > 8 {
		uniq = uniq[:8]
	}
	name := fmt.Sprintf("%s-%s-%s.tar", containerName, t.Format("20060102-150405"), uniq)
	if s.compression.Enabled {
		name += ".gz"
	}
	return filepath.Join(s.dir, name)
}

type ArchiveWriter struct {
	path    string
	file    *os.File
	gz      *gzip.Writer
	written int64
}

func (s *ArchiveStore) Create(path string) (*ArchiveWriter, error) {
	file, err := os.Create(path + ".partial")
	if err != nil {
		return nil, errors.Wrapf(err, "create archive %s", path)
	}

	w := &ArchiveWriter{
		path: path,
		file: file,
	}

	if s.compression.Enabled {
		w.gz, err = gzip.NewWriterLevel(file, s.compression.Level)
		if err != nil {
			file.Close()
			os.Remove(file.Name())
			return nil, errors.Wrap(err, "create gzip writer")
		}
	}

	return w, nil
}

func (w *ArchiveWriter) Write(p []byte) (int, error) {
	var n int
	var err error
	if w.gz != nil {
		n, err = w.gz.Write(p)
	} else {
		n, err = w.file.Write(p)
	}
	w.written += int64(n)
	return n, err
}

// Written is the uncompressed byte count pushed through the writer.
func (w *ArchiveWriter) Written() int64 {
	return w.written
}

// Commit flushes, syncs and renames the staged file into its final path,
// returning the on-disk size.
func (w *ArchiveWriter) Commit() (int64, error) {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.discard()
			return 0, errors.Wrap(err, "close gzip writer")
		}
	}

	if err := w.file.Sync(); err != nil {
		w.discard()
		return 0, errors.Wrap(err, "sync archive")
	}

	info, err := w.file.Stat()
	if err != nil {
		w.discard()
		return 0, errors.Wrap(err, "stat archive")
	}

	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return 0, errors.Wrap(err, "close archive")
	}

	if err := os.Rename(w.file.Name(), w.path); err != nil {
		os.Remove(w.file.Name())
		return 0, errors.Wrapf(err, "rename archive into %s", w.path)
	}

	return info.Size(), nil
}

// Abort drops the staged file.
func (w *ArchiveWriter) Abort() {
	w.discard()
}

func (w *ArchiveWriter) discard() {
	w.file.Close()
	os.Remove(w.file.Name())
}

type archiveReader struct {
	file *os.File
	gz   *gzip.Reader
}

func (r *archiveReader) Read(p []byte) (int, error) {
	if r.gz != nil {
		return r.gz.Read(p)
	}
	return r.file.Read(p)
}

func (r *archiveReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.file.Close()
}

// Open returns the decompressed tar stream of an archive.
func (s *ArchiveStore) Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("archive %s is missing", path)
		}
		return nil, errors.Wrapf(err, "open archive %s", path)
	}

	r := &archiveReader{file: file}
	if filepath.Ext(path) == ".gz" {
		r.gz, err = gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "open gzip reader for %s", path)
		}
	}

	return r, nil
}

func (s *ArchiveStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove archive %s", path)
	}
	return nil
}

func (s *ArchiveStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

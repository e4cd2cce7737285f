package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/inomad/custody-backend/interfaces"
)

// FileBackend stores blobs on the local file system, one directory per
// content type. Files are written owner-only and replaced atomically.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates baseDir and the content type directories.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	dir := filepath.Join(baseDir, interfaces.RecoveryShareType.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create escrow directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir, log: log, locationURI: "file://" + baseDir}, nil
}

// Fetch returns ErrContentNotFound if no blob with this id exists.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	blob, err := os.ReadFile(b.filePath(id, contentType))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, interfaces.ErrContentNotFound
	case err != nil:
		return nil, fmt.Errorf("reading escrow blob %s: %w", id, err)
	}
	return blob, nil
}

// Store writes data under its SHA-256 content id. A blob that is already
// present is left alone.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	path := b.filePath(id, contentType)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := writeFileAtomic(path, data); err != nil {
		return id, fmt.Errorf("writing escrow blob %s: %w", id, err)
	}
	b.log.Debug("Escrow blob written", "path", path)
	return id, nil
}

// writeFileAtomic writes an owner-only file through a synced temp file so a
// crash never leaves a truncated blob under its final name.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Available reports whether the base directory is reachable.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, contentType.String(), id.String())
}

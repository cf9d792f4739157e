package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/rulebox/internal/errs"
)

// Sink stores encoded snapshots by name.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	// Get returns a NotFound error when name does not exist.
	Get(ctx context.Context, name string) ([]byte, error)
}

// FileSink keeps snapshots as files under a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) path(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", errs.Validation("invalid snapshot name %q", name)
	}
	return filepath.Join(f.dir, name), nil
}

// Put writes data through a temporary file renamed into place, so a reader
// never sees a partial snapshot.
func (f *FileSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := f.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// Get implements Sink.
func (f *FileSink) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFound("snapshot %s does not exist", name)
	}
	return data, err
}

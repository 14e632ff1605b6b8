package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStorage keeps blobs as files in one directory. Writes go through a
// temporary file so a crash never leaves a truncated snapshot behind.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (fs *FileStorage) Save(ctx context.Context, name string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fs.dir, ".tmp-"+name)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(fs.dir, name))
}

func (fs *FileStorage) Load(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(fs.dir, name))
}

func (fs *FileStorage) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (fs *FileStorage) Delete(_ context.Context, name string) error {
	return os.Remove(filepath.Join(fs.dir, name))
}

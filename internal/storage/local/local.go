// Package local provides a filesystem storage backend for mod
// archives.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Backend implements storage.Backend on a filesystem rooted at a
// directory.
type Backend struct {
	fs   afero.Fs
	root string
}

// New creates a local backend rooted at rootPath.
func New(fs afero.Fs, rootPath string) (*Backend, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	if err := fs.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", rootPath, err)
	}
	return &Backend{fs: fs, root: rootPath}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// GetObject opens a file under the root.
func (b *Backend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := b.fs.Open(b.fullPath(key))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// PutObject writes content atomically via a temp file and rename.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	path := b.fullPath(key)
	if err := b.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp := path + ".tmp"
	f, err := b.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		b.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		b.fs.Remove(tmp)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := b.fs.Rename(tmp, path); err != nil {
		b.fs.Remove(tmp)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a file; missing files are not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	err := b.fs.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListObjects returns the file names directly under prefix.
func (b *Backend) ListObjects(_ context.Context, prefix string) ([]string, error) {
	infos, err := afero.ReadDir(b.fs, b.fullPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		names = append(names, info.Name())
	}
	return names, nil
}

// ObjectExists checks whether a file exists under the root.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	ok, err := afero.Exists(b.fs, b.fullPath(key))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return ok, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// FS archives exports below a local directory.
type FS struct {
	root string
}

// NewFS creates a filesystem archive rooted at root.
func NewFS(root string) *FS {
	if root == "" {
		root = "exports"
	}
	return &FS{root: root}
}

func (f *FS) full(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(clean(name)))
}

// CreateExportDirectory creates dir and proves it is writable.
func (f *FS) CreateExportDirectory(_ context.Context, dir string) error {
	full := f.full(dir)
	if err := os.MkdirAll(full, 0o750); err != nil {
		return accessErr(full, err)
	}

	probe, err := os.CreateTemp(full, ".probe-*")
	if err != nil {
		return accessErr(full, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// WriteExport writes data atomically: readers never see a partial file.
func (f *FS) WriteExport(_ context.Context, name string, data []byte) error {
	full := f.full(name)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return accessErr(dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return accessErr(dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", full, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return accessErr(full, err)
	}
	return nil
}

func accessErr(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return &core.StorageAccessDenied{Path: path, Err: err}
	}
	return fmt.Errorf("archive %s: %w", path, err)
}

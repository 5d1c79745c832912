package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore serves payloads from the local filesystem. With a root directory every
// path resolves inside it through os.Root, so stored paths cannot escape via ".."
// or symlinks. Without one, paths are used as given.
type FSStore struct {
	root *os.Root
}

func NewFSStore(dir string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return &FSStore{}, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("content dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("content dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) rel(path string) string {
	return strings.TrimPrefix(filepath.Clean("/"+path), "/")
}

func (s *FSStore) Open(_ context.Context, path string) (*Object, error) {
	if path == "" {
		return nil, fmt.Errorf("open: %w", ErrNotExist)
	}
	var (
		f   *os.File
		err error
	)
	if s.root != nil {
		f, err = s.root.Open(s.rel(path))
	} else {
		// #nosec G304 -- paths come from records written by the ingestion path.
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, mapFSErr(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: not a regular file: %w", info.Name(), ErrNotExist)
	}
	return &Object{Body: f, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *FSStore) Remove(_ context.Context, path string) error {
	if path == "" {
		return nil
	}
	var err error
	if s.root != nil {
		err = s.root.Remove(s.rel(path))
	} else {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// Close releases the root directory handle.
func (s *FSStore) Close() error {
	if s.root == nil {
		return nil
	}
	return s.root.Close()
}

func mapFSErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("open: %w", ErrNotExist)
	}
	return fmt.Errorf("open: %w", err)
}

package content

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cordum/stash/core/infra/config"
)

func TestFSStoreOpenAndRemove(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "blobs", "a.bin"), []byte("payload"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	obj, err := store.Open(ctx, "blobs/a.bin")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(obj.Body)
	_ = obj.Body.Close()
	if string(data) != "payload" || obj.Size != 7 || obj.ModTime.IsZero() {
		t.Fatalf("unexpected object: %q size=%d", data, obj.Size)
	}

	// Leading slashes resolve inside the root.
	obj, err = store.Open(ctx, "/blobs/a.bin")
	if err != nil {
		t.Fatalf("open absolute: %v", err)
	}
	_ = obj.Body.Close()

	if err := store.Remove(ctx, "blobs/a.bin"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "blobs/a.bin"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, err := store.Open(ctx, "blobs/a.bin"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestFSStoreConfinement(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "root")
	if err := os.WriteFile(filepath.Join(parent, "secret"), []byte("s"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := os.Symlink(filepath.Join(parent, "secret"), filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Open(ctx, "../secret"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("dot-dot must stay inside root, got %v", err)
	}
	if obj, err := store.Open(ctx, "link"); err == nil {
		_ = obj.Body.Close()
		t.Fatalf("symlink escaping root must not open")
	}
}

func TestFSStoreRejectsDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if _, err := store.Open(context.Background(), "sub"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist for directory, got %v", err)
	}
	if _, err := store.Open(context.Background(), ""); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist for empty path, got %v", err)
	}
}

func TestFSStoreUnconfined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := New(context.Background(), config.ContentConfig{Driver: config.ContentFS})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	obj, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = obj.Body.Close()
	if obj.Size != 3 {
		t.Fatalf("unexpected size %d", obj.Size)
	}
	if _, err := New(context.Background(), config.ContentConfig{Driver: "nfs"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

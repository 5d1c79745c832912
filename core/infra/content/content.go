// Package content opens and removes the bytes behind file records.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cordum/stash/core/infra/config"
)

// ErrNotExist means the object is not in the store.
var ErrNotExist = errors.New("content does not exist")

// Object is an opened payload. The caller owns Body and must close it.
type Object struct {
	Body    io.ReadCloser
	Size    int64
	ModTime time.Time
}

// Store is a payload backend addressed by record path.
type Store interface {
	Open(ctx context.Context, path string) (*Object, error)
	// Remove deletes path. Removing a missing object is not an error.
	Remove(ctx context.Context, path string) error
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.ContentConfig) (Store, error) {
	switch cfg.Driver {
	case config.ContentFS, "":
		return NewFSStore(cfg.Dir)
	case config.ContentS3:
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown content driver %q", cfg.Driver)
	}
}

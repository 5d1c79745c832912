// Package records stores short-lived records and implements the atomic
// fetch/consume protocol against a remote key-value backend.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stash/core/infra/logging"
	"github.com/cordum/stash/core/record"
)

const (
	defaultOpTimeout     = 2 * time.Second
	defaultRemoveTimeout = 5 * time.Second
	logComponent         = "records"
)

// Store is the record persistence boundary shared by every backend.
type Store interface {
	// Fetch returns the record for slug without mutating it, or nil when the slug
	// is absent, expired or exhausted.
	Fetch(ctx context.Context, slug string) (*record.Record, error)
	// Consume records one access. Unbounded records are left untouched. A record
	// whose last access was taken by another caller yields record.ErrNotFound.
	Consume(ctx context.Context, rec *record.Record) (Consumption, error)
	// Put writes rec, replacing any record stored under the same slug.
	Put(ctx context.Context, rec *record.Record) error
	// Delete removes the record and its payload, returning what was stored.
	Delete(ctx context.Context, slug string) (*record.Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Consumption reports the outcome of a successful Consume.
type Consumption struct {
	Unlimited bool
	// Remaining is the number of accesses left after this one.
	Remaining int64
	// Deleted is set for exactly one caller: the one that took the last access.
	Deleted bool
}

// PayloadRemover deletes file payloads once their record is gone.
type PayloadRemover interface {
	Remove(ctx context.Context, path string) error
}

// backendErr classifies a failed backend call. Cancellation by the caller is
// passed through; everything else is a transient backend failure.
func backendErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return record.Unavailable(op, err)
}

func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// removePayload deletes path synchronously, before Consume or Delete returns,
// bounded by defaultRemoveTimeout and detached from the caller's cancellation.
// Failures leave an orphaned blob and are only logged.
func removePayload(ctx context.Context, remover PayloadRemover, slug, path string) {
	if remover == nil || path == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRemoveTimeout)
	defer cancel()
	if err := remover.Remove(rctx, path); err != nil {
		logging.Warn(logComponent, "payload removal failed", "slug", slug, "error", err)
		return
	}
	logging.Debug(logComponent, "payload removed", "slug", slug)
}

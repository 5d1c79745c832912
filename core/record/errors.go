package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the slug is absent, expired or exhausted.
	ErrNotFound = errors.New("record not found")
	// ErrBackendUnavailable marks transient backend failures. Callers retry or report 5xx.
	ErrBackendUnavailable = errors.New("record backend unavailable")
	// ErrPayloadMissing means a file record's bytes vanished after its metadata was read.
	ErrPayloadMissing = errors.New("record payload missing")
	// ErrMalformedName rejects file names that are unsafe to place in a header.
	ErrMalformedName = errors.New("malformed file name")
	// ErrMalformedTarget rejects redirect targets that are neither absolute nor relative.
	ErrMalformedTarget = errors.New("malformed redirect target")
	// ErrMalformedRecord means the stored document does not describe a valid record.
	ErrMalformedRecord = errors.New("malformed record")
)

const defaultRetryAfter = time.Second

// NotFoundError carries the slug that could not be resolved.
type NotFoundError struct {
	Slug string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record %q not found", e.Slug)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound returns a NotFoundError for slug.
func NotFound(slug string) error {
	return &NotFoundError{Slug: slug}
}

// UnavailableError wraps a backend failure with the operation that hit it.
type UnavailableError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrBackendUnavailable)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrBackendUnavailable, e.Err)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *UnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryDelay reports how long callers should wait before retrying.
func (e *UnavailableError) RetryDelay() time.Duration {
	if e == nil || e.RetryAfter <= 0 {
		return defaultRetryAfter
	}
	return e.RetryAfter
}

// Unavailable wraps err as a backend failure for op. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *UnavailableError
	if errors.As(err, &existing) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// RetryDelay extracts a retry hint from err when it is a backend failure.
func RetryDelay(err error) (time.Duration, bool) {
	type retryDelayProvider interface {
		RetryDelay() time.Duration
	}
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

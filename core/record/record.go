package record

import (
	"fmt"
	"time"
)

// Kind names the payload variant a record resolves to.
type Kind string

const (
	KindFile  Kind = "file"
	KindURL   Kind = "url"
	KindPaste Kind = "paste"
)

// Data is the payload of a record. It is implemented only by File, URL and Paste.
type Data interface {
	Kind() Kind
	isData()
}

// File points at bytes held by a content store. Path is internal and must never be
// surfaced to callers; Name is the suggested download filename.
type File struct {
	Path string
	Name string
}

// URL redirects the caller to Target.
type URL struct {
	Target string
}

// Paste carries inline text.
type Paste struct {
	Body string
}

func (File) Kind() Kind  { return KindFile }
func (URL) Kind() Kind   { return KindURL }
func (Paste) Kind() Kind { return KindPaste }

func (File) isData()  {}
func (URL) isData()   {}
func (Paste) isData() {}

// String omits the path so records can be logged safely.
func (f File) String() string { return fmt.Sprintf("file(name=%q)", f.Name) }

// Record is a short-lived entry addressed by slug.
type Record struct {
	Slug string
	Data Data
	// RemainingAccesses is nil for records that may be fetched any number of times.
	RemainingAccesses *int64
	// ExpiresAt is the zero time when the record never expires.
	ExpiresAt time.Time
}

// Bounded reports whether fetches count against a remaining-access budget.
func (r *Record) Bounded() bool {
	return r != nil && r.RemainingAccesses != nil
}

// Exhausted reports whether a bounded record has no accesses left.
func (r *Record) Exhausted() bool {
	return r.Bounded() && *r.RemainingAccesses <= 0
}

// Expired reports whether the record's expiry is at or before now.
func (r *Record) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Available reports whether a fetched record may be handed to a caller.
func (r *Record) Available(now time.Time) bool {
	return r != nil && r.Data != nil && !r.Exhausted() && !r.Expired(now)
}

// PayloadPath returns the content-store path of a file record.
func (r *Record) PayloadPath() (string, bool) {
	if r == nil {
		return "", false
	}
	if f, ok := r.Data.(File); ok && f.Path != "" {
		return f.Path, true
	}
	return "", false
}

// Accesses returns a pointer suitable for RemainingAccesses.
func Accesses(n int64) *int64 {
	return &n
}

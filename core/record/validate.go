package record

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxNameLen   = 255
	MaxTargetLen = 2048
)

// Validate checks that a payload is safe to hand to the dispatch layer.
func Validate(data Data) error {
	switch d := data.(type) {
	case File:
		return ValidateName(d.Name)
	case URL:
		return ValidateTarget(d.Target)
	case Paste:
		return nil
	case nil:
		return fmt.Errorf("%w: missing payload", ErrMalformedRecord)
	default:
		return fmt.Errorf("%w: unknown payload %T", ErrMalformedRecord, data)
	}
}

// ValidateName rejects download names that could break out of a header value or
// smuggle a path.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrMalformedName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrMalformedName, MaxNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: invalid utf-8", ErrMalformedName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == '/' || r == '\\' {
			return fmt.Errorf("%w: forbidden character %q", ErrMalformedName, r)
		}
	}
	return nil
}

// ValidateTarget accepts absolute http(s) URLs and relative references. Scheme-relative
// targets ("//host/path") and other schemes are rejected.
func ValidateTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: empty", ErrMalformedTarget)
	}
	if len(target) > MaxTargetLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrMalformedTarget, MaxTargetLen)
	}
	for _, r := range target {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: forbidden character %q", ErrMalformedTarget, r)
		}
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	switch {
	case u.Scheme == "" && u.Host == "" && !strings.HasPrefix(target, "//"):
		return nil
	case u.Scheme == "http" || u.Scheme == "https":
		if u.Host == "" {
			return fmt.Errorf("%w: missing host", ErrMalformedTarget)
		}
		return nil
	case u.Scheme == "":
		return fmt.Errorf("%w: scheme-relative target", ErrMalformedTarget)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrMalformedTarget, u.Scheme)
	}
}

package record

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		in     string
		wantOK bool
	}{
		{"report.pdf", true},
		{"résumé final.docx", true},
		{"quote\"inside.txt", true},
		{"", false},
		{"evil\r\nSet-Cookie: a=b", false},
		{"nul\x00byte", false},
		{"../etc/passwd", false},
		{`dir\file`, false},
		{"..", false},
		{strings.Repeat("a", MaxNameLen+1), false},
		{"bad\xffutf8", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.in)
		if tt.wantOK && err != nil {
			t.Fatalf("ValidateName(%q) unexpected error: %v", tt.in, err)
		}
		if !tt.wantOK && !errors.Is(err, ErrMalformedName) {
			t.Fatalf("ValidateName(%q) expected ErrMalformedName, got %v", tt.in, err)
		}
	}
}

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		in     string
		wantOK bool
	}{
		{"https://example.com/a?b=c", true},
		{"http://example.com", true},
		{"/relative/path", true},
		{"relative/path?x=1", true},
		{"", false},
		{"   ", false},
		{"//evil.example.com/x", false},
		{"javascript:alert(1)", false},
		{"ftp://example.com/file", false},
		{"https://", false},
		{"https://example.com/\r\nLocation: x", false},
		{"/with space", false},
		{"https://example.com/" + strings.Repeat("a", MaxTargetLen), false},
	}
	for _, tt := range tests {
		err := ValidateTarget(tt.in)
		if tt.wantOK && err != nil {
			t.Fatalf("ValidateTarget(%q) unexpected error: %v", tt.in, err)
		}
		if !tt.wantOK && !errors.Is(err, ErrMalformedTarget) {
			t.Fatalf("ValidateTarget(%q) expected ErrMalformedTarget, got %v", tt.in, err)
		}
	}
}

func TestValidateDispatchesByKind(t *testing.T) {
	if err := Validate(File{Path: "/x", Name: "a\nb"}); !errors.Is(err, ErrMalformedName) {
		t.Fatalf("expected malformed name, got %v", err)
	}
	if err := Validate(URL{Target: "mailto:a@b"}); !errors.Is(err, ErrMalformedTarget) {
		t.Fatalf("expected malformed target, got %v", err)
	}
	if err := Validate(Paste{Body: "\x00anything goes\r\n"}); err != nil {
		t.Fatalf("paste bodies are not validated: %v", err)
	}
	if err := Validate(nil); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected malformed record, got %v", err)
	}
}

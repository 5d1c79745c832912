package dispatch

import (
	"context"
	"errors"
	"io"
	"mime"
	"strings"
	"testing"
	"time"

	"github.com/cordum/stash/core/infra/content"
	"github.com/cordum/stash/core/record"
)

type fakeOpener struct {
	objects map[string]string
	err     error
}

type trackingBody struct {
	io.Reader
	closes int
}

func (b *trackingBody) Close() error {
	b.closes++
	return nil
}

func (f *fakeOpener) Open(_ context.Context, path string) (*content.Object, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[path]
	if !ok {
		return nil, content.ErrNotExist
	}
	return &content.Object{Body: &trackingBody{Reader: strings.NewReader(data)}, Size: int64(len(data)), ModTime: time.Unix(1, 0)}, nil
}

func TestRenderVariants(t *testing.T) {
	r := NewRenderer(&fakeOpener{objects: map[string]string{"/tmp/x.bin": "bytes"}})
	ctx := context.Background()

	resp, err := r.Render(ctx, record.Paste{Body: "hello"})
	if err != nil {
		t.Fatalf("paste: %v", err)
	}
	if text, ok := resp.(*Text); !ok || text.Content != "hello" {
		t.Fatalf("unexpected paste response %#v", resp)
	}

	resp, err = r.Render(ctx, record.URL{Target: "/relative?q=1"})
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if red, ok := resp.(*Redirect); !ok || red.Target != "/relative?q=1" {
		t.Fatalf("unexpected redirect %#v", resp)
	}

	resp, err = r.Render(ctx, record.File{Path: "/tmp/x.bin", Name: "report.pdf"})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	fs, ok := resp.(*FileStream)
	if !ok {
		t.Fatalf("expected file stream, got %T", resp)
	}
	data, _ := io.ReadAll(fs.Body)
	if string(data) != "bytes" || fs.Size != 5 || fs.Name != "report.pdf" {
		t.Fatalf("unexpected stream %q %+v", data, fs)
	}
	if fs.Disposition != `attachment; filename=report.pdf` {
		t.Fatalf("unexpected disposition %q", fs.Disposition)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = fs.Close()
	if body := fs.Body.(*trackingBody); body.closes != 1 {
		t.Fatalf("expected single close, got %d", body.closes)
	}
}

func TestRenderFileErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRenderer(&fakeOpener{objects: map[string]string{}})
	if _, err := r.Render(ctx, record.File{Path: "gone", Name: "a"}); !errors.Is(err, record.ErrPayloadMissing) {
		t.Fatalf("expected payload missing, got %v", err)
	}

	r = NewRenderer(&fakeOpener{err: errors.New("s3: 500")})
	_, err := r.Render(ctx, record.File{Path: "p", Name: "a"})
	if !errors.Is(err, record.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}

	if _, err := NewRenderer(nil).Render(ctx, record.File{Path: "p", Name: "a"}); !errors.Is(err, record.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable without store, got %v", err)
	}
	if _, err := r.Render(ctx, nil); !errors.Is(err, record.ErrMalformedRecord) {
		t.Fatalf("expected malformed record for nil data, got %v", err)
	}
}

func TestDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my report.pdf", "my report.pdf"},
		{`quote"d.txt`, `quote"d.txt`},
		{"résumé.pdf", "résumé.pdf"},
		{"日本語.txt", "日本語.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := Disposition(tt.name)
			disp, params, err := mime.ParseMediaType(value)
			if err != nil {
				t.Fatalf("parse %q: %v", value, err)
			}
			if disp != "attachment" || params["filename"] != tt.want {
				t.Fatalf("round trip %q -> %q -> %v", tt.name, value, params)
			}
		})
	}
}

func TestResponseCloseNoop(t *testing.T) {
	for _, resp := range []Response{&Redirect{}, &Text{}, &FileStream{}} {
		if err := resp.Close(); err != nil {
			t.Fatalf("close %T: %v", resp, err)
		}
	}
}

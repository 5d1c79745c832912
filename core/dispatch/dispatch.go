// Package dispatch maps a record payload onto a response description.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"time"

	"github.com/cordum/stash/core/infra/content"
	"github.com/cordum/stash/core/record"
)

// Response is one of *FileStream, *Redirect or *Text.
type Response interface {
	// Close releases any stream the response holds. It is safe to call twice.
	Close() error
	isResponse()
}

// FileStream carries opened payload bytes. The stored path never appears here.
type FileStream struct {
	Body        io.ReadCloser
	Name        string
	Size        int64
	ModTime     time.Time
	Disposition string

	closed bool
}

type Redirect struct {
	Target string
}

type Text struct {
	Content string
}

func (f *FileStream) Close() error {
	if f == nil || f.Body == nil || f.closed {
		return nil
	}
	f.closed = true
	return f.Body.Close()
}

func (*Redirect) Close() error { return nil }
func (*Text) Close() error     { return nil }

func (*FileStream) isResponse() {}
func (*Redirect) isResponse()   {}
func (*Text) isResponse()       {}

// Opener opens payload bytes by path. content.Store satisfies it.
type Opener interface {
	Open(ctx context.Context, path string) (*content.Object, error)
}

// Renderer turns record payloads into responses.
type Renderer struct {
	content Opener
}

func NewRenderer(c Opener) *Renderer {
	return &Renderer{content: c}
}

// Render maps data onto a response. Only file payloads can fail: a vanished file
// yields record.ErrPayloadMissing, any other open failure is a backend error.
func (r *Renderer) Render(ctx context.Context, data record.Data) (Response, error) {
	switch d := data.(type) {
	case record.File:
		return r.renderFile(ctx, d)
	case record.URL:
		return &Redirect{Target: d.Target}, nil
	case record.Paste:
		return &Text{Content: d.Body}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload %T", record.ErrMalformedRecord, data)
	}
}

func (r *Renderer) renderFile(ctx context.Context, f record.File) (Response, error) {
	if r.content == nil {
		return nil, record.Unavailable("open payload", errors.New("no content store configured"))
	}
	obj, err := r.content.Open(ctx, f.Path)
	if err != nil {
		if errors.Is(err, content.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", f.Name, record.ErrPayloadMissing)
		}
		return nil, record.Unavailable("open payload", err)
	}
	return &FileStream{
		Body:        obj.Body,
		Name:        f.Name,
		Size:        obj.Size,
		ModTime:     obj.ModTime,
		Disposition: Disposition(f.Name),
	}, nil
}

// Disposition builds an attachment Content-Disposition value for name, using
// RFC 2231 encoding when name is not plain ASCII.
func Disposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

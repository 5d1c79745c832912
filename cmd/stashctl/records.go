package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cordum/stash/core/dispatch"
	"github.com/cordum/stash/core/infra/config"
	"github.com/cordum/stash/core/infra/content"
	"github.com/cordum/stash/core/infra/records"
	"github.com/cordum/stash/core/record"
	"github.com/cordum/stash/core/resolver"
)

// recordView is what operators see. Stored file paths are never printed.
type recordView struct {
	Slug      string     `json:"slug"`
	Kind      string     `json:"kind"`
	Name      string     `json:"name,omitempty"`
	Target    string     `json:"target,omitempty"`
	BodyBytes *int       `json:"body_bytes,omitempty"`
	Remaining *int64     `json:"remaining,omitempty"`
	Unlimited bool       `json:"unlimited"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func viewOf(rec *record.Record) recordView {
	v := recordView{
		Slug:      rec.Slug,
		Remaining: rec.RemainingAccesses,
		Unlimited: !rec.Bounded(),
	}
	if rec.Data != nil {
		v.Kind = string(rec.Data.Kind())
	}
	switch d := rec.Data.(type) {
	case record.File:
		v.Name = d.Name
	case record.URL:
		v.Target = d.Target
	case record.Paste:
		n := len(d.Body)
		v.BodyBytes = &n
	}
	if !rec.ExpiresAt.IsZero() {
		at := rec.ExpiresAt.UTC()
		v.ExpiresAt = &at
	}
	return v
}

type backends struct {
	content content.Store
	store   records.Store
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	cs, err := content.New(ctx, cfg.Content)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	store, err := records.Open(ctx, cfg, cs)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	return &backends{content: cs, store: store}, nil
}

func (b *backends) Close() {
	_ = b.store.Close()
	if c, ok := b.content.(io.Closer); ok {
		_ = c.Close()
	}
}

func inspectRecord(ctx context.Context, store records.Store, slug string) (recordView, error) {
	rec, err := store.Fetch(ctx, slug)
	if err != nil {
		return recordView{}, err
	}
	if rec == nil {
		return recordView{}, record.NotFound(slug)
	}
	return viewOf(rec), nil
}

func deleteRecord(ctx context.Context, store records.Store, slug string) (recordView, error) {
	rec, err := store.Delete(ctx, slug)
	if err != nil {
		return recordView{}, err
	}
	if rec == nil {
		return recordView{}, record.NotFound(slug)
	}
	return viewOf(rec), nil
}

// resolveRecord consumes one access and writes the payload to out. Redirect
// targets are written as a single line.
func resolveRecord(ctx context.Context, r *resolver.Resolver, slug string, out io.Writer) (*resolver.Resolution, error) {
	res, err := r.Resolve(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer res.Close()
	switch resp := res.Response.(type) {
	case *dispatch.FileStream:
		_, err = io.Copy(out, resp.Body)
	case *dispatch.Redirect:
		_, err = fmt.Fprintln(out, resp.Target)
	case *dispatch.Text:
		_, err = io.WriteString(out, resp.Content)
	default:
		err = fmt.Errorf("unexpected response %T", res.Response)
	}
	return res, err
}

func runInspectCmd(args []string) {
	fs := newFlagSet("inspect")
	fs.ParseArgs(args)
	slug := fs.slug()
	ctx, cancel := fs.commandContext()
	defer cancel()
	b, err := openBackends(ctx, fs.loadConfig())
	check(err)
	defer b.Close()
	view, err := inspectRecord(ctx, b.store, slug)
	check(err)
	printJSON(view)
}

func runDeleteCmd(args []string) {
	fs := newFlagSet("delete")
	fs.ParseArgs(args)
	slug := fs.slug()
	ctx, cancel := fs.commandContext()
	defer cancel()
	b, err := openBackends(ctx, fs.loadConfig())
	check(err)
	defer b.Close()
	view, err := deleteRecord(ctx, b.store, slug)
	check(err)
	printJSON(view)
}

func runResolveCmd(args []string) {
	fs := newFlagSet("resolve")
	outPath := fs.String("out", "", "write the payload to this file instead of stdout")
	fs.ParseArgs(args)
	slug := fs.slug()
	ctx, cancel := fs.commandContext()
	defer cancel()
	cfg := fs.loadConfig()
	b, err := openBackends(ctx, cfg)
	check(err)
	defer b.Close()

	var out io.Writer = os.Stdout
	if *outPath != "" {
		// #nosec G304 -- CLI writes to a path chosen by the operator.
		f, err := os.Create(*outPath)
		check(err)
		defer f.Close()
		out = f
	}
	r := resolver.New(b.store, dispatch.NewRenderer(b.content), resolver.Options{Timeout: cfg.BackendTimeout})
	res, err := resolveRecord(ctx, r, slug, out)
	check(err)
	if res.ConsumeErr != nil {
		fmt.Fprintf(os.Stderr, "warning: access not recorded: %v\n", res.ConsumeErr)
	}
}

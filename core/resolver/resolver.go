// Package resolver turns a slug into a deliverable response, consuming one
// access of bounded records.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stash/core/dispatch"
	"github.com/cordum/stash/core/events"
	"github.com/cordum/stash/core/infra/logging"
	"github.com/cordum/stash/core/infra/metrics"
	"github.com/cordum/stash/core/infra/records"
	"github.com/cordum/stash/core/record"
)

const (
	defaultTimeout = 2 * time.Second
	logComponent   = "resolver"
)

// Renderer maps payloads onto responses. *dispatch.Renderer satisfies it.
type Renderer interface {
	Render(ctx context.Context, data record.Data) (dispatch.Response, error)
}

// Resolution is a successful lookup. The caller must close Response.
type Resolution struct {
	Slug        string
	Kind        record.Kind
	Response    dispatch.Response
	Consumption records.Consumption
	// ConsumeErr is set when the access could not be recorded. The response is
	// still deliverable.
	ConsumeErr error
}

// Close releases the response stream.
func (r *Resolution) Close() error {
	if r == nil || r.Response == nil {
		return nil
	}
	return r.Response.Close()
}

// Options configures a Resolver. Zero values select no-op collaborators.
type Options struct {
	Metrics metrics.ResolverMetrics
	Events  events.Publisher
	// Timeout bounds each record store call.
	Timeout time.Duration
}

type Resolver struct {
	store    records.Store
	renderer Renderer
	metrics  metrics.ResolverMetrics
	events   events.Publisher
	timeout  time.Duration
}

func New(store records.Store, renderer Renderer, opts Options) *Resolver {
	r := &Resolver{
		store:    store,
		renderer: renderer,
		metrics:  opts.Metrics,
		events:   opts.Events,
		timeout:  opts.Timeout,
	}
	if r.metrics == nil {
		r.metrics = metrics.Noop{}
	}
	if r.events == nil {
		r.events = events.Noop{}
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	return r
}

// Resolve fetches slug, renders its payload and then records the access. The
// payload is opened before the access is recorded, so a file deleted on its last
// access is still streamed to the caller that took it. When another caller took
// the last access first, the rendered response is discarded and the slug is
// reported as not found.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*Resolution, error) {
	start := time.Now()
	res, err := r.resolve(ctx, slug)
	kind := ""
	if res != nil {
		kind = string(res.Kind)
	}
	r.metrics.ObserveResolve(kind, outcome(err), time.Since(start).Seconds())
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, slug string) (*Resolution, error) {
	rec, err := r.fetch(ctx, slug)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, record.NotFound(slug)
	}
	if err := record.Validate(rec.Data); err != nil {
		logging.Error(logComponent, "stored payload rejected", "slug", slug, "kind", rec.Data.Kind(), "error", err)
		return nil, fmt.Errorf("record %q: %w", slug, err)
	}

	resp, err := r.renderer.Render(ctx, rec.Data)
	if err != nil {
		if errors.Is(err, record.ErrPayloadMissing) {
			// The last access may have been taken, and the payload removed,
			// between our fetch and open.
			if again, ferr := r.fetch(ctx, slug); ferr == nil && again == nil {
				return nil, record.NotFound(slug)
			}
			logging.Warn(logComponent, "payload missing", "slug", slug)
		}
		return nil, fmt.Errorf("record %q: %w", slug, err)
	}

	res := &Resolution{Slug: slug, Kind: rec.Data.Kind(), Response: resp}
	cons, err := r.consume(ctx, rec)
	switch {
	case err == nil:
		res.Consumption = cons
	case errors.Is(err, record.ErrNotFound):
		_ = resp.Close()
		return nil, record.NotFound(slug)
	default:
		logging.Warn(logComponent, "access not recorded", "slug", slug, "error", err)
		r.metrics.IncConsumeFailure(outcome(err))
		res.ConsumeErr = err
		return res, nil
	}

	if cons.Deleted {
		r.metrics.IncExhausted(string(res.Kind))
	}
	r.publish(ctx, res)
	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, slug string) (*record.Record, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rec, err := r.store.Fetch(cctx, slug)
	return rec, r.timeoutErr(ctx, "fetch", err)
}

func (r *Resolver) consume(ctx context.Context, rec *record.Record) (records.Consumption, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cons, err := r.store.Consume(cctx, rec)
	return cons, r.timeoutErr(ctx, "consume", err)
}

// timeoutErr reports our own deadline as a backend failure while leaving the
// caller's cancellation and deadline untouched.
func (r *Resolver) timeoutErr(parent context.Context, op string, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, record.ErrBackendUnavailable) {
		return record.Unavailable(op, err)
	}
	return err
}

func (r *Resolver) publish(ctx context.Context, res *Resolution) {
	typ := events.TypeConsumed
	if res.Consumption.Deleted {
		typ = events.TypeExhausted
	}
	ev := events.New(typ, res.Slug, res.Kind)
	ev.Remaining = res.Consumption.Remaining
	ev.Unlimited = res.Consumption.Unlimited
	if err := r.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logging.Debug(logComponent, "event publish failed", "slug", res.Slug, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeDelivered
	case errors.Is(err, record.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, record.ErrBackendUnavailable):
		return metrics.OutcomeUnavailable
	case errors.Is(err, record.ErrPayloadMissing):
		return metrics.OutcomeMissing
	case errors.Is(err, record.ErrMalformedName), errors.Is(err, record.ErrMalformedTarget), errors.Is(err, record.ErrMalformedRecord):
		return metrics.OutcomeMalformed
	default:
		return "error"
	}
}

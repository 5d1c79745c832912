package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/stash/core/dispatch"
	"github.com/cordum/stash/core/events"
	"github.com/cordum/stash/core/infra/buildinfo"
	"github.com/cordum/stash/core/infra/logging"
	"github.com/cordum/stash/core/record"
)

const requestIDHeader = "X-Request-ID"

var conditionalHeaders = []string{"If-Match", "If-None-Match", "If-Modified-Since", "If-Unmodified-Since"}

// handleSlug dispatches on method. HEAD must not spend an access.
func (s *server) handleSlug(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleResolve(w, r)
	case http.MethodHead:
		s.handleProbe(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	res, err := s.resolver.Resolve(r.Context(), slug)
	if err != nil {
		writeResolveError(w, r, slug, err)
		return
	}
	defer res.Close()

	w.Header().Set("Cache-Control", "no-store")
	switch resp := res.Response.(type) {
	case *dispatch.FileStream:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", resp.Disposition)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if rs, ok := resp.Body.(io.ReadSeeker); ok {
			// The access is already spent, so never answer 304 or 412.
			for _, h := range conditionalHeaders {
				r.Header.Del(h)
			}
			http.ServeContent(w, r, "", resp.ModTime, rs)
			return
		}
		if resp.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(resp.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logging.Warn(logComponent, "file stream interrupted", "slug", slug, "request_id", requestID(r), "error", err)
		}
	case *dispatch.Redirect:
		http.Redirect(w, r, resp.Target, http.StatusSeeOther)
	case *dispatch.Text:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Content)))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, resp.Content)
	default:
		logging.Error(logComponent, "unexpected response type", "slug", slug, "type", fmt.Sprintf("%T", res.Response))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleProbe answers HEAD without recording an access.
func (s *server) handleProbe(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	rec, err := s.store.Fetch(ctx, slug)
	if err == nil && rec == nil {
		err = record.NotFound(slug)
	}
	if err != nil {
		writeResolveError(w, r, slug, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// writeResolveError maps lookup failures onto status codes. Bodies stay generic
// so stored paths and backend details never reach the client.
func writeResolveError(w http.ResponseWriter, r *http.Request, slug string, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, record.ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		delay, ok := record.RetryDelay(err)
		if !ok {
			delay = time.Second
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
		logging.Warn(logComponent, "backend unavailable", "slug", slug, "request_id", requestID(r), "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, record.ErrPayloadMissing):
		http.Error(w, "gone", http.StatusGone)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		logging.Error(logComponent, "resolve failed", "slug", slug, "request_id", requestID(r), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}

	backendOK := false
	backendErr := ""
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	err := s.store.Ping(ctx)
	cancel()
	if err != nil {
		backendErr = err.Error()
	} else {
		backendOK = true
	}

	eventsEnabled := false
	eventsConnected := false
	if nb, ok := s.events.(*events.NatsPublisher); ok {
		eventsEnabled = true
		eventsConnected = nb.Connected()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"build":          buildinfo.Current(),
		"backend": map[string]any{
			"kind":  s.backend,
			"ok":    backendOK,
			"error": backendErr,
		},
		"events": map[string]any{
			"enabled":   eventsEnabled,
			"connected": eventsConnected,
		},
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrumented wraps handlers to record metrics and tag the request.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

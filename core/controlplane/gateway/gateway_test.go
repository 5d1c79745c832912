package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/stash/core/dispatch"
	"github.com/cordum/stash/core/infra/content"
	"github.com/cordum/stash/core/infra/records"
	"github.com/cordum/stash/core/record"
)

type testGateway struct {
	mr    *miniredis.Miniredis
	store *records.RedisStore
	dir   string
	reg   *prometheus.Registry
}

func newTestGateway(t *testing.T) (*server, *testGateway) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	dir := t.TempDir()
	cs, err := content.NewFSStore(dir)
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	store, err := records.NewRedisStore(client, records.RedisOptions{Remover: cs})
	if err != nil {
		t.Fatalf("record store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := prometheus.NewRegistry()
	s := newServer(store, dispatch.NewRenderer(cs), nil, serverOptions{Registerer: reg, Gatherer: reg})
	return s, &testGateway{mr: mr, store: store, dir: dir, reg: reg}
}

func (g *testGateway) put(t *testing.T, rec *record.Record) {
	t.Helper()
	if err := g.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("put %s: %v", rec.Slug, err)
	}
}

func (g *testGateway) writeFile(t *testing.T, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(g.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func serve(s *server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	s, _ := newTestGateway(t)
	rr := serve(s, http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.metricsRoutes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected metrics health response %d %q", rr.Code, rr.Body.String())
	}
}

func TestHealthSlugIsARecord(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "health", Data: record.Paste{Body: "a record named health"}, RemainingAccesses: record.Accesses(1)})

	rr := serve(s, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "a record named health" {
		t.Fatalf("expected record delivery, got %d %q", rr.Code, rr.Body.String())
	}
	if rr := serve(s, http.MethodGet, "/health", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after last access, got %d", rr.Code)
	}
}

func TestSlugMethodNotAllowed(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "keep", Data: record.Paste{Body: "x"}, RemainingAccesses: record.Accesses(1)})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rr := serve(s, method, "/keep", nil)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", method, rr.Code)
		}
		if allow := rr.Header().Get("Allow"); allow != "GET, HEAD" {
			t.Fatalf("%s: unexpected Allow %q", method, allow)
		}
	}
	if got := g.mr.HGet("stash:rec:keep", record.FieldRemaining); got != "1" {
		t.Fatalf("rejected methods must not consume, remaining=%q", got)
	}
}

func TestResolvePasteSingleUse(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "abc123", Data: record.Paste{Body: "hello"}, RemainingAccesses: record.Accesses(1)})

	rr := serve(s, http.MethodGet, "/abc123", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store")
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	rr = serve(s, http.MethodGet, "/abc123", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after last access, got %d", rr.Code)
	}
}

func TestResolveFileAttachment(t *testing.T) {
	s, g := newTestGateway(t)
	payload := []byte("%PDF-1.7 quarterly numbers")
	g.writeFile(t, "reports/q3.bin", payload)
	g.put(t, &record.Record{Slug: "dl1", Data: record.File{Path: "reports/q3.bin", Name: "report.pdf"}})

	rr := serve(s, http.MethodGet, "/dl1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != "attachment; filename=report.pdf" {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if strings.Contains(rr.Header().Get("Content-Disposition"), "q3.bin") {
		t.Fatalf("stored path leaked")
	}

	rr = serve(s, http.MethodGet, "/dl1", http.Header{"Range": {"bytes=0-3"}})
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rr.Code)
	}
	if rr.Body.String() != "%PDF" {
		t.Fatalf("unexpected range body %q", rr.Body.String())
	}
}

func TestResolveFileIgnoresConditionalHeaders(t *testing.T) {
	s, g := newTestGateway(t)
	payload := []byte("one shot")
	g.writeFile(t, "blobs/once.bin", payload)
	g.put(t, &record.Record{Slug: "cond", Data: record.File{Path: "blobs/once.bin", Name: "once.bin"}, RemainingAccesses: record.Accesses(1)})

	future := time.Now().Add(24 * time.Hour).UTC().Format(http.TimeFormat)
	rr := serve(s, http.MethodGet, "/cond", http.Header{
		"If-None-Match":     {"*"},
		"If-Modified-Since": {future},
		"If-Match":          {`"nope"`},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("expected full payload, got %q", rr.Body.String())
	}
	if rr := serve(s, http.MethodGet, "/cond", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after last access, got %d", rr.Code)
	}
}

func TestResolveRedirect(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "go", Data: record.URL{Target: "https://example.com/landing?x=1"}, RemainingAccesses: record.Accesses(2)})

	rr := serve(s, http.MethodGet, "/go", nil)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "https://example.com/landing?x=1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if got := g.mr.HGet("stash:rec:go", record.FieldRemaining); got != "1" {
		t.Fatalf("expected remaining 1, got %q", got)
	}
}

func TestHeadDoesNotConsume(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "once", Data: record.Paste{Body: "secret"}, RemainingAccesses: record.Accesses(1)})

	for i := 0; i < 3; i++ {
		rr := serve(s, http.MethodHead, "/once", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("head %d: expected 200, got %d", i, rr.Code)
		}
		if rr.Body.Len() != 0 {
			t.Fatalf("head must not carry a body")
		}
	}
	rr := serve(s, http.MethodGet, "/once", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "secret" {
		t.Fatalf("expected delivery after probes, got %d %q", rr.Code, rr.Body.String())
	}
	if rr := serve(s, http.MethodHead, "/once", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 probe after last access, got %d", rr.Code)
	}
}

func TestResolveErrorMapping(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "lost", Data: record.File{Path: "gone/blob.bin", Name: "blob.bin"}, RemainingAccesses: record.Accesses(3)})
	g.mr.HSet("stash:rec:evil", record.FieldKind, string(record.KindURL), record.FieldTarget, "javascript:alert(1)")
	g.mr.HSet("stash:rec:badname", record.FieldKind, string(record.KindFile), record.FieldPath, "/srv/private/key.pem", record.FieldName, "a\r\nSet-Cookie: x=1")

	cases := []struct {
		name   string
		slug   string
		status int
	}{
		{name: "absent", slug: "nope", status: http.StatusNotFound},
		{name: "payload missing", slug: "lost", status: http.StatusGone},
		{name: "malformed target", slug: "evil", status: http.StatusInternalServerError},
		{name: "malformed name", slug: "badname", status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(s, http.MethodGet, "/"+tc.slug, nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := rr.Body.String()
			if strings.Contains(body, "/srv/private") || strings.Contains(body, "gone/blob.bin") {
				t.Fatalf("stored path leaked in %q", body)
			}
		})
	}

	if got := g.mr.HGet("stash:rec:lost", record.FieldRemaining); got != "3" {
		t.Fatalf("missing payload must not consume, remaining=%q", got)
	}
}

func TestResolveBackendDown(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "abc123", Data: record.Paste{Body: "hello"}})
	g.mr.Close()

	rr := serve(s, http.MethodGet, "/abc123", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestStatus(t *testing.T) {
	s, g := newTestGateway(t)
	rr := serve(s, http.MethodGet, "/api/v1/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Build struct {
			Version string `json:"version"`
		} `json:"build"`
		Backend struct {
			Kind string `json:"kind"`
			OK   bool   `json:"ok"`
		} `json:"backend"`
		Events struct {
			Enabled bool `json:"enabled"`
		} `json:"events"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Backend.Kind != "redis" || !body.Backend.OK {
		t.Fatalf("unexpected backend status %+v", body.Backend)
	}
	if body.Build.Version == "" || body.Events.Enabled {
		t.Fatalf("unexpected status %+v", body)
	}

	g.mr.Close()
	rr = serve(s, http.MethodGet, "/api/v1/status", nil)
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Backend.OK {
		t.Fatalf("expected backend down")
	}
}

func TestRequestMetricsAndID(t *testing.T) {
	s, g := newTestGateway(t)
	g.put(t, &record.Record{Slug: "m1", Data: record.Paste{Body: "x"}})

	rr := serve(s, http.MethodGet, "/m1", http.Header{requestIDHeader: {"req-42"}})
	if got := rr.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	_ = serve(s, http.MethodGet, "/missing", nil)

	count, err := testutil.GatherAndCount(g.reg, "stash_http_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 200 and 404 series, got %d", count)
	}
	if count, err := testutil.GatherAndCount(g.reg, "stash_resolves_total"); err != nil || count != 2 {
		t.Fatalf("expected resolver series, count=%d err=%v", count, err)
	}
}

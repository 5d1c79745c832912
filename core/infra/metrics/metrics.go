package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolve outcomes reported by the resolver.
const (
	OutcomeDelivered   = "delivered"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeMissing     = "payload_missing"
	OutcomeMalformed   = "malformed"
)

// ResolverMetrics captures per-resolution counters for the resolver.
type ResolverMetrics interface {
	ObserveResolve(kind, outcome string, durationSeconds float64)
	IncConsumeFailure(reason string)
	IncExhausted(kind string)
}

// GatewayMetrics captures request metrics for the HTTP front end.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveResolve(string, string, float64)         {}
func (Noop) IncConsumeFailure(string)                       {}
func (Noop) IncExhausted(string)                            {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// ResolverProm implements ResolverMetrics backed by Prometheus collectors.
type ResolverProm struct {
	resolves        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	consumeFailures *prometheus.CounterVec
	exhausted       *prometheus.CounterVec
}

// NewResolverProm registers resolver collectors on reg, or on the default
// registerer when reg is nil.
func NewResolverProm(reg prometheus.Registerer, namespace string) *ResolverProm {
	p := &ResolverProm{
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Slug resolutions by record kind and outcome",
		}, []string{"kind", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Slug resolution latency by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		consumeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_failures_total",
			Help:      "Deliveries whose access count could not be recorded",
		}, []string{"reason"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_exhausted_total",
			Help:      "Records deleted after their last permitted access",
		}, []string{"kind"}),
	}
	registerer(reg).MustRegister(p.resolves, p.latency, p.consumeFailures, p.exhausted)
	return p
}

func (p *ResolverProm) ObserveResolve(kind, outcome string, durationSeconds float64) {
	if kind == "" {
		kind = "unknown"
	}
	p.resolves.WithLabelValues(kind, outcome).Inc()
	p.latency.WithLabelValues(outcome).Observe(durationSeconds)
}

func (p *ResolverProm) IncConsumeFailure(reason string) {
	p.consumeFailures.WithLabelValues(reason).Inc()
}

func (p *ResolverProm) IncExhausted(kind string) {
	p.exhausted.WithLabelValues(kind).Inc()
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(reg prometheus.Registerer, namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	registerer(reg).MustRegister(g.requests, g.latency)
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics over g, or over the default
// gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}

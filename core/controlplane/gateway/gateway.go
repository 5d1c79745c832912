// Package gateway serves stash records over HTTP and reports liveness over gRPC.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cordum/stash/core/dispatch"
	"github.com/cordum/stash/core/events"
	"github.com/cordum/stash/core/infra/config"
	"github.com/cordum/stash/core/infra/content"
	"github.com/cordum/stash/core/infra/logging"
	infraMetrics "github.com/cordum/stash/core/infra/metrics"
	"github.com/cordum/stash/core/infra/records"
	"github.com/cordum/stash/core/resolver"
)

const (
	logComponent     = "stash-server"
	metricsNamespace = "stash"
	shutdownTimeout  = 10 * time.Second
)

type server struct {
	resolver *resolver.Resolver
	store    records.Store
	events   events.Publisher
	metrics  infraMetrics.GatewayMetrics
	health   *health.Server
	gatherer prometheus.Gatherer
	backend  string
	timeout  time.Duration
	started  time.Time
}

// Run wires the configured backends and serves until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	logging.Configure(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))

	contentStore, err := content.New(ctx, cfg.Content)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	if c, ok := contentStore.(io.Closer); ok {
		defer c.Close()
	}

	store, err := records.Open(ctx, cfg, contentStore)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.NatsURL != "" {
		nb, err := events.NewNatsPublisher(cfg.Events.NatsURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		publisher = nb
	}
	defer publisher.Close()

	s := newServer(store, dispatch.NewRenderer(contentStore), publisher, serverOptions{
		Backend:    cfg.Backend,
		Timeout:    cfg.BackendTimeout,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc (%s): %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)
	reflection.Register(grpcServer)
	go func() {
		logging.Info(logComponent, "grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logging.Error(logComponent, "grpc server error", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	go s.watchHealth(ctx, cfg.HealthInterval)

	return startHTTPServer(ctx, s, cfg.HTTPAddr, cfg.MetricsAddr)
}

type serverOptions struct {
	Backend    string
	Timeout    time.Duration
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func newServer(store records.Store, renderer resolver.Renderer, publisher events.Publisher, opts serverOptions) *server {
	if publisher == nil {
		publisher = events.Noop{}
	}
	s := &server{
		store:    store,
		events:   publisher,
		metrics:  infraMetrics.NewGatewayProm(opts.Registerer, metricsNamespace),
		health:   health.NewServer(),
		gatherer: opts.Gatherer,
		backend:  opts.Backend,
		timeout:  opts.Timeout,
		started:  time.Now().UTC(),
	}
	if s.backend == "" {
		s.backend = config.BackendRedis
	}
	if s.timeout <= 0 {
		s.timeout = config.Default().BackendTimeout
	}
	s.resolver = resolver.New(store, renderer, resolver.Options{
		Metrics: infraMetrics.NewResolverProm(opts.Registerer, metricsNamespace),
		Events:  publisher,
		Timeout: s.timeout,
	})
	return s
}

// routes keeps every fixed endpoint under /api/ so no slug is shadowed.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))
	mux.HandleFunc("/{slug}", s.instrumented("/{slug}", s.handleSlug))
	return mux
}

// metricsRoutes serves scrapes and liveness on the operator listener.
func (s *server) metricsRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler(s.gatherer))
	mux.HandleFunc("GET /health", handleHealth)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// startHTTPServer binds both listeners before serving so bad addresses fail fast.
func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsLis, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("listen metrics (%s): %w", metricsAddr, err)
	}
	lis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		_ = metricsLis.Close()
		return fmt.Errorf("listen http (%s): %w", httpAddr, err)
	}

	metricsSrv := &http.Server{
		Handler:      s.metricsRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(logComponent, "metrics listening", "addr", metricsLis.Addr().String()+"/metrics")
		if err := metricsSrv.Serve(metricsLis); err != nil && err != http.ErrServerClosed {
			logging.Error(logComponent, "metrics server error", "error", err)
		}
	}()

	// No WriteTimeout: file payloads stream for as long as the client reads.
	srv := &http.Server{
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(logComponent, "http listening", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if err != nil && err != http.ErrServerClosed {
			logging.Error(logComponent, "http server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info(logComponent, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

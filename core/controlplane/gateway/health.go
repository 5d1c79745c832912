package gateway

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cordum/stash/core/infra/logging"
)

// ResolverService is the gRPC health service name for the record lookup path.
const ResolverService = "stash.Resolver"

const defaultHealthInterval = 10 * time.Second

// refreshHealth pings the backend once and publishes the result for both the
// server-wide ("") and resolver service names.
func (s *server) refreshHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := s.store.Ping(pingCtx)
	cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		logging.Warn(logComponent, "backend ping failed", "backend", s.backend, "error", err)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ResolverService, status)
	return status
}

func (s *server) watchHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	s.refreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.refreshHealth(ctx)
		}
	}
}

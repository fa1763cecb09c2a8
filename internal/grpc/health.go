package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-sync/internal/observability"
)

// ServiceName is the health service key reported for the sync engine.
const ServiceName = "chat-sync"

const defaultProbeInterval = 5 * time.Second

// Checker reports whether the process can still serve fresh data.
type Checker interface {
	Healthy() bool
}

// HealthServer exposes grpc.health.v1 with a status that follows the
// engine's feed health.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	checker  Checker
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthServer builds the gRPC server; call Serve to start it.
func NewHealthServer(checker Checker, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: hs, checker: checker, interval: interval, logger: logger}
}

// Probe updates the serving status once and returns it.
func (s *HealthServer) Probe() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.checker.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
	return status
}

// Watch probes the checker until ctx is done.
func (s *HealthServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	last := s.Probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status := s.Probe(); status != last {
				s.logger.Info("health status changed", zap.String("status", status.String()))
				last = status
			}
		}
	}
}

// Serve blocks accepting connections on lis.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks the service not serving and drains connections.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Package health serves the standard gRPC health protocol for the router.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "sandbox.Router"

const (
	defaultCheckInterval = 5 * time.Second
	defaultCheckTimeout  = 3 * time.Second
)

// Forwarders reports whether every service port is listening.
type Forwarders interface {
	Running() bool
}

// Pinger is implemented by the container runtime.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes grpc.health.v1 and keeps its status in sync with the
// forwarders and the container runtime.
type Server struct {
	grpc       *grpc.Server
	health     *health.Server
	forwarders Forwarders
	runtime    Pinger
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// NewServer creates a health server. Status starts as NOT_SERVING until the
// first check.
func NewServer(forwarders Forwarders, runtime Pinger, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpc:       gs,
		health:     hs,
		forwarders: forwarders,
		runtime:    runtime,
		interval:   interval,
		timeout:    min(interval, defaultCheckTimeout),
		logger:     logger,
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts gRPC connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Run re-evaluates health every interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check evaluates health once and publishes the result.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING

	if !s.forwarders.Running() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.runtime.Ping(pingCtx)
		cancel()
		if err != nil {
			s.logger.Warn("Container runtime unreachable", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	s.set(status)
	return status
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

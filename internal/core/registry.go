package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter mirrors plugin health into the gRPC health service. Each
// plugin is a service named after its id; the empty service name is the
// overall status and is SERVING only when every plugin is healthy or
// degraded.
type HealthReporter struct {
	server  *health.Server
	plugins []Plugin
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]HealthStatus
}

func NewHealthReporter(plugins []Plugin, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthReporter{
		server:  health.NewServer(),
		plugins: plugins,
		logger:  logger,
		last:    make(map[string]HealthStatus),
	}
}

// Server is the grpc health implementation to register.
func (r *HealthReporter) Server() *health.Server {
	return r.server
}

// Sync publishes the current health of every plugin.
func (r *HealthReporter) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for _, plugin := range r.plugins {
		status := plugin.Health()
		if prev, ok := r.last[plugin.ID()]; !ok || prev != status {
			r.logger.Info("plugin health changed",
				slog.String("plugin", plugin.ID()),
				slog.String("status", string(status)),
				slog.String("message", plugin.HealthMessage()),
			)
			r.last[plugin.ID()] = status
		}
		serving := servingStatus(status)
		if serving != healthpb.HealthCheckResponse_SERVING {
			overall = serving
		}
		r.server.SetServingStatus(plugin.ID(), serving)
	}
	r.server.SetServingStatus("", overall)
}

// Run syncs on every interval until ctx is done, then marks every
// service NOT_SERVING.
func (r *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	r.Sync()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.Sync()
		}
	}
}

func servingStatus(status HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case HealthHealthy, HealthDegraded:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

package core

import (
	"context"
	"testing"

	"github.com/joshp123/automower/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	health        HealthStatus
	healthMessage string
}

func (s *stubPlugin) ID() string { return s.id }

func (s *stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
	}
}

func (s *stubPlugin) OAuthDeclaration() oauth.Declaration {
	return oauth.Declaration{Provider: s.id}
}

func (s *stubPlugin) Collectors() []prometheus.Collector { return nil }

func (s *stubPlugin) Health() HealthStatus { return s.health }

func (s *stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) *stubPlugin {
	return &stubPlugin{
		id:      id,
		name:    "Demo",
		version: "0.1.0",
		health:  HealthHealthy,
	}
}

func checkStatus(t *testing.T, reporter *HealthReporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := reporter.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error: %v", service, err)
	}
	return resp.Status
}

func TestHealthReporterSync(t *testing.T) {
	plugin := newStubPlugin("demo")
	reporter := NewHealthReporter([]Plugin{plugin}, nil)
	reporter.Sync()

	if got := checkStatus(t, reporter, "demo"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", got)
	}

	plugin.health = HealthDegraded
	reporter.Sync()
	if got := checkStatus(t, reporter, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("degraded plugin should keep overall SERVING, got %s", got)
	}

	plugin.health = HealthError
	reporter.Sync()
	if got := checkStatus(t, reporter, "demo"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", got)
	}
	if got := checkStatus(t, reporter, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected overall NOT_SERVING, got %s", got)
	}
}

func TestValidatePlugins(t *testing.T) {
	if err := ValidatePlugins([]Plugin{newStubPlugin("demo")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}); err == nil {
		t.Fatalf("expected error for duplicate plugin")
	}
	if err := ValidatePlugins([]Plugin{newStubPlugin("Bad-ID")}); err == nil {
		t.Fatalf("expected error for invalid id")
	}

	unversioned := newStubPlugin("demo")
	unversioned.version = ""
	if err := ValidatePlugins([]Plugin{unversioned}); err == nil {
		t.Fatalf("expected error for missing version")
	}
}

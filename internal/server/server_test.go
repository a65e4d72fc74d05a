package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joshp123/automower/internal/core"
	"github.com/joshp123/automower/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type stubPlugin struct {
	health core.HealthStatus
	gauge  prometheus.Gauge
}

func (s *stubPlugin) ID() string { return "demo" }

func (s *stubPlugin) Manifest() core.Manifest {
	return core.Manifest{PluginID: "demo", DisplayName: "Demo", Version: "0.1.0"}
}

func (s *stubPlugin) OAuthDeclaration() oauth.Declaration { return oauth.Declaration{Provider: "demo"} }

func (s *stubPlugin) Collectors() []prometheus.Collector { return []prometheus.Collector{s.gauge} }

func (s *stubPlugin) Health() core.HealthStatus { return s.health }

func (s *stubPlugin) HealthMessage() string { return "demo message" }

func (s *stubPlugin) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /demo", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "demo")
	})
}

func newStub() *stubPlugin {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gohome_demo_value", Help: "Demo value"})
	gauge.Set(7)
	return &stubPlugin{health: core.HealthHealthy, gauge: gauge}
}

func TestMuxRoutes(t *testing.T) {
	plugin := newStub()
	plugins := []core.Plugin{plugin}
	server := httptest.NewServer(NewMux(plugins, core.MetricsRegistry(plugins)))
	defer server.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status, body := get("/health")
	if status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	var report struct {
		Plugins []pluginHealth `json:"plugins"`
	}
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if len(report.Plugins) != 1 || report.Plugins[0].Status != "HEALTHY" || report.Plugins[0].Message != "demo message" {
		t.Fatalf("unexpected health report: %+v", report)
	}

	if status, body := get("/metrics"); status != http.StatusOK || !strings.Contains(body, "gohome_demo_value 7") {
		t.Fatalf("unexpected metrics response %d: %s", status, body)
	}
	if status, body := get("/demo"); status != http.StatusOK || body != "demo" {
		t.Fatalf("plugin handler not registered: %d %s", status, body)
	}

	plugin.health = core.HealthError
	if status, _ := get("/health"); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for errored plugin, got %d", status)
	}
}

func TestGRPCServerServesHealth(t *testing.T) {
	healthServer := health.NewServer()
	healthServer.SetServingStatus("automower", healthpb.HealthCheckResponse_SERVING)

	srv, err := NewGRPCServer("127.0.0.1:0", healthServer)
	if err != nil {
		t.Fatalf("NewGRPCServer: %v", err)
	}
	go func() { _ = srv.Serve() }()
	defer srv.Stop()

	conn, err := grpc.NewClient(srv.Listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: "automower"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
}

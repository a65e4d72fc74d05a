package core

import (
	"net/http"

	"github.com/joshp123/automower/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthStatus represents plugin health states for health reporting.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthError    HealthStatus = "ERROR"
)

// Manifest describes a plugin for discovery and health reporting.
type Manifest struct {
	PluginID    string
	DisplayName string
	Version     string
}

// Plugin is the compile-time contract for host plugins.
type Plugin interface {
	ID() string
	Manifest() Manifest
	OAuthDeclaration() oauth.Declaration
	Collectors() []prometheus.Collector
	Health() HealthStatus
	HealthMessage() string
}

// HTTPRegistrant allows plugins to expose HTTP handlers.
type HTTPRegistrant interface {
	RegisterHTTP(*http.ServeMux)
}

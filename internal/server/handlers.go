package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/automower/internal/core"
)

type pluginHealth struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthHandler reports plugin health. It answers 503 when any plugin is in
// the ERROR state so liveness probes can restart a halted host.
func HealthHandler(plugins []core.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		report := make([]pluginHealth, 0, len(plugins))
		for _, plugin := range plugins {
			health := plugin.Health()
			if health == core.HealthError {
				status = http.StatusServiceUnavailable
			}
			report = append(report, pluginHealth{
				ID:      plugin.ID(),
				Status:  string(health),
				Message: plugin.HealthMessage(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"plugins": report})
	}
}

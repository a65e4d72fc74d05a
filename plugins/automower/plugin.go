package automower

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joshp123/automower/internal/core"
	"github.com/joshp123/automower/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
)

// Plugin implements the host plugin contract over a Session.
type Plugin struct {
	session   *Session
	statePath string
}

func NewPlugin(session *Session, statePath string) Plugin {
	return Plugin{session: session, statePath: statePath}
}

func (p Plugin) ID() string {
	return "automower"
}

func (p Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    "automower",
		DisplayName: "Husqvarna Automower",
		Version:     "0.1.0",
	}
}

func (p Plugin) OAuthDeclaration() oauth.Declaration {
	return oauth.Declaration{
		Provider:     Provider,
		Flow:         oauth.FlowPassword,
		AuthorizeURL: DefaultAuthorizeURL,
		TokenURL:     p.session.cfg.TokenURL,
		StatePath:    p.statePath,
	}
}

func (p Plugin) Collectors() []prometheus.Collector {
	collectors := []prometheus.Collector{NewMetricsCollector(p.session)}
	return append(collectors, SessionCollectors()...)
}

func (p Plugin) Health() core.HealthStatus {
	return p.session.Health()
}

func (p Plugin) HealthMessage() string {
	return p.session.HealthMessage()
}

// RegisterHTTP serves the snapshot at /mowers, one mower at /mowers/{id}
// and accepts a CommandRequest at /mowers/{id}/command.
func (p Plugin) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /mowers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, p.session.Data())
	})
	mux.HandleFunc("GET /mowers/{id}", func(w http.ResponseWriter, r *http.Request) {
		attrs, ok := p.session.Mower(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownMower.Error()})
			return
		}
		writeJSON(w, http.StatusOK, attrs)
	})
	mux.HandleFunc("POST /mowers/{id}/command", p.handleCommand)
}

func (p Plugin) handleCommand(w http.ResponseWriter, r *http.Request) {
	mowerID := r.PathValue("id")
	result := CommandResult{MowerID: mowerID}
	if _, ok := p.session.Mower(mowerID); !ok {
		result.Error = ErrUnknownMower.Error()
		writeJSON(w, http.StatusNotFound, result)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		result.Error = "decode request: " + err.Error()
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	result.ID = req.ID
	result.Command = req.Name()

	cmd, err := req.Build()
	if err != nil {
		result.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	if err := p.session.Send(r.Context(), mowerID, cmd); err != nil {
		result.Error = err.Error()
		writeJSON(w, commandStatus(err), result)
		return
	}
	result.OK = true
	writeJSON(w, http.StatusOK, result)
}

func commandStatus(err error) int {
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

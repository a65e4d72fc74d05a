package oauth

import "github.com/prometheus/client_golang/prometheus"

var (
	tokenValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gohome_oauth_token_valid",
			Help: "OAuth access token held in the store (1=yes, 0=no)",
		},
		[]string{"provider"},
	)
	tokenExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gohome_oauth_token_expiry_timestamp_seconds",
			Help: "Absolute expiry of the current access token",
		},
		[]string{"provider"},
	)
	persistFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohome_oauth_persist_failure_total",
			Help: "Failed writes of the local token state file",
		},
		[]string{"provider"},
	)
	remotePersistOK = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gohome_oauth_remote_persist_ok",
			Help: "Remote blob persistence health (1=ok, 0=error)",
		},
		[]string{"provider"},
	)
	clientMismatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohome_oauth_client_mismatch_total",
			Help: "Persisted state ignored because it belongs to another client_id",
		},
		[]string{"provider"},
	)
)

// MetricsCollectors returns collectors for the shared OAuth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		tokenValid,
		tokenExpiry,
		persistFailure,
		remotePersistOK,
		clientMismatch,
	}
}

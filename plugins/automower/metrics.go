package automower

import (
	"github.com/joshp123/automower/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pollTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gohome_automower_polls_total",
		Help: "Mower list fetches by result",
	}, []string{"result"})
	pushEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gohome_automower_push_events_total",
		Help: "Push events by outcome (applied, stale, unknown_mower, invalid)",
	}, []string{"result"})
	pushReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gohome_automower_push_reconnects_total",
		Help: "Push channel reconnect attempts",
	})
	refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gohome_automower_token_refresh_total",
		Help: "Token refreshes by result",
	}, []string{"result"})
	commandTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gohome_automower_commands_total",
		Help: "Mower commands by kind and result",
	}, []string{"kind", "result"})
)

// SessionCollectors exposes the package-level session counters.
func SessionCollectors() []prometheus.Collector {
	return []prometheus.Collector{pollTotal, pushEvents, pushReconnects, refreshTotal, commandTotal}
}

// MetricsCollector renders the current snapshot as gauges on each scrape.
type MetricsCollector struct {
	session *Session

	sessionHealthy prometheus.Gauge
	pushOpen       prometheus.Gauge

	batteryPercent  *prometheus.GaugeVec
	connected       *prometheus.GaugeVec
	state           *prometheus.GaugeVec
	activity        *prometheus.GaugeVec
	errorCode       *prometheus.GaugeVec
	cuttingHeight   *prometheus.GaugeVec
	nextStart       *prometheus.GaugeVec
	statusTimestamp *prometheus.GaugeVec
	chargingCycles  *prometheus.GaugeVec
	collisions      *prometheus.GaugeVec
	chargingTime    *prometheus.GaugeVec
	cuttingTime     *prometheus.GaugeVec
	runningTime     *prometheus.GaugeVec
	searchingTime   *prometheus.GaugeVec
}

func NewMetricsCollector(session *Session) *MetricsCollector {
	labels := []string{"mower_id", "mower_name", "model"}
	stateLabels := []string{"mower_id", "mower_name", "model", "state"}
	activityLabels := []string{"mower_id", "mower_name", "model", "activity"}
	gauge := func(name, help string, labels []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	}
	return &MetricsCollector{
		session: session,
		sessionHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_automower_session_healthy",
			Help: "Session connected and push channel open (1=ok, 0=degraded or halted)",
		}),
		pushOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_automower_push_open",
			Help: "Push channel open (1=open)",
		}),
		batteryPercent:  gauge("gohome_automower_battery_percent", "Battery percentage (0-100)", labels),
		connected:       gauge("gohome_automower_connected", "Mower connected to the cloud (1=connected)", labels),
		state:           gauge("gohome_automower_state", "Mower state (label), absent while disconnected", stateLabels),
		activity:        gauge("gohome_automower_activity", "Mower activity (label), absent while disconnected", activityLabels),
		errorCode:       gauge("gohome_automower_error_code", "Mower error code (0=none)", labels),
		cuttingHeight:   gauge("gohome_automower_cutting_height", "Cutting height level (1-9), absent on unsupported models", labels),
		nextStart:       gauge("gohome_automower_next_start_timestamp_seconds", "Next scheduled start (unix seconds)", labels),
		statusTimestamp: gauge("gohome_automower_status_timestamp_seconds", "Last status update from the mower (unix seconds)", labels),
		chargingCycles:  gauge("gohome_automower_charging_cycles", "Total charging cycles", labels),
		collisions:      gauge("gohome_automower_collisions", "Total collisions", labels),
		chargingTime:    gauge("gohome_automower_charging_time_seconds", "Total charging time (seconds)", labels),
		cuttingTime:     gauge("gohome_automower_cutting_time_seconds", "Total cutting time (seconds)", labels),
		runningTime:     gauge("gohome_automower_running_time_seconds", "Total running time (seconds)", labels),
		searchingTime:   gauge("gohome_automower_searching_time_seconds", "Total searching time (seconds)", labels),
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.batteryPercent, c.connected, c.state, c.activity, c.errorCode, c.cuttingHeight,
		c.nextStart, c.statusTimestamp, c.chargingCycles, c.collisions, c.chargingTime,
		c.cuttingTime, c.runningTime, c.searchingTime,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.sessionHealthy.Describe(ch)
	c.pushOpen.Describe(ch)
	for _, vec := range c.vecs() {
		vec.Describe(ch)
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.session.Health() == core.HealthHealthy {
		c.sessionHealthy.Set(1)
	} else {
		c.sessionHealthy.Set(0)
	}
	if c.session.PushState() == PushOpen {
		c.pushOpen.Set(1)
	} else {
		c.pushOpen.Set(0)
	}
	for _, vec := range c.vecs() {
		vec.Reset()
	}

	snapshot := c.session.Data()
	for _, id := range snapshot.IDs() {
		attrs := snapshot[id]
		labels := prometheus.Labels{
			"mower_id":   id,
			"mower_name": attrs.System.Name,
			"model":      attrs.System.Model,
		}
		c.batteryPercent.With(labels).Set(float64(attrs.Battery.BatteryPercent))
		if attrs.Metadata.Connected {
			c.connected.With(labels).Set(1)
		} else {
			c.connected.With(labels).Set(0)
		}
		c.errorCode.With(labels).Set(float64(attrs.Mower.ErrorCode))
		if height, ok := attrs.CuttingHeight(); ok {
			c.cuttingHeight.With(labels).Set(float64(height))
		}
		if attrs.Planner.NextStartTimestamp > 0 {
			c.nextStart.With(labels).Set(float64(attrs.Planner.NextStartTimestamp / 1000))
		}
		if attrs.Metadata.StatusTimestamp > 0 {
			c.statusTimestamp.With(labels).Set(float64(attrs.Metadata.StatusTimestamp / 1000))
		}
		c.chargingCycles.With(labels).Set(float64(attrs.Statistics.NumberOfChargingCycles))
		c.collisions.With(labels).Set(float64(attrs.Statistics.NumberOfCollisions))
		c.chargingTime.With(labels).Set(float64(attrs.Statistics.TotalChargingTime))
		c.cuttingTime.With(labels).Set(float64(attrs.Statistics.TotalCuttingTime))
		c.runningTime.With(labels).Set(float64(attrs.Statistics.TotalRunningTime))
		c.searchingTime.With(labels).Set(float64(attrs.Statistics.TotalSearchingTime))

		if state, ok := attrs.State(); ok && state != "" {
			c.state.With(withLabel(labels, "state", string(state))).Set(1)
		}
		if activity, ok := attrs.Activity(); ok && activity != "" {
			c.activity.With(withLabel(labels, "activity", string(activity))).Set(1)
		}
	}

	c.sessionHealthy.Collect(ch)
	c.pushOpen.Collect(ch)
	for _, vec := range c.vecs() {
		vec.Collect(ch)
	}
}

func withLabel(base prometheus.Labels, key, value string) prometheus.Labels {
	out := make(prometheus.Labels, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

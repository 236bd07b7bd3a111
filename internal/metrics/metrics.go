package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for bridge_telemetry_dropped_total.
const (
	DropMalformed   = "malformed"
	DropStoreError  = "store_error"
	DropBreakerOpen = "breaker_open"
)

// Prediction outcomes for bridge_predictions_total.
const (
	OutcomeCommanded     = "commanded"
	OutcomeNotActionable = "not_actionable"
	OutcomeMalformed     = "malformed"
	OutcomeInvalidRate   = "invalid_rate"
	OutcomePublishFailed = "publish_failed"
)

// Metrics groups the bridge's prometheus collectors.
type Metrics struct {
	TelemetryReceived      prometheus.Counter
	TelemetryStored        prometheus.Counter
	TelemetryDropped       *prometheus.CounterVec
	Predictions            *prometheus.CounterVec
	CommandsPublished      prometheus.Counter
	CommandPublishFailures prometheus.Counter
	WatchRearms            prometheus.Counter
	State                  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TelemetryReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_telemetry_received_total",
			Help: "Sensor messages delivered on the telemetry topic.",
		}),
		TelemetryStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_telemetry_stored_total",
			Help: "Sensor readings inserted in the store.",
		}),
		TelemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_telemetry_dropped_total",
			Help: "Sensor messages dropped, by reason.",
		}, []string{"reason"}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_predictions_total",
			Help: "Prediction insert events handled, by outcome.",
		}, []string{"outcome"}),
		CommandsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_commands_published_total",
			Help: "Control commands acknowledged by the broker.",
		}),
		CommandPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_command_publish_failures_total",
			Help: "Control commands whose publish failed or timed out.",
		}),
		WatchRearms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_watch_rearms_total",
			Help: "Times the prediction change stream was (re)opened.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_state",
			Help: "Bridge lifecycle state (0=disconnected 1=connecting_store 2=connecting_broker 3=running 4=degraded 5=shutting_down).",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TelemetryReceived,
			m.TelemetryStored,
			m.TelemetryDropped,
			m.Predictions,
			m.CommandsPublished,
			m.CommandPublishFailures,
			m.WatchRearms,
			m.State,
		)
	}
	return m
}

// NewNop returns unregistered collectors, for tests and tools.
func NewNop() *Metrics { return New(nil) }

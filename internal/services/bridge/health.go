package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// AuditHealth is implemented by the optional influx audit writer.
type AuditHealth interface {
	Healthy(window time.Duration) bool
}

const auditErrorWindow = 30 * time.Second

type healthResponse struct {
	Status        string `json:"status"` // ok | degraded | down
	State         string `json:"state"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Subscribed    bool   `json:"subscribed"`
	StoreOK       bool   `json:"store_ok"`
	WatchActive   bool   `json:"watch_active"`
	InfluxOK      *bool  `json:"influx_ok,omitempty"` // assente se l'audit è disabilitato
}

// NewRouter exposes /healthz, /readyz and /metrics.
func NewRouter(status *Status, audit AuditHealth, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler(status, audit)).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyHandler(status)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func healthHandler(status *Status, audit AuditHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := status.Snapshot()
		resp := healthResponse{
			State:         snap.State.String(),
			MQTTConnected: snap.BrokerUp,
			Subscribed:    snap.Subscribed,
			StoreOK:       snap.StoreUp,
			WatchActive:   snap.Watching,
		}
		if audit != nil {
			ok := audit.Healthy(auditErrorWindow)
			resp.InfluxOK = &ok
		}

		switch {
		case snap.State == Running:
			resp.Status = "ok"
		case snap.State != ShuttingDown && (snap.BrokerUp || snap.StoreUp):
			resp.Status = "degraded"
		default:
			resp.Status = "down"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// readyz: 200 solo in Running.
func readyHandler(status *Status) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := status.Snapshot()
		ready := snap.State == Running
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready bool   `json:"ready"`
			State string `json:"state"`
		}{ready, snap.State.String()})
	}
}

// gRPC health service names, one per flow; "" is the overall status.
const (
	ServiceTelemetry   = "telemetry"
	ServicePredictions = "predictions"
)

// MirrorHealth keeps a grpc health server in sync with the bridge status.
func MirrorHealth(status *Status, hs *health.Server) {
	apply := func(s Snapshot) {
		hs.SetServingStatus("", servingStatus(s.State == Running))
		hs.SetServingStatus(ServiceTelemetry, servingStatus(s.TelemetryServing()))
		hs.SetServingStatus(ServicePredictions, servingStatus(s.PredictionsServing()))
	}
	status.OnChange(apply)
	apply(status.Snapshot())
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Package metrics exposes the gateway's per-session counters and the
// liveness probe surface.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus instruments. One Collector per
// process; sessions record into it through their own handles.
type Collector struct {
	registry *prometheus.Registry

	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	AuthAttempts   *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec
}

// New creates a Collector backed by its own registry, so tests can
// construct as many as they like.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "webssh",
			Name:      "active_sessions",
			Help:      "Number of sessions currently open.",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webssh",
			Name:      "sessions_total",
			Help:      "Sessions by final outcome.",
		}, []string{"outcome"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webssh",
			Name:      "auth_attempts_total",
			Help:      "SSH authentication attempts by method and result.",
		}, []string{"method", "result"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webssh",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed by direction (client_to_ssh, ssh_to_client).",
		}, []string{"direction"}),
	}
}

// Handler serves the prometheus exposition for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health reports process liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}

// Ready reports readiness to accept sessions.
func Ready(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ready"})
}

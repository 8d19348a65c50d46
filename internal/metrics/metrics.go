// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry metrics
	RegistrySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wastetrack_registry_collectors",
			Help: "Collectors currently held by a registry",
		},
		[]string{"registry"},
	)

	ReconcileRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_reconcile_records_total",
			Help: "Records seen by reconcile, by outcome",
		},
		[]string{"outcome"}, // "applied", "stale", "unchanged", "invalid"
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_evictions_total",
			Help: "Collectors evicted for staleness",
		},
		[]string{"registry"},
	)

	// Transport metrics
	TransportMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wastetrack_subscriber_mode",
			Help: "Current subscriber mode (0 push, 1 stream, 2 poll)",
		},
	)

	TransportTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_subscriber_transitions_total",
			Help: "Subscriber degradations",
		},
		[]string{"from", "to"},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_publish_total",
			Help: "Location publishes by path and result",
		},
		[]string{"path", "result"}, // path: "push", "post"
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wastetrack_api_request_duration_seconds",
			Help:    "Boundary API call duration",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"call", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wastetrack_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Proximity
	ProximityAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_proximity_alerts_total",
			Help: "Nearby-collector alerts, by delivery",
		},
		[]string{"delivery"}, // "toast", "system"
	)

	// Relay metrics
	RelayClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wastetrack_relay_ws_clients",
			Help: "Connected websocket clients by role",
		},
		[]string{"role"},
	)

	RelayBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_relay_broadcasts_total",
			Help: "Events broadcast to websocket clients",
		},
		[]string{"event"},
	)

	RelayFanout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastetrack_relay_fanout_total",
			Help: "Messages exchanged with peer relays over NATS",
		},
		[]string{"direction"}, // "out", "in"
	)
)

// RecordReconcile adds reconcile outcome counts.
func RecordReconcile(applied, stale, unchanged, invalid int) {
	ReconcileRecords.WithLabelValues("applied").Add(float64(applied))
	ReconcileRecords.WithLabelValues("stale").Add(float64(stale))
	ReconcileRecords.WithLabelValues("unchanged").Add(float64(unchanged))
	ReconcileRecords.WithLabelValues("invalid").Add(float64(invalid))
}

// RecordPublish counts one publish attempt.
func RecordPublish(path string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PublishTotal.WithLabelValues(path, result).Inc()
}

// RecordAPIRequest records a boundary API call.
func RecordAPIRequest(call, status string, duration time.Duration) {
	APIRequestDuration.WithLabelValues(call, status).Observe(duration.Seconds())
}

// RecordTransition counts a subscriber degradation and updates the mode gauge.
func RecordTransition(from, to string, mode int) {
	TransportTransitions.WithLabelValues(from, to).Inc()
	TransportMode.Set(float64(mode))
}

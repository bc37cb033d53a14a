// Package metrics provides Prometheus instrumentation for the Circle of Care
// platform. It exposes gauges for connection and room counts, counters for
// message throughput by moderation outcome, and histograms for crisis
// escalation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "care_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live room hubs.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "care_active_rooms",
		Help: "Current number of live community room hubs",
	})

	// MessagesTotal counts chat messages processed, labeled by moderation
	// outcome: "clean", "flagged", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "care_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// DroppedSubscribers counts connections disconnected for falling too far
	// behind the room's broadcast stream.
	DroppedSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "care_dropped_subscribers_total",
		Help: "Connections dropped for lagging behind room broadcasts",
	})

	// CrisisEscalationsTotal counts panic-button escalations, labeled by
	// severity and by which path produced the response ("ai" or "fallback").
	CrisisEscalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "care_crisis_escalations_total",
		Help: "Total number of crisis escalations",
	}, []string{"severity", "path"})

	// CrisisLatency records end-to-end crisis escalation latency in seconds.
	CrisisLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "care_crisis_latency_seconds",
		Help:    "Crisis escalation latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MessagesTotal,
		DroppedSubscribers,
		CrisisEscalationsTotal,
		CrisisLatency,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

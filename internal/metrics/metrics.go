// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and presence counts, counters for event
// throughput and delivery outcomes, and a histogram for handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with a live binding.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of registered (online) users",
	})

	// EventsTotal counts inbound events, labeled by event type. Frames that
	// fail to decode are counted as "malformed", unknown kinds as "unknown".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of inbound events processed",
	}, []string{"type"})

	// DeliveriesTotal counts forwarding attempts, labeled by event kind and
	// outcome: "delivered", "offline", "dropped" or "unregistered".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total number of forwarding attempts by outcome",
	}, []string{"kind", "outcome"})

	// PresenceBroadcasts counts presence fan-outs, labeled by state.
	PresenceBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Total number of presence transitions announced",
	}, []string{"state"})

	// SendQueueDrops counts outbound frames dropped because a connection's
	// send queue was full.
	SendQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_queue_drops_total",
		Help: "Outbound frames dropped on backpressure",
	})

	// EventLatency records inbound event handling latency in seconds.
	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_event_latency_seconds",
		Help:    "Inbound event handling latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// HeartbeatEvictions counts connections closed by the liveness check.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_evictions_total",
		Help: "Connections closed after missing the heartbeat window",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		DeliveriesTotal,
		PresenceBroadcasts,
		SendQueueDrops,
		EventLatency,
		HeartbeatEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

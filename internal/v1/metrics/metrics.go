package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the relay coordination plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: relay (application-level grouping)
// - subsystem: websocket, session, room, queue (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, sessions, rooms, queue depth)
// - Counter: Cumulative events (events processed, payloads relayed, rejections)

var (
	// ActiveWebSocketConnections tracks the current number of live WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the number of registered sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of registered sessions",
	})

	// ActiveRooms tracks the current number of paired rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active 2-party rooms",
	})

	// QueueDepth tracks the number of sessions waiting for a random match
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "queue",
		Name:      "waiting_depth",
		Help:      "Current number of sessions in the matchmaking queue",
	})

	// Events tracks the total number of client events processed
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total client events processed",
	}, []string{"event_type", "status"})

	// RelayedBytes counts base64 payload bytes forwarded between peers
	RelayedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "relayed_payload_bytes_total",
		Help:      "Total encrypted payload bytes relayed (base64 length)",
	})

	// MatchesMade counts completed pairings, labelled by how the pair formed
	MatchesMade = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "matches_total",
		Help:      "Total rooms created",
	}, []string{"source"}) // "random" or "invite"

	// RateLimitExceeded counts rejected sends and connects
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total rate-limited requests",
	}, []string{"scope"}) // "message" or "connect"

	// ExpiredSessions counts sessions evicted by the TTL sweeper
	ExpiredSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Total sessions evicted after TTL inactivity",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

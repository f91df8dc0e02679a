package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the messaging plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: parley (application-level grouping)
// - subsystem: websocket, room, message, bus (feature-level grouping)
//
// Gauges carry current state, counters cumulative events, histograms
// latency distributions.

var (
	// ActiveConnections tracks the current number of live websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one local member.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms held by local connections",
	})

	// FramesTotal counts inbound frames by envelope type and outcome.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"type", "status"})

	// MessagesTotal counts chat messages accepted for delivery.
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "message",
		Name:      "sent_total",
		Help:      "Total chat messages accepted and fanned out",
	})

	// ErrorsTotal counts error frames sent to clients by code.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "errors_total",
		Help:      "Total error frames sent to clients",
	}, []string{"code"})

	// BroadcastDuration tracks room fan-out latency.
	BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "broadcast_seconds",
		Help:      "Time spent fanning a frame out to a room's local members",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerShortCircuits counts calls rejected by an open breaker.
	CircuitBreakerShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "bus",
		Name:      "circuit_breaker_short_circuits_total",
		Help:      "Calls short-circuited while the breaker was open",
	}, []string{"dependency"})

	// RateLimitRejections counts frames rejected by the rate limiter per class.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "rate_limit_rejections_total",
		Help:      "Frames rejected by the rate limiter",
	}, []string{"class"})

	// CacheOps counts cache operations by tier and outcome.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by tier and outcome",
	}, []string{"tier", "outcome"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

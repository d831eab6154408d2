// Package metrics provides Prometheus instrumentation for Kokino.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kokino_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kokino_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Execution metrics.
var (
	ExecutionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kokino_executions_in_flight",
		Help: "Number of agent executions currently holding a session lock.",
	})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kokino_executions_total",
		Help: "Total number of agent executions by outcome.",
	}, []string{"cli_kind", "outcome"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kokino_execution_duration_seconds",
		Help:    "Agent execution duration in seconds.",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"cli_kind"})
)

// Ticket metrics.
var (
	TicketsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kokino_tickets_pending",
		Help: "Number of tickets currently in the pending state.",
	})

	TicketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kokino_tickets_total",
		Help: "Total number of ticket state transitions.",
	}, []string{"status"})
)

// Circuit breaker metrics.
var (
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kokino_circuit_transitions_total",
		Help: "Total number of circuit breaker state transitions.",
	}, []string{"to"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kokino_ws_connections_active",
		Help: "Number of active WebSocket monitor connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kokino_ws_messages_total",
		Help: "Total number of WebSocket frames sent to subscribers.",
	})

	WSMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kokino_ws_messages_dropped_total",
		Help: "Total number of WebSocket frames dropped on full subscriber buffers.",
	})
)

// Package metrics holds the Prometheus collectors for the support backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsb_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gsb_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Support chat metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsb_support_messages_ingested_total",
			Help: "Messages persisted, by sender role",
		},
		[]string{"role"}, // "customer" or "agent"
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gsb_support_conversations_created_total",
			Help: "Conversations opened",
		},
	)

	Assignments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gsb_support_assignments_total",
			Help: "Conversation assignments that changed the handler",
		},
	)

	Resolutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gsb_support_resolutions_total",
			Help: "Conversations resolved",
		},
	)

	// Live channel metrics
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gsb_realtime_connections",
			Help: "Open live-channel connections",
		},
	)

	BroadcastDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsb_realtime_broadcast_drops_total",
			Help: "Events not delivered to a subscriber",
		},
		[]string{"reason"}, // "slow_consumer", "gap_timeout"
	)

	// Sink metrics
	SinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsb_event_sink_failures_total",
			Help: "Event sink publish failures",
		},
		[]string{"sink"},
	)
)

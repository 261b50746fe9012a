package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Link metrics
	LinkConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groundwave_link_connected",
			Help: "1 while the link is connected",
		},
		[]string{"link"},
	)

	LinkReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_link_reconnects_total",
			Help: "Reconnect attempts after link loss",
		},
		[]string{"link"},
	)

	// Inbound metrics
	FragmentsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_fragments_received_total",
			Help: "Inbound fragments received",
		},
		[]string{"link"},
	)

	IncompleteMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_incomplete_messages_total",
			Help: "Envelopes dropped before all fragments arrived",
		},
		[]string{"link"},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_messages_routed_total",
			Help: "Envelopes routed by kind",
		},
		[]string{"kind"}, // command name, "chat" or "ignored"
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groundwave_rate_limited_total",
			Help: "Envelopes dropped by the per-node rate limit",
		},
	)

	// Outbound metrics
	ChunksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_chunks_sent_total",
			Help: "Chunks handed to a link",
		},
		[]string{"link"},
	)

	SendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_send_retries_total",
			Help: "Chunk send retries",
		},
		[]string{"link"},
	)

	JobsAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_jobs_abandoned_total",
			Help: "Jobs abandoned after exhausting retries",
		},
		[]string{"link"},
	)

	JobsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_jobs_dropped_total",
			Help: "Jobs dropped by queue bounds or shutdown",
		},
		[]string{"link", "reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groundwave_queue_depth",
			Help: "Jobs waiting per link",
		},
		[]string{"link"},
	)

	// Assistant metrics
	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundwave_completion_duration_seconds",
			Help:    "Completion service latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	KnowledgeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_knowledge_lookups_total",
			Help: "Knowledge lookups by outcome",
		},
		[]string{"outcome"}, // "hit", "miss" or "error"
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwave_http_requests_total",
			Help: "Total status server requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundwave_http_request_duration_seconds",
			Help:    "Status server request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsIngested counts accepted telemetry readings by source and outcome
	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_readings_ingested_total",
			Help: "Total number of readings received by the ingest path",
		},
		[]string{"source", "status"},
	)

	// DuplicatesTotal counts readings dropped by the duplicate filter
	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hydrotrack_duplicates_total",
			Help: "Total number of duplicate readings suppressed",
		},
	)

	// CompressionDecisions counts compression outcomes (inserted, extended, deferred, stale)
	CompressionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_compression_decisions_total",
			Help: "Compression engine decisions by action",
		},
		[]string{"action"},
	)

	// CompressionLatency measures one compression pass
	CompressionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydrotrack_compression_latency_seconds",
			Help:    "Latency of a compression pass in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// EventsDetected counts emitted domain events by type
	EventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_events_detected_total",
			Help: "Total number of detected events",
		},
		[]string{"type"},
	)

	// JobsProcessed counts finished queue jobs by final state
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_queue_jobs_total",
			Help: "Total number of queue jobs by final state",
		},
		[]string{"state"},
	)

	// JobRetries counts handler failures that were retried
	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hydrotrack_queue_job_retries_total",
			Help: "Total number of job retries",
		},
	)

	// InlineFallbacks counts readings compressed synchronously because the queue was unavailable
	InlineFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_inline_fallbacks_total",
			Help: "Readings processed inline when the queue was unavailable",
		},
		[]string{"status"},
	)

	// StatusTransitions counts connectivity state changes
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_status_transitions_total",
			Help: "Connectivity state transitions by entity kind and new status",
		},
		[]string{"kind", "status"},
	)

	// StorageErrors counts database errors
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_storage_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation"},
	)

	// KafkaMessages counts consumed gateway messages by outcome
	KafkaMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrotrack_kafka_messages_total",
			Help: "Gateway telemetry messages consumed from Kafka by outcome",
		},
		[]string{"status"},
	)

	// WebSocketClients tracks connected dashboard clients
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydrotrack_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)
)

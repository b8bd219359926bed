package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_eventbus_published_total",
			Help: "Total number of events published, by topic",
		},
		[]string{"topic"},
	)

	HandlerDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_eventbus_handler_dispatches_total",
			Help: "Total number of handler invocations, by topic",
		},
		[]string{"topic"},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_eventbus_handler_panics_total",
			Help: "Total number of handler panics recovered by the bus, by topic",
		},
		[]string{"topic"},
	)

	// Worker metrics
	WorkerAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_worker_admitted_total",
			Help: "Total number of chunks admitted for processing, by worker kind",
		},
		[]string{"kind"},
	)

	WorkerDroppedNotRunning = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_worker_dropped_not_running_total",
			Help: "Total number of chunks dropped because the worker was not running, by kind",
		},
		[]string{"kind"},
	)

	WorkerDroppedSaturated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_worker_dropped_saturated_total",
			Help: "Total number of chunks dropped at admission because max_in_flight was reached, by kind",
		},
		[]string{"kind"},
	)

	WorkerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_worker_in_flight",
			Help: "Current number of chunks being processed, by worker kind",
		},
		[]string{"kind"},
	)

	WorkerResultsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_worker_results_published_total",
			Help: "Total number of analyzer results published, by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: ok | timeout | error
	)

	WorkerProcessingMs = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_worker_processing_ms",
			Help:    "Analyzer processing duration in milliseconds, by kind",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"kind"},
	)

	// Aggregator metrics
	AggregatorOpenEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_aggregator_open_entries",
			Help: "Current number of open (unclosed) aggregation entries",
		},
	)

	AggregatorClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_aggregator_closed_total",
			Help: "Total number of aggregation entries closed, by cause",
		},
		[]string{"cause"}, // complete | deadline | partial
	)

	AggregationLatencyMs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_aggregation_latency_ms",
			Help:    "Time from entry creation to close in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)

	// Session manager metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_sessions_active",
			Help: "Number of currently active (non-ended) sessions",
		},
	)

	SessionsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_sessions_ended_total",
			Help: "Total number of sessions transitioned to ended",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_session_cache_hits_total",
			Help: "Total number of session lookups served from the local cache",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_session_cache_misses_total",
			Help: "Total number of session lookups that missed the local cache",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_session_cache_size",
			Help: "Current number of sessions held in the local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_session_cache_evictions_total",
			Help: "Total number of sessions evicted from the local cache",
		},
	)

	// Ingress metrics
	ChunksAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_ingress_chunks_accepted_total",
			Help: "Total number of audio chunks accepted and published to chunk_in",
		},
	)

	ChunksRejectedSize = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_ingress_chunks_rejected_size_total",
			Help: "Total number of audio chunks rejected for violating max_chunk_bytes",
		},
	)

	ChunksRejectedBackpressure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_ingress_chunks_rejected_backpressure_total",
			Help: "Total number of audio chunks rejected by per-session backpressure",
		},
	)

	ResultsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_ingress_results_dropped_total",
			Help: "Total number of chunk_done events dropped because the originating connection was gone",
		},
	)
)

// RecordWorkerOutcome records a single worker processing attempt.
func RecordWorkerOutcome(kind, outcome string, durationMs float64) {
	WorkerResultsPublished.WithLabelValues(kind, outcome).Inc()
	if durationMs > 0 {
		WorkerProcessingMs.WithLabelValues(kind).Observe(durationMs)
	}
}

// RecordAggregatorClose records a single aggregation entry closing.
func RecordAggregatorClose(cause string, latencyMs float64) {
	AggregatorClosed.WithLabelValues(cause).Inc()
	if latencyMs > 0 {
		AggregationLatencyMs.Observe(latencyMs)
	}
}

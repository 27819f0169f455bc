package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis run metrics
	AnalysesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_analyses_started_total",
			Help: "Total number of analysis runs started",
		},
		[]string{"mode"},
	)

	AnalysesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_analyses_finished_total",
			Help: "Total number of analysis runs by terminal status",
		},
		[]string{"mode", "status"},
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consistency_analysis_duration_seconds",
			Help:    "Wall time of analysis runs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"mode", "status"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consistency_phase_duration_seconds",
			Help:    "Duration of individual analysis phases",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		},
		[]string{"phase", "outcome"},
	)

	// Heavy tier
	HeavyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consistency_heavy_queue_depth",
			Help: "Projects waiting for a heavy slot",
		},
	)

	HeavySlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consistency_heavy_slots_in_use",
			Help: "Heavy slots currently held",
		},
	)

	HeavyWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consistency_heavy_wait_seconds",
			Help:    "Time spent in the heavy queue before admission",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
	)

	// Signals
	SignalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_signal_calls_total",
			Help: "Signal provider calls by outcome",
		},
		[]string{"signal", "outcome"},
	)

	SignalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consistency_signal_latency_seconds",
			Help:    "Signal provider latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"signal"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consistency_rate_limit_wait_seconds",
			Help:    "Time spent waiting on rate limiters",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"limiter"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_embedding_requests_total",
			Help: "Embedding lookups by model and status",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consistency_embedding_latency_seconds",
			Help:    "Embedding service latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Resolver
	MergeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_merge_operations_total",
			Help: "Merge, undo and correction operations by result",
		},
		[]string{"operation", "result"},
	)

	MergeSuggestions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consistency_merge_suggestions_total",
			Help: "Merge suggestions produced",
		},
	)

	// Analyzer and alerts
	InconsistenciesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_inconsistencies_detected_total",
			Help: "Inconsistencies detected by type",
		},
		[]string{"type"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_alerts_created_total",
			Help: "Alerts created by category and severity",
		},
		[]string{"category", "severity"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_alert_transitions_total",
			Help: "Alert status transitions",
		},
		[]string{"from", "to"},
	)

	// Persistence
	WriteQueueFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_db_write_queue_fallbacks_total",
			Help: "Async writes executed synchronously because the queue was full",
		},
		[]string{"type"},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_stream_events_total",
			Help: "Progress events published",
		},
		[]string{"type", "sink"},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consistency_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RecordHTTPRequest records one served API request.
func RecordHTTPRequest(route string, code int, durationSeconds float64) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	HTTPLatency.WithLabelValues(route).Observe(durationSeconds)
}

// RecordAnalysis records a finished run.
func RecordAnalysis(mode, status string, durationSeconds float64) {
	AnalysesFinished.WithLabelValues(mode, status).Inc()
	AnalysisDuration.WithLabelValues(mode, status).Observe(durationSeconds)
}

// RecordPhase records one phase execution.
func RecordPhase(phase, outcome string, durationSeconds float64) {
	PhaseDuration.WithLabelValues(phase, outcome).Observe(durationSeconds)
}

// RecordSignal records a signal provider call.
func RecordSignal(signal, outcome string, durationSeconds float64) {
	SignalCalls.WithLabelValues(signal, outcome).Inc()
	SignalLatency.WithLabelValues(signal).Observe(durationSeconds)
}

// RecordRateLimitWait records time spent blocked on a limiter.
func RecordRateLimitWait(limiter string, seconds float64) {
	RateLimitWait.WithLabelValues(limiter).Observe(seconds)
}

// RecordEmbeddingMetrics records an embedding lookup.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordMergeOperation records a resolver write operation.
func RecordMergeOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MergeOperations.WithLabelValues(operation, result).Inc()
}

// RecordAlertTransition records a status change.
func RecordAlertTransition(from, to string) {
	AlertTransitions.WithLabelValues(from, to).Inc()
}

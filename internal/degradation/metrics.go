package degradation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// degradationEventsTotal tracks degradation events
	degradationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_degradation_events_total",
			Help: "Total number of degradation events by level and reason",
		},
		[]string{"level", "reason"},
	)

	// currentDegradationLevel tracks current system degradation level
	currentDegradationLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consistency_degradation_level",
			Help: "Current system degradation level (0=none, 1=minor, 2=moderate, 3=severe)",
		},
	)

	// dependencyHealthStatus tracks individual dependency health
	dependencyHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consistency_dependency_health",
			Help: "Dependency health status (1=healthy, 0=unhealthy)",
		},
		[]string{"dependency"},
	)

	fallbackBehaviorExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_fallback_behavior_total",
			Help: "Total number of fallback behaviors executed by operation and behavior type",
		},
		[]string{"operation", "behavior"},
	)

	modeDowngradeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_mode_downgrade_total",
			Help: "Total number of analysis mode downgrades",
		},
		[]string{"from_mode", "to_mode", "reason"},
	)

	// partialResultsReturned tracks operations that finished with some failed units
	partialResultsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_partial_results_total",
			Help: "Total number of times partial results were kept instead of failing",
		},
		[]string{"operation", "reason"},
	)
)

// RecordDependencyHealth updates dependency health metrics
func RecordDependencyHealth(dependency string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	dependencyHealthStatus.WithLabelValues(dependency).Set(value)
}

// RecordFallbackBehavior records when a fallback behavior is executed
func RecordFallbackBehavior(operation string, behavior FallbackBehavior) {
	fallbackBehaviorExecuted.WithLabelValues(operation, behavior.String()).Inc()
}

// RecordModeDowngrade records when an analysis mode is downgraded
func RecordModeDowngrade(fromMode, toMode, reason string) {
	modeDowngradeEvents.WithLabelValues(fromMode, toMode, reason).Inc()
}

// RecordPartialResults records when partial results are kept
func RecordPartialResults(operation, reason string) {
	partialResultsReturned.WithLabelValues(operation, reason).Inc()
}

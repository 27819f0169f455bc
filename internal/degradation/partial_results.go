package degradation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PartialResultsManager aggregates per-unit outcomes of a multi-unit
// operation, e.g. one result per chapter of the extraction phase.
type PartialResultsManager struct {
	logger *zap.Logger
}

// NewPartialResultsManager creates a new partial results manager
func NewPartialResultsManager(logger *zap.Logger) *PartialResultsManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartialResultsManager{logger: logger}
}

// PartialResult represents the outcome of one unit of work
type PartialResult struct {
	Source    string                 `json:"source"`             // Unit that generated the result
	Success   bool                   `json:"success"`            // Whether this unit succeeded
	Result    interface{}            `json:"result,omitempty"`   // Actual result data
	Error     string                 `json:"error,omitempty"`    // Error message if failed
	Timestamp time.Time              `json:"timestamp"`          // When result was generated
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // Additional context
	Degraded  bool                   `json:"degraded"`           // Whether this was a degraded result
}

// AggregatedResult combines multiple partial results
type AggregatedResult struct {
	Success         bool            `json:"success"`                    // At least one unit succeeded
	Degraded        bool            `json:"degraded"`                   // Some unit failed or was degraded
	Results         []interface{}   `json:"results,omitempty"`          // Successful results in input order
	PartialResults  []PartialResult `json:"partial_results"`            // Individual unit results
	TotalComponents int             `json:"total_components"`           // Total number of units attempted
	SuccessCount    int             `json:"success_count"`              // Number of successful units
	FailureCount    int             `json:"failure_count"`              // Number of failed units
	Affected        []string        `json:"affected,omitempty"`         // Sources that failed, sorted
	Timestamp       time.Time       `json:"timestamp"`                  // When aggregation was completed
	Warning         string          `json:"warning,omitempty"`          // Warning message for partial results
}

// AggregateResults combines partial results. The aggregate succeeds when at
// least one unit succeeded, or when there were no units at all.
func (prm *PartialResultsManager) AggregateResults(results []PartialResult, operation string) *AggregatedResult {
	agg := &AggregatedResult{
		PartialResults:  results,
		TotalComponents: len(results),
		Timestamp:       time.Now(),
	}

	var errs, warnings []string
	for _, r := range results {
		if r.Success {
			agg.SuccessCount++
			if r.Result != nil {
				agg.Results = append(agg.Results, r.Result)
			}
		} else {
			agg.Affected = append(agg.Affected, r.Source)
			if r.Error != "" {
				errs = append(errs, fmt.Sprintf("%s: %s", r.Source, r.Error))
			}
		}
		if r.Degraded {
			warnings = append(warnings, fmt.Sprintf("degraded result from %s", r.Source))
		}
	}
	agg.FailureCount = len(results) - agg.SuccessCount
	agg.Success = len(results) == 0 || agg.SuccessCount > 0
	agg.Degraded = agg.FailureCount > 0 || len(warnings) > 0
	sort.Strings(agg.Affected)

	var parts []string
	if len(warnings) > 0 {
		parts = append(parts, strings.Join(warnings, "; "))
	}
	if len(errs) > 0 {
		parts = append(parts, fmt.Sprintf("errors: %s", strings.Join(errs, "; ")))
	}
	agg.Warning = strings.Join(parts, ". ")

	if agg.Degraded {
		RecordPartialResults(operation, fmt.Sprintf("failed_%d_of_%d", agg.FailureCount, len(results)))
		prm.logger.Info("Aggregated partial results",
			zap.String("operation", operation),
			zap.Int("total_components", len(results)),
			zap.Int("success_count", agg.SuccessCount),
			zap.Int("failure_count", agg.FailureCount),
			zap.Bool("overall_success", agg.Success),
			zap.String("warning", agg.Warning),
		)
	}
	return agg
}

// CreatePartialResult creates a partial result from a unit execution
func (prm *PartialResultsManager) CreatePartialResult(source string, result interface{}, err error, degraded bool) PartialResult {
	pr := PartialResult{
		Source:    source,
		Success:   err == nil,
		Result:    result,
		Timestamp: time.Now(),
		Degraded:  degraded,
	}
	if err != nil {
		pr.Error = err.Error()
		pr.Result = nil
	}
	return pr
}

package degradation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
)

// Dependency is anything guarded by a circuit breaker.
type Dependency interface {
	IsCircuitBreakerOpen() bool
}

// Well-known dependency names.
const (
	DependencyDatabase   = "database"
	DependencyRedis      = "redis"
	DependencyEmbeddings = "embeddings"
	DependencyLLM        = "llm"
)

// DegradationStrategy defines how analysis degrades when dependencies fail
type DegradationStrategy interface {
	// ShouldDegrade returns true if the system should enter degraded mode
	ShouldDegrade(ctx context.Context) (bool, DegradationLevel, error)

	// GetFallbackBehavior returns the fallback behavior for a specific operation
	GetFallbackBehavior(operation string) FallbackBehavior

	// RecordDegradation records a degradation event for metrics
	RecordDegradation(level DegradationLevel, reason string)
}

// DegradationLevel represents the severity of degradation
type DegradationLevel int

const (
	LevelNone     DegradationLevel = iota
	LevelMinor                     // Single dependency issue
	LevelModerate                  // Multiple dependency issues
	LevelSevere                    // Critical dependency failure
)

func (d DegradationLevel) String() string {
	switch d {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// FallbackBehavior defines how to handle operations when degraded
type FallbackBehavior int

const (
	BehaviorProceed FallbackBehavior = iota // Continue with warnings
	BehaviorDegrade                         // Downgrade mode
	BehaviorSkip                            // Skip non-essential operations
	BehaviorFail                            // Fail fast
)

func (f FallbackBehavior) String() string {
	switch f {
	case BehaviorProceed:
		return "proceed"
	case BehaviorDegrade:
		return "degrade"
	case BehaviorSkip:
		return "skip"
	case BehaviorFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Operations the orchestrator asks about.
const (
	OpHeavyScoring        = "heavy_scoring"
	OpSemanticSignal      = "semantic_signal"
	OpProgressPersistence = "progress_persistence"
	OpAnalysis            = "analysis"
)

// DependencyHealth represents the health status of a dependency
type DependencyHealth struct {
	Name           string               `json:"name"`
	IsHealthy      bool                 `json:"healthy"`
	CircuitBreaker circuitbreaker.State `json:"-"`
	State          string               `json:"circuit_breaker"`
	LastCheckTime  time.Time            `json:"last_check_time"`
}

// SystemHealth aggregates dependency health information
type SystemHealth struct {
	Dependencies []DependencyHealth `json:"dependencies"`
	Overall      DegradationLevel   `json:"-"`
	Level        string             `json:"level"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Healthy reports the health of one named dependency; unknown names are healthy.
func (h SystemHealth) Healthy(name string) bool {
	for _, d := range h.Dependencies {
		if d.Name == name {
			return d.IsHealthy
		}
	}
	return true
}

// DefaultStrategy degrades by the number of dependencies whose breaker is
// open. The database is critical: losing it is always severe.
type DefaultStrategy struct {
	logger *zap.Logger

	mu   sync.RWMutex
	deps map[string]Dependency
}

// NewDefaultStrategy creates a new default degradation strategy
func NewDefaultStrategy(logger *zap.Logger) *DefaultStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultStrategy{logger: logger, deps: make(map[string]Dependency)}
}

// Register adds or replaces a dependency. A nil dependency is ignored.
func (ds *DefaultStrategy) Register(name string, dep Dependency) {
	if dep == nil {
		return
	}
	ds.mu.Lock()
	ds.deps[name] = dep
	ds.mu.Unlock()
}

// ShouldDegrade determines if system should degrade based on circuit breaker states
func (ds *DefaultStrategy) ShouldDegrade(ctx context.Context) (bool, DegradationLevel, error) {
	health := ds.CheckSystemHealth()
	if health.Overall == LevelNone {
		return false, LevelNone, nil
	}
	fields := []zap.Field{zap.String("level", health.Overall.String())}
	for _, d := range health.Dependencies {
		fields = append(fields, zap.Bool(d.Name+"_healthy", d.IsHealthy))
	}
	ds.logger.Warn("System degradation triggered", fields...)
	return true, health.Overall, nil
}

// GetFallbackBehavior returns appropriate fallback behavior for operations
func (ds *DefaultStrategy) GetFallbackBehavior(operation string) FallbackBehavior {
	health := ds.CheckSystemHealth()

	switch operation {
	case OpHeavyScoring:
		if !health.Healthy(DependencyLLM) {
			return BehaviorSkip // Tier1 scores stand in
		}
		if health.Overall >= LevelModerate {
			return BehaviorDegrade
		}
		return BehaviorProceed

	case OpSemanticSignal:
		if !health.Healthy(DependencyEmbeddings) {
			return BehaviorSkip // Signal reports unavailable
		}
		return BehaviorProceed

	case OpProgressPersistence:
		return BehaviorProceed // In-memory progress stays authoritative

	case OpAnalysis:
		if !health.Healthy(DependencyDatabase) {
			return BehaviorFail
		}
		return BehaviorProceed

	default:
		return BehaviorProceed
	}
}

// RecordDegradation records degradation events for monitoring
func (ds *DefaultStrategy) RecordDegradation(level DegradationLevel, reason string) {
	ds.logger.Info("Degradation event recorded",
		zap.String("level", level.String()),
		zap.String("reason", reason),
	)
	degradationEventsTotal.WithLabelValues(level.String(), reason).Inc()
	currentDegradationLevel.Set(float64(level))
}

// CheckSystemHealth samples every registered breaker.
func (ds *DefaultStrategy) CheckSystemHealth() SystemHealth {
	ds.mu.RLock()
	names := make([]string, 0, len(ds.deps))
	for name := range ds.deps {
		names = append(names, name)
	}
	deps := make(map[string]Dependency, len(ds.deps))
	for k, v := range ds.deps {
		deps[k] = v
	}
	ds.mu.RUnlock()
	sort.Strings(names)

	now := time.Now()
	health := SystemHealth{Timestamp: now}
	failed := 0
	criticalDown := false
	for _, name := range names {
		open := deps[name].IsCircuitBreakerOpen()
		state := circuitbreaker.StateClosed
		if open {
			state = circuitbreaker.StateOpen
			failed++
			if name == DependencyDatabase {
				criticalDown = true
			}
		}
		health.Dependencies = append(health.Dependencies, DependencyHealth{
			Name:           name,
			IsHealthy:      !open,
			CircuitBreaker: state,
			State:          state.String(),
			LastCheckTime:  now,
		})
	}

	switch {
	case criticalDown || failed >= 3:
		health.Overall = LevelSevere
	case failed == 2:
		health.Overall = LevelModerate
	case failed == 1:
		health.Overall = LevelMinor
	default:
		health.Overall = LevelNone
	}
	health.Level = health.Overall.String()
	return health
}

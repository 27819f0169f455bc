package degradation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Analysis modes as accepted by the orchestrator.
const (
	ModeFull    = "full"
	ModeExpress = "express"
)

// ModeDowngradeReason explains why mode was downgraded
type ModeDowngradeReason string

const (
	ReasonCircuitBreakerOpen ModeDowngradeReason = "circuit_breaker_open"
	ReasonHighDegradation    ModeDowngradeReason = "high_degradation_level"
)

// ModeManager handles mode selection and degradation decisions
type ModeManager struct {
	strategy DegradationStrategy
	logger   *zap.Logger
}

// NewModeManager creates a new mode manager with degradation strategy
func NewModeManager(strategy DegradationStrategy, logger *zap.Logger) *ModeManager {
	return &ModeManager{strategy: strategy, logger: logger}
}

// ModeDecision records whether a run's mode was downgraded and why.
type ModeDecision struct {
	OriginalMode     string              `json:"original_mode"`
	FinalMode        string              `json:"final_mode"`
	WasDowngraded    bool                `json:"was_downgraded"`
	Reason           ModeDowngradeReason `json:"reason,omitempty"`
	DegradationLevel DegradationLevel    `json:"degradation_level"`
}

// DetermineFinalMode downgrades a full run to express when heavy scoring
// cannot run: the LLM breaker is open, or two or more dependencies are down.
func (mm *ModeManager) DetermineFinalMode(ctx context.Context, mode, projectID string) (*ModeDecision, error) {
	d := &ModeDecision{OriginalMode: mode, FinalMode: mode}
	if mode == ModeExpress {
		return d, nil
	}
	shouldDegrade, level, err := mm.strategy.ShouldDegrade(ctx)
	if err != nil {
		return d, fmt.Errorf("failed to check degradation: %w", err)
	}
	d.DegradationLevel = level

	switch mm.strategy.GetFallbackBehavior(OpHeavyScoring) {
	case BehaviorSkip:
		d.Reason = ReasonCircuitBreakerOpen
	case BehaviorDegrade:
		d.Reason = ReasonHighDegradation
	default:
		if !shouldDegrade || level < LevelModerate {
			return d, nil
		}
		d.Reason = ReasonHighDegradation
	}
	d.FinalMode = ModeExpress
	d.WasDowngraded = true

	mm.logger.Info("Mode downgraded due to system degradation",
		zap.String("project_id", projectID),
		zap.String("original_mode", mode),
		zap.String("final_mode", d.FinalMode),
		zap.String("degradation_level", level.String()),
		zap.String("reason", string(d.Reason)),
	)
	RecordModeDowngrade(mode, d.FinalMode, string(d.Reason))
	mm.strategy.RecordDegradation(level, fmt.Sprintf("mode_downgrade_%s_to_%s", mode, d.FinalMode))
	return d, nil
}

// CanExecuteOperation checks if an operation should proceed in current degradation state
func (mm *ModeManager) CanExecuteOperation(ctx context.Context, operation string) (bool, FallbackBehavior, error) {
	behavior := mm.strategy.GetFallbackBehavior(operation)
	RecordFallbackBehavior(operation, behavior)

	switch behavior {
	case BehaviorSkip:
		return false, behavior, nil
	case BehaviorFail:
		return false, behavior, fmt.Errorf("operation %s failed due to degradation", operation)
	default:
		return true, behavior, nil
	}
}

package degradation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager coordinates all degradation-related functionality
type Manager struct {
	strategy              *DefaultStrategy
	modeManager           *ModeManager
	partialResultsManager *PartialResultsManager
	logger                *zap.Logger

	// Background monitoring
	healthCheckInterval time.Duration
	stopCh              chan struct{}
	started             bool
	mu                  sync.Mutex
}

// NewManager creates a degradation manager over the given dependencies.
// Nil dependencies are skipped.
func NewManager(deps map[string]Dependency, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy := NewDefaultStrategy(logger)
	for name, dep := range deps {
		strategy.Register(name, dep)
	}
	return &Manager{
		strategy:              strategy,
		modeManager:           NewModeManager(strategy, logger),
		partialResultsManager: NewPartialResultsManager(logger),
		logger:                logger,
		healthCheckInterval:   30 * time.Second,
	}
}

// Register adds a dependency after construction.
func (m *Manager) Register(name string, dep Dependency) { m.strategy.Register(name, dep) }

// Start begins background health monitoring
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	go m.healthMonitorLoop(ctx, m.stopCh)

	m.logger.Info("Degradation manager started",
		zap.Duration("health_check_interval", m.healthCheckInterval),
	)
	return nil
}

// Stop stops background monitoring
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Degradation manager stopped")
	return nil
}

func (m *Manager) healthMonitorLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()
	m.updateHealthMetrics()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateHealthMetrics()
		}
	}
}

func (m *Manager) updateHealthMetrics() {
	health := m.strategy.CheckSystemHealth()
	for _, d := range health.Dependencies {
		RecordDependencyHealth(d.Name, d.IsHealthy)
	}
	currentDegradationLevel.Set(float64(health.Overall))
}

// GetModeManager returns the mode manager
func (m *Manager) GetModeManager() *ModeManager { return m.modeManager }

// GetPartialResultsManager returns the partial results manager
func (m *Manager) GetPartialResultsManager() *PartialResultsManager { return m.partialResultsManager }

// CheckSystemHealth returns current system health status
func (m *Manager) CheckSystemHealth() SystemHealth { return m.strategy.CheckSystemHealth() }

// IsSystemDegraded returns true if system is currently in degraded state
func (m *Manager) IsSystemDegraded(ctx context.Context) (bool, DegradationLevel, error) {
	return m.strategy.ShouldDegrade(ctx)
}

// RecommendedMode returns the mode a run should use under current health.
func (m *Manager) RecommendedMode(ctx context.Context, mode, projectID string) (*ModeDecision, error) {
	return m.modeManager.DetermineFinalMode(ctx, mode, projectID)
}

// CanExecuteOperation checks if an operation should proceed in current state
func (m *Manager) CanExecuteOperation(ctx context.Context, operation string) (bool, string, error) {
	ok, behavior, err := m.modeManager.CanExecuteOperation(ctx, operation)
	return ok, behavior.String(), err
}

// AggregatePartialResults aggregates per-unit outcomes.
func (m *Manager) AggregatePartialResults(results []PartialResult, operation string) *AggregatedResult {
	return m.partialResultsManager.AggregateResults(results, operation)
}

// CreatePartialResult creates a partial result from a unit execution
func (m *Manager) CreatePartialResult(source string, result interface{}, err error, degraded bool) PartialResult {
	return m.partialResultsManager.CreatePartialResult(source, result, err, degraded)
}

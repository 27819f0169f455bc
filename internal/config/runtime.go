package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/consistency-engine/internal/attributes"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/orchestrator"
	"github.com/Kocoro-lab/consistency-engine/internal/signals"
)

// Tunables is the subset of the configuration that can change while the
// service runs.
type Tunables struct {
	Resolver entities.Config `yaml:"resolver"`
	Signals  struct {
		Weights map[string]float64 `yaml:"weights"`
	} `yaml:"signals"`
	Attributes   attributes.Config   `yaml:"attributes"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
}

// DefaultWeights returns the shipped signal weights keyed by signal name.
func DefaultWeights() map[string]float64 {
	out := make(map[string]float64)
	for k, v := range signals.DefaultWeights() {
		out[string(k)] = v
	}
	return out
}

// DefaultTunables returns the shipped values.
func DefaultTunables() *Tunables {
	t := &Tunables{
		Resolver:     entities.DefaultConfig(),
		Attributes:   attributes.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	}
	t.Signals.Weights = DefaultWeights()
	return t
}

// TunablesFrom extracts the hot-reloadable part of a loaded Config.
func TunablesFrom(c *Config) *Tunables {
	t := &Tunables{
		Resolver:     c.Resolver,
		Attributes:   c.Attributes,
		Orchestrator: c.Orchestrator,
	}
	t.Signals.Weights = make(map[string]float64, len(c.Signals.Weights))
	for k, v := range c.Signals.Weights {
		t.Signals.Weights[k] = v
	}
	return t
}

// SignalWeights converts the weight table for the scorer.
func (t *Tunables) SignalWeights() signals.Weights {
	w := make(signals.Weights, len(t.Signals.Weights))
	for k, v := range t.Signals.Weights {
		w[signals.Kind(k)] = v
	}
	return w
}

// Validate rejects values the resolver and scorer cannot work with.
func (t *Tunables) Validate() error {
	r := t.Resolver
	if r.MergeThreshold <= 0 || r.MergeThreshold > 1 {
		return fmt.Errorf("resolver.merge_threshold must be in (0, 1], got %v", r.MergeThreshold)
	}
	if r.AutoMergeThreshold != 0 && (r.AutoMergeThreshold < r.MergeThreshold || r.AutoMergeThreshold > 1) {
		return fmt.Errorf("resolver.auto_merge_threshold must be 0 or in [merge_threshold, 1], got %v", r.AutoMergeThreshold)
	}
	if r.AmbiguityMargin < 0 || r.AmbiguityMargin >= r.MergeThreshold {
		return fmt.Errorf("resolver.ambiguity_margin must be in [0, merge_threshold), got %v", r.AmbiguityMargin)
	}
	if r.CandidateFloor < 0 || r.CandidateFloor > 1 {
		return fmt.Errorf("resolver.candidate_floor must be in [0, 1], got %v", r.CandidateFloor)
	}
	if r.MaxCandidatePairs < 0 {
		return fmt.Errorf("resolver.max_candidate_pairs cannot be negative, got %d", r.MaxCandidatePairs)
	}
	if c := t.Attributes.MinConfidence; c < 0 || c > 1 {
		return fmt.Errorf("attributes.min_confidence must be in [0, 1], got %v", c)
	}
	if t.Orchestrator.HeavySlots < 0 {
		return fmt.Errorf("orchestrator.heavy_slots cannot be negative, got %d", t.Orchestrator.HeavySlots)
	}

	known := make(map[string]bool, len(signals.Kinds))
	for _, k := range signals.Kinds {
		known[string(k)] = true
	}
	total := 0.0
	for name, w := range t.Signals.Weights {
		if !known[name] {
			return fmt.Errorf("signals.weights: unknown signal %q", name)
		}
		if w < 0 {
			return fmt.Errorf("signals.weights.%s cannot be negative, got %v", name, w)
		}
		total += w
	}
	if total <= 0 {
		return errors.New("signals.weights must have a positive total")
	}
	return nil
}

// decodeTunables overlays a raw config map on the defaults.
func decodeTunables(raw map[string]interface{}) (*Tunables, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	t := DefaultTunables()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decode tunables: %w", err)
	}
	return t, nil
}

// ValidateTunables is a ConfigManager validator for the service config file.
func ValidateTunables(raw map[string]interface{}) error {
	t, err := decodeTunables(raw)
	if err != nil {
		return err
	}
	return t.Validate()
}

// TunablesCallback receives the previous and the new tunables.
type TunablesCallback func(old, updated *Tunables)

// RuntimeManager keeps the current Tunables in sync with the config file
// watched by a ConfigManager.
type RuntimeManager struct {
	manager  *ConfigManager
	filename string
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Tunables
	callbacks []TunablesCallback
}

// NewRuntimeManager tracks path, which must live in the manager's directory.
func NewRuntimeManager(manager *ConfigManager, path string, initial *Tunables, logger *zap.Logger) *RuntimeManager {
	if initial == nil {
		initial = DefaultTunables()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeManager{
		manager:  manager,
		filename: filepath.Base(path),
		logger:   logger,
		current:  initial,
	}
}

// Initialize registers the validator and change handler. Call before the
// manager starts so the initial load is validated too.
func (rm *RuntimeManager) Initialize() {
	rm.manager.RegisterValidator(rm.filename, ValidateTunables)
	rm.manager.RegisterHandler(rm.filename, rm.handleChange)
}

// Current returns the active tunables.
func (rm *RuntimeManager) Current() *Tunables {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.current
}

// OnChange registers a callback run after every accepted change.
func (rm *RuntimeManager) OnChange(cb TunablesCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, cb)
}

func (rm *RuntimeManager) handleChange(event ChangeEvent) error {
	if event.Action == "delete" {
		rm.logger.Warn("Config file removed, keeping current tunables", zap.String("file", event.File))
		return nil
	}
	updated, err := decodeTunables(event.Config)
	if err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	rm.mu.Lock()
	old := rm.current
	if reflect.DeepEqual(old, updated) {
		rm.mu.Unlock()
		return nil
	}
	rm.current = updated
	callbacks := make([]TunablesCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.Unlock()

	rm.logger.Info("Tunables updated",
		zap.String("action", event.Action),
		zap.Float64("merge_threshold", updated.Resolver.MergeThreshold),
		zap.Any("weights", updated.Signals.Weights),
	)
	for _, cb := range callbacks {
		cb(old, updated)
	}
	return nil
}

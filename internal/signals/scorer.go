package signals

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
)

// Scorer runs the configured providers for a pair and combines their scores.
// A provider that errors or exceeds the per-call timeout is dropped from the
// combination instead of failing the pair.
type Scorer struct {
	providers []Provider
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	weights Weights
}

// NewScorer creates a scorer. A zero timeout defaults to 10s.
func NewScorer(providers []Provider, weights Weights, timeout time.Duration, logger *zap.Logger) *Scorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if weights == nil {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		providers: providers,
		timeout:   timeout,
		logger:    logger,
		weights:   weights.Clone(),
	}
}

// SetWeights swaps the weight table, e.g. after a config reload.
func (s *Scorer) SetWeights(w Weights) {
	s.mu.Lock()
	s.weights = w.Clone()
	s.mu.Unlock()
}

// Weights returns a copy of the current weight table.
func (s *Scorer) Weights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights.Clone()
}

// HasHeavy reports whether any tier2 provider is configured. Providers that
// expose Enabled() count only when enabled.
func (s *Scorer) HasHeavy() bool {
	for _, p := range s.providers {
		if !p.Heavy() {
			continue
		}
		if e, ok := p.(interface{ Enabled() bool }); ok && !e.Enabled() {
			continue
		}
		return true
	}
	return false
}

// Score evaluates the pair. Heavy providers run only when heavy is true. The
// returned error is non-nil only when ctx itself is done.
func (s *Scorer) Score(ctx context.Context, pair Pair, heavy bool) (Result, error) {
	var active []Provider
	for _, p := range s.providers {
		if p.Heavy() && !heavy {
			continue
		}
		active = append(active, p)
	}

	scores := make([]Score, len(active))
	var g errgroup.Group
	for i, p := range active {
		i, p := i, p
		g.Go(func() error {
			scores[i] = s.scoreOne(ctx, p, pair)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Combine(scores, s.Weights()), nil
}

func (s *Scorer) scoreOne(ctx context.Context, p Provider, pair Pair) Score {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	sc, err := p.Score(cctx, pair)
	elapsed := time.Since(start).Seconds()
	kind := string(p.Kind())

	switch {
	case err == nil && sc.Available:
		metrics.RecordSignal(kind, "ok", elapsed)
		sc.Kind = p.Kind()
		return sc
	case err == nil:
		metrics.RecordSignal(kind, "unavailable", elapsed)
		return Unavailable(p.Kind(), sc.Reason)
	case ctx.Err() != nil:
		return Unavailable(p.Kind(), "cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordSignal(kind, "timeout", elapsed)
		s.logger.Warn("Signal provider timed out",
			zap.String("signal", kind),
			zap.Duration("timeout", s.timeout),
		)
		return Unavailable(p.Kind(), "timeout")
	case errors.Is(err, ErrUnavailable):
		metrics.RecordSignal(kind, "unavailable", elapsed)
		return Unavailable(p.Kind(), err.Error())
	default:
		metrics.RecordSignal(kind, "error", elapsed)
		s.logger.Warn("Signal provider failed",
			zap.String("signal", kind),
			zap.Error(err),
		)
		return Unavailable(p.Kind(), err.Error())
	}
}

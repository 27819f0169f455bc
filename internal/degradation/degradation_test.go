package degradation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDep struct{ open bool }

func (f *fakeDep) IsCircuitBreakerOpen() bool { return f.open }

func newTestStrategy(open ...string) (*DefaultStrategy, map[string]*fakeDep) {
	deps := map[string]*fakeDep{
		DependencyDatabase:   {},
		DependencyRedis:      {},
		DependencyEmbeddings: {},
		DependencyLLM:        {},
	}
	for _, name := range open {
		deps[name].open = true
	}
	s := NewDefaultStrategy(zap.NewNop())
	for name, d := range deps {
		s.Register(name, d)
	}
	return s, deps
}

func TestCheckSystemHealthLevels(t *testing.T) {
	cases := []struct {
		name string
		open []string
		want DegradationLevel
	}{
		{"all healthy", nil, LevelNone},
		{"one optional down", []string{DependencyRedis}, LevelMinor},
		{"two optional down", []string{DependencyRedis, DependencyEmbeddings}, LevelModerate},
		{"three down", []string{DependencyRedis, DependencyEmbeddings, DependencyLLM}, LevelSevere},
		{"database down", []string{DependencyDatabase}, LevelSevere},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStrategy(tc.open...)
			h := s.CheckSystemHealth()
			assert.Equal(t, tc.want, h.Overall)
			assert.Equal(t, tc.want.String(), h.Level)
			assert.Len(t, h.Dependencies, 4)
		})
	}
}

func TestRegisterIgnoresNil(t *testing.T) {
	s := NewDefaultStrategy(nil)
	s.Register(DependencyLLM, nil)
	assert.Empty(t, s.CheckSystemHealth().Dependencies)
	assert.True(t, s.CheckSystemHealth().Healthy(DependencyLLM))
}

func TestFallbackBehavior(t *testing.T) {
	s, deps := newTestStrategy()
	assert.Equal(t, BehaviorProceed, s.GetFallbackBehavior(OpHeavyScoring))
	assert.Equal(t, BehaviorProceed, s.GetFallbackBehavior(OpSemanticSignal))
	assert.Equal(t, BehaviorProceed, s.GetFallbackBehavior(OpAnalysis))

	deps[DependencyLLM].open = true
	assert.Equal(t, BehaviorSkip, s.GetFallbackBehavior(OpHeavyScoring))

	deps[DependencyLLM].open = false
	deps[DependencyRedis].open = true
	deps[DependencyEmbeddings].open = true
	assert.Equal(t, BehaviorDegrade, s.GetFallbackBehavior(OpHeavyScoring))
	assert.Equal(t, BehaviorSkip, s.GetFallbackBehavior(OpSemanticSignal))

	deps[DependencyDatabase].open = true
	assert.Equal(t, BehaviorFail, s.GetFallbackBehavior(OpAnalysis))
	assert.Equal(t, BehaviorProceed, s.GetFallbackBehavior(OpProgressPersistence))
}

func TestDetermineFinalMode(t *testing.T) {
	ctx := context.Background()

	s, _ := newTestStrategy()
	mm := NewModeManager(s, zap.NewNop())
	d, err := mm.DetermineFinalMode(ctx, ModeFull, "p1")
	require.NoError(t, err)
	assert.False(t, d.WasDowngraded)
	assert.Equal(t, ModeFull, d.FinalMode)

	s, _ = newTestStrategy(DependencyLLM)
	mm = NewModeManager(s, zap.NewNop())
	d, err = mm.DetermineFinalMode(ctx, ModeFull, "p1")
	require.NoError(t, err)
	assert.True(t, d.WasDowngraded)
	assert.Equal(t, ModeExpress, d.FinalMode)
	assert.Equal(t, ReasonCircuitBreakerOpen, d.Reason)

	// express never changes
	d, err = mm.DetermineFinalMode(ctx, ModeExpress, "p1")
	require.NoError(t, err)
	assert.False(t, d.WasDowngraded)

	// a single optional dependency down keeps full mode
	s, _ = newTestStrategy(DependencyRedis)
	mm = NewModeManager(s, zap.NewNop())
	d, err = mm.DetermineFinalMode(ctx, ModeFull, "p1")
	require.NoError(t, err)
	assert.False(t, d.WasDowngraded)
	assert.Equal(t, LevelMinor, d.DegradationLevel)
}

func TestCanExecuteOperation(t *testing.T) {
	s, _ := newTestStrategy(DependencyDatabase)
	mm := NewModeManager(s, zap.NewNop())

	ok, behavior, err := mm.CanExecuteOperation(context.Background(), OpAnalysis)
	assert.False(t, ok)
	assert.Equal(t, BehaviorFail, behavior)
	assert.Error(t, err)

	ok, behavior, err = mm.CanExecuteOperation(context.Background(), OpProgressPersistence)
	assert.True(t, ok)
	assert.Equal(t, BehaviorProceed, behavior)
	assert.NoError(t, err)
}

func TestAggregateResults(t *testing.T) {
	prm := NewPartialResultsManager(zap.NewNop())
	results := []PartialResult{
		prm.CreatePartialResult("ch-2", nil, errors.New("timeout"), false),
		prm.CreatePartialResult("ch-1", "ok", nil, false),
		prm.CreatePartialResult("ch-0", nil, errors.New("bad text"), false),
	}
	agg := prm.AggregateResults(results, "extraction")
	assert.True(t, agg.Success)
	assert.True(t, agg.Degraded)
	assert.Equal(t, 1, agg.SuccessCount)
	assert.Equal(t, 2, agg.FailureCount)
	assert.Equal(t, []string{"ch-0", "ch-2"}, agg.Affected)
	assert.Equal(t, []interface{}{"ok"}, agg.Results)
	assert.Contains(t, agg.Warning, "ch-2: timeout")

	all := prm.AggregateResults([]PartialResult{
		prm.CreatePartialResult("ch-0", nil, errors.New("x"), false),
	}, "extraction")
	assert.False(t, all.Success)

	empty := prm.AggregateResults(nil, "extraction")
	assert.True(t, empty.Success)
	assert.False(t, empty.Degraded)
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(map[string]Dependency{DependencyLLM: &fakeDep{open: true}}, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	degraded, level, err := m.IsSystemDegraded(context.Background())
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, LevelMinor, level)

	d, err := m.RecommendedMode(context.Background(), ModeFull, "p")
	require.NoError(t, err)
	assert.Equal(t, ModeExpress, d.FinalMode)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

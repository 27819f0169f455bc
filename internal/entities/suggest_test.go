package entities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/signals"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

func TestCandidatePairsRespectTypes(t *testing.T) {
	r, st := newTestResolver(t)
	quijote := seedEntity(t, st, "Don Quijote", models.EntityCharacter, 3)
	short := seedEntity(t, st, "Quijote", models.EntityCharacter, 1)
	seedEntity(t, st, "Quijote", models.EntityObject, 1)
	seedEntity(t, st, "Sancho", models.EntityCharacter, 1)

	pairs, err := r.CandidatePairs(context.Background(), testProject)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.ElementsMatch(t, []string{quijote.ID, short.ID}, []string{pairs[0].A, pairs[0].B})
}

func TestSuggestAboveThreshold(t *testing.T) {
	r, st := newTestResolver(t)
	seedEntity(t, st, "Don Quijote", models.EntityCharacter, 3)
	seedEntity(t, st, "Quijote", models.EntityCharacter, 1)

	suggestions, err := r.Suggest(context.Background(), testProject)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	s := suggestions[0]
	assert.GreaterOrEqual(t, s.Score, 0.82)
	assert.InDelta(t, 1.0, s.AppliedWeights["heuristic"]+s.AppliedWeights["morpho"], 1e-9)
	assert.NotEmpty(t, s.Reason)
}

func TestAmbiguousBand(t *testing.T) {
	r, st := newTestResolver(t)
	seedEntity(t, st, "Juan Pérez", models.EntityCharacter, 2)
	seedEntity(t, st, "J. Pérez", models.EntityCharacter, 1)
	ctx := context.Background()

	pairs, err := r.CandidatePairs(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	scored, err := r.ScorePairs(ctx, testProject, pairs, ScoreOptions{})
	require.NoError(t, err)
	require.Len(t, scored, 1)
	score := scored[0].Result.Score
	require.Less(t, score, 0.82)

	cfg := r.Config()
	cfg.AmbiguityMargin = 0.82 - score + 0.01
	r.SetConfig(cfg)
	assert.Len(t, r.Ambiguous(scored), 1)
	assert.Empty(t, r.Suggestions(testProject, scored))

	cfg.AmbiguityMargin = 0.01
	r.SetConfig(cfg)
	assert.Empty(t, r.Ambiguous(scored))
}

func TestScorePairsCheckpointAborts(t *testing.T) {
	r, st := newTestResolver(t)
	a := seedEntity(t, st, "Ana", models.EntityCharacter, 1)
	b := seedEntity(t, st, "Anita", models.EntityCharacter, 1)

	stop := assert.AnError
	calls := 0
	_, err := r.ScorePairs(context.Background(), testProject,
		[]models.EntityPair{{A: a.ID, B: b.ID}, {A: a.ID, B: b.ID}},
		ScoreOptions{CheckpointEvery: 1, Checkpoint: func(done, total int) error {
			calls++
			if done == 1 {
				return stop
			}
			return nil
		}},
	)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestAutoMergePicksLargerTarget(t *testing.T) {
	r, st := newTestResolver(t)
	big := seedEntity(t, st, "Don Quijote", models.EntityCharacter, 5)
	small := seedEntity(t, st, "Quijote", models.EntityCharacter, 1)
	ctx := context.Background()

	suggestions, err := r.Suggest(ctx, testProject)
	require.NoError(t, err)

	merges, err := r.AutoMerge(ctx, testProject, suggestions)
	require.NoError(t, err)
	assert.Empty(t, merges, "auto-merge disabled by default")

	cfg := r.Config()
	cfg.AutoMergeThreshold = 0.9
	r.SetConfig(cfg)
	merges, err = r.AutoMerge(ctx, testProject, suggestions)
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, big.ID, merges[0].TargetID)
	assert.Equal(t, models.StringList{small.ID}, merges[0].SourceIDs)
}

type fixedProvider struct {
	kind  signals.Kind
	value float64
}

func (p fixedProvider) Kind() signals.Kind { return p.kind }
func (fixedProvider) Heavy() bool         { return false }
func (p fixedProvider) Score(context.Context, signals.Pair) (signals.Score, error) {
	return signals.Score{Kind: p.kind, Value: p.value, Available: true}, nil
}

func TestMariaAccentScenario(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.SaveProject(ctx, &models.Project{ID: testProject, Name: "Novela", CreatedAt: time.Now()}))
	scorer := signals.NewScorer([]signals.Provider{fixedProvider{kind: signals.Semantic, value: 0.84}},
		signals.DefaultWeights(), time.Second, zap.NewNop())
	r := NewResolver(st, scorer, DefaultConfig(), zaptest.NewLogger(t))

	maria := seedEntity(t, st, "Maria", models.EntityCharacter, 3)
	accented := seedEntity(t, st, "María", models.EntityCharacter, 2)

	suggestions, err := r.Suggest(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.InDelta(t, 0.84, suggestions[0].Score, 1e-9)
	assert.ElementsMatch(t, []string{"Maria", "María"}, []string{suggestions[0].NameA, suggestions[0].NameB})

	h, err := r.Merge(ctx, testProject, []string{accented.ID}, maria.ID, "")
	require.NoError(t, err)
	merged, err := st.GetEntity(ctx, maria.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.MentionCount)
	assert.Equal(t, models.StringList{"María"}, merged.Aliases)

	res, err := r.Undo(ctx, h.ID, false)
	require.NoError(t, err)
	require.True(t, res.Applied)
	restored, err := st.GetEntity(ctx, maria.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.MentionCount)
	assert.Empty(t, restored.Aliases)
	back, err := st.GetEntity(ctx, accented.ID)
	require.NoError(t, err)
	assert.True(t, back.Active)
	assert.Equal(t, 2, back.MentionCount)
}

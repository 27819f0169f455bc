package signals

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

type staticProvider struct {
	kind  Kind
	heavy bool
	score float64
	err   error
	delay time.Duration
}

func (p *staticProvider) Kind() Kind  { return p.kind }
func (p *staticProvider) Heavy() bool { return p.heavy }

func (p *staticProvider) Score(ctx context.Context, _ Pair) (Score, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Score{}, ctx.Err()
		}
	}
	if p.err != nil {
		return Score{}, p.err
	}
	return Score{Kind: p.kind, Value: p.score, Available: true}, nil
}

func person(name string, aliases ...string) Candidate {
	return Candidate{Name: name, Aliases: aliases, Type: models.EntityCharacter}
}

func TestCombineRenormalizesMissingSignals(t *testing.T) {
	scores := []Score{
		{Kind: Semantic, Value: 0.9, Available: true},
		Unavailable(LLM, "down"),
		{Kind: Morpho, Value: 0.6, Available: true},
		{Kind: Heuristic, Value: 0.3, Available: true},
	}
	res := Combine(scores, DefaultWeights())

	assert.InDelta(t, 1.0, res.AppliedSum(), 1e-9)
	assert.Equal(t, []Kind{LLM}, res.Missing)
	assert.InDelta(t, 0.30/0.65, res.Applied[Semantic], 1e-9)
	expected := (0.30*0.9 + 0.20*0.6 + 0.15*0.3) / 0.65
	assert.InDelta(t, expected, res.Score, 1e-9)
}

func TestCombineAllUnavailable(t *testing.T) {
	res := Combine([]Score{Unavailable(Semantic, ""), Unavailable(LLM, "")}, DefaultWeights())
	assert.Zero(t, res.Score)
	assert.Empty(t, res.Applied)
	assert.ElementsMatch(t, []Kind{Semantic, LLM}, res.Missing)
}

func TestCombineClampsValues(t *testing.T) {
	res := Combine([]Score{{Kind: Heuristic, Value: 1.7, Available: true}}, Weights{Heuristic: 1})
	assert.Equal(t, 1.0, res.Score)
}

func TestHeuristicAccentInsensitive(t *testing.T) {
	sc, err := NewHeuristicProvider().Score(context.Background(), Pair{A: person("Maria"), B: person("María")})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sc.Value)
}

func TestNameSimilarityContainmentBoost(t *testing.T) {
	s := NameSimilarity("maria", "maria lopez")
	assert.GreaterOrEqual(t, s, 0.85)
	assert.LessOrEqual(t, s, 0.95)
	assert.Less(t, NameSimilarity("ana", "pedro"), 0.5)
}

func TestMorphoRules(t *testing.T) {
	ctx := context.Background()
	p := NewMorphoProvider()

	cases := []struct {
		a, b Candidate
		want float64
	}{
		{person("Don Quijote"), person("Quijote"), 0.95},
		{person("Juan Pérez"), person("Juan Pérez García"), 0.8},
		{person("J. Pérez"), person("Juan Pérez"), 0.7},
		{person("Ana Ruiz"), person("Luis Ruiz"), 0.4},
	}
	for _, c := range cases {
		sc, err := p.Score(ctx, Pair{A: c.a, B: c.b})
		require.NoError(t, err)
		assert.InDelta(t, c.want, sc.Value, 1e-9, "%s vs %s", c.a.Name, c.b.Name)
	}

	sc, err := p.Score(ctx, Pair{
		A: Candidate{Name: "Madrid", Type: models.EntityLocation},
		B: Candidate{Name: "Madrid", Type: models.EntityCharacter},
	})
	require.NoError(t, err)
	assert.Zero(t, sc.Value)
}

func TestTypesCompatible(t *testing.T) {
	assert.True(t, TypesCompatible(models.EntityLocation, models.EntityOrganization))
	assert.True(t, TypesCompatible(models.EntityOther, models.EntityCharacter))
	assert.False(t, TypesCompatible(models.EntityCharacter, models.EntityObject))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{-1, 0}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
}

type fakeEmbedder struct{ vecs [][]float32 }

func (f fakeEmbedder) GenerateBatchEmbeddings(context.Context, []string, string) ([][]float32, error) {
	return f.vecs, nil
}

func TestSemanticProvider(t *testing.T) {
	ctx := context.Background()
	sc, err := NewSemanticProvider(nil, "").Score(ctx, Pair{A: person("a"), B: person("b")})
	require.NoError(t, err)
	assert.False(t, sc.Available)

	p := NewSemanticProvider(fakeEmbedder{vecs: [][]float32{{1, 0}, {1, 0}}}, "m")
	sc, err = p.Score(ctx, Pair{A: person("a"), B: person("b")})
	require.NoError(t, err)
	assert.True(t, sc.Available)
	assert.InDelta(t, 1.0, sc.Value, 1e-9)
}

func TestScorerTimeoutMakesSignalUnavailable(t *testing.T) {
	providers := []Provider{
		&staticProvider{kind: Heuristic, score: 0.8},
		&staticProvider{kind: Semantic, score: 0.1, delay: time.Second},
	}
	s := NewScorer(providers, DefaultWeights(), 20*time.Millisecond, zap.NewNop())

	res, err := s.Score(context.Background(), Pair{A: person("a"), B: person("b")}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.Score, 1e-9)
	assert.Equal(t, []Kind{Semantic}, res.Missing)
}

func TestScorerErrorMakesSignalUnavailable(t *testing.T) {
	providers := []Provider{
		&staticProvider{kind: Heuristic, score: 0.5},
		&staticProvider{kind: Morpho, err: errors.New("boom")},
	}
	s := NewScorer(providers, DefaultWeights(), time.Second, zap.NewNop())
	res, err := s.Score(context.Background(), Pair{}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
}

func TestScorerSkipsHeavyProvidersInTier1(t *testing.T) {
	heavy := &staticProvider{kind: LLM, heavy: true, score: 1}
	s := NewScorer([]Provider{&staticProvider{kind: Heuristic, score: 0.4}, heavy}, DefaultWeights(), time.Second, zap.NewNop())
	assert.True(t, s.HasHeavy())
	unconfigured := NewScorer([]Provider{NewLLMProvider(LLMConfig{}, zap.NewNop())}, DefaultWeights(), time.Second, zap.NewNop())
	assert.False(t, unconfigured.HasHeavy())

	light, err := s.Score(context.Background(), Pair{}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, light.Score, 1e-9)
	assert.NotContains(t, light.Missing, LLM)

	full, err := s.Score(context.Background(), Pair{}, true)
	require.NoError(t, err)
	assert.InDelta(t, (0.15*0.4+0.35*1)/0.5, full.Score, 1e-9)
}

func TestScorerCancelledContext(t *testing.T) {
	s := NewScorer([]Provider{&staticProvider{kind: Heuristic, delay: time.Second}}, nil, time.Minute, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Score(ctx, Pair{}, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScorerSetWeights(t *testing.T) {
	s := NewScorer(nil, nil, 0, zap.NewNop())
	s.SetWeights(Weights{Heuristic: 1})
	w := s.Weights()
	w[Heuristic] = 0
	assert.Equal(t, 1.0, s.Weights()[Heuristic])
}

func TestLLMProviderScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coreference/score", r.URL.Path)
		var req llmRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Maria", req.EntityA.Name)
		_, _ = w.Write([]byte(`{"score":0.91,"reasoning":"same character"}`))
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{BaseURL: srv.URL}, zap.NewNop())
	sc, err := p.Score(context.Background(), Pair{A: person("Maria"), B: person("María")})
	require.NoError(t, err)
	assert.True(t, sc.Available)
	assert.InDelta(t, 0.91, sc.Value, 1e-9)
	assert.Equal(t, "same character", sc.Reason)
}

func TestLLMRateLimitWaitCountsAsTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"score":0.9}`))
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{BaseURL: srv.URL, RPM: 1}, zap.NewNop())
	_, err := p.Score(context.Background(), Pair{A: person("Maria"), B: person("Mari")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Score(ctx, Pair{A: person("Maria"), B: person("Mari")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// nil logger must not panic on the timeout log path
	s := NewScorer([]Provider{&staticProvider{kind: Heuristic, score: 0.7}, p}, DefaultWeights(), 50*time.Millisecond, nil)
	res, err := s.Score(context.Background(), Pair{A: person("Maria"), B: person("Mari")}, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.Score, 1e-9)
	assert.Equal(t, []Kind{LLM}, res.Missing)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScorerNilLoggerOnProviderError(t *testing.T) {
	s := NewScorer([]Provider{
		&staticProvider{kind: Heuristic, score: 0.5},
		&staticProvider{kind: Morpho, err: errors.New("boom")},
	}, DefaultWeights(), time.Second, nil)
	assert.NotPanics(t, func() {
		res, err := s.Score(context.Background(), Pair{}, false)
		require.NoError(t, err)
		assert.Equal(t, []Kind{Morpho}, res.Missing)
	})
}

func TestLLMProviderUnconfiguredAndErrors(t *testing.T) {
	sc, err := NewLLMProvider(LLMConfig{}, zap.NewNop()).Score(context.Background(), Pair{})
	require.NoError(t, err)
	assert.False(t, sc.Available)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err = NewLLMProvider(LLMConfig{BaseURL: srv.URL}, zap.NewNop()).Score(context.Background(), Pair{})
	assert.Error(t, err)
}

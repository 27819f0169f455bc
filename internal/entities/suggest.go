package entities

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
	"github.com/Kocoro-lab/consistency-engine/internal/signals"
)

// ErrNoScorer is returned by scoring calls on a resolver built without signals.
var ErrNoScorer = errors.New("resolver has no signal scorer")

// ScoredPair is a candidate pair with its consensus result.
type ScoredPair struct {
	Pair   models.EntityPair
	NameA  string
	NameB  string
	Result signals.Result
}

// ScoreOptions tunes one ScorePairs call.
type ScoreOptions struct {
	// Heavy includes tier2 providers.
	Heavy bool
	// Contexts holds short text snippets per entity id for context-aware signals.
	Contexts map[string][]string
	// Checkpoint is called every CheckpointEvery pairs; a non-nil error aborts scoring.
	Checkpoint      func(done, total int) error
	CheckpointEvery int
}

// CandidatePairs lists pairs of active entities worth scoring: compatible
// types and a best name similarity of at least CandidateFloor, or a shared
// name token. Pairs are ordered by decreasing similarity and capped.
func (r *Resolver) CandidatePairs(ctx context.Context, projectID string) ([]models.EntityPair, error) {
	ents, err := r.store.ListEntities(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	cfg := r.Config()

	type cand struct {
		pair models.EntityPair
		sim  float64
	}
	normNames := make([][]string, len(ents))
	for i := range ents {
		for _, n := range ents[i].Names() {
			normNames[i] = append(normNames[i], normalize.Name(n))
		}
	}

	var cands []cand
	for i := 0; i < len(ents); i++ {
		for j := i + 1; j < len(ents); j++ {
			if !signals.TypesCompatible(ents[i].Type, ents[j].Type) {
				continue
			}
			sim, shared := nameAffinity(normNames[i], normNames[j])
			if sim < cfg.CandidateFloor && !shared {
				continue
			}
			a, b := ents[i].ID, ents[j].ID
			if b < a {
				a, b = b, a
			}
			cands = append(cands, cand{pair: models.EntityPair{A: a, B: b}, sim: sim})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if cfg.MaxCandidatePairs > 0 && len(cands) > cfg.MaxCandidatePairs {
		r.logger.Warn("Candidate pairs capped",
			zap.String("project_id", projectID),
			zap.Int("found", len(cands)),
			zap.Int("cap", cfg.MaxCandidatePairs),
		)
		cands = cands[:cfg.MaxCandidatePairs]
	}
	out := make([]models.EntityPair, len(cands))
	for i, c := range cands {
		out[i] = c.pair
	}
	return out, nil
}

func nameAffinity(a, b []string) (float64, bool) {
	best := 0.0
	shared := false
	for _, x := range a {
		tx := normalize.Tokens(normalize.StripPrefixes(x))
		for _, y := range b {
			if s := signals.NameSimilarity(x, y); s > best {
				best = s
			}
			if !shared {
				shared = sharesToken(tx, normalize.Tokens(normalize.StripPrefixes(y)))
			}
		}
	}
	return best, shared
}

func sharesToken(a, b []string) bool {
	for _, x := range a {
		if len([]rune(x)) < 3 {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ScorePairs scores each pair whose entities are still active. Pairs whose
// entities disappeared (merged or deleted) are skipped.
func (r *Resolver) ScorePairs(ctx context.Context, projectID string, pairs []models.EntityPair, opts ScoreOptions) ([]ScoredPair, error) {
	if r.scorer == nil {
		return nil, ErrNoScorer
	}
	ents, err := r.store.ListEntities(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Entity, len(ents))
	for _, e := range ents {
		byID[e.ID] = e
	}

	out := make([]ScoredPair, 0, len(pairs))
	for i, p := range pairs {
		if opts.Checkpoint != nil && opts.CheckpointEvery > 0 && i%opts.CheckpointEvery == 0 {
			if err := opts.Checkpoint(i, len(pairs)); err != nil {
				return out, err
			}
		}
		a, okA := byID[p.A]
		b, okB := byID[p.B]
		if !okA || !okB {
			continue
		}
		ca, cb := signals.CandidateFromEntity(a), signals.CandidateFromEntity(b)
		ca.Contexts, cb.Contexts = opts.Contexts[a.ID], opts.Contexts[b.ID]

		res, err := r.scorer.Score(ctx, signals.Pair{A: ca, B: cb}, opts.Heavy)
		if err != nil {
			return out, fmt.Errorf("score pair %s/%s: %w", p.A, p.B, err)
		}
		out = append(out, ScoredPair{Pair: p, NameA: a.CanonicalName, NameB: b.CanonicalName, Result: res})
	}
	if opts.Checkpoint != nil {
		if err := opts.Checkpoint(len(pairs), len(pairs)); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Suggestions keeps pairs at or above MergeThreshold, best first.
func (r *Resolver) Suggestions(projectID string, scored []ScoredPair) []models.MergeSuggestion {
	threshold := r.Config().MergeThreshold
	var out []models.MergeSuggestion
	for _, sp := range scored {
		if sp.Result.Score < threshold {
			continue
		}
		out = append(out, models.MergeSuggestion{
			ProjectID:      projectID,
			EntityA:        sp.Pair.A,
			EntityB:        sp.Pair.B,
			NameA:          sp.NameA,
			NameB:          sp.NameB,
			Score:          sp.Result.Score,
			Signals:        sp.Result.SignalMap(),
			AppliedWeights: sp.Result.AppliedMap(),
			Reason:         suggestionReason(sp.Result),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	metrics.MergeSuggestions.Add(float64(len(out)))
	return out
}

func suggestionReason(res signals.Result) string {
	var best signals.Kind
	bestVal := -1.0
	for _, k := range signals.Kinds {
		if v, ok := res.Signals[k]; ok && v > bestVal {
			best, bestVal = k, v
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf("strongest signal %s=%.2f over %d signals", best, bestVal, len(res.Signals))
}

// Ambiguous returns the pairs scored inside [threshold-margin, threshold).
func (r *Resolver) Ambiguous(scored []ScoredPair) []models.EntityPair {
	cfg := r.Config()
	low := cfg.MergeThreshold - cfg.AmbiguityMargin
	var out []models.EntityPair
	for _, sp := range scored {
		if sp.Result.Score >= low && sp.Result.Score < cfg.MergeThreshold {
			out = append(out, sp.Pair)
		}
	}
	return out
}

// Suggest scores every candidate pair with the tier1 signals and returns the
// suggestions above the merge threshold.
func (r *Resolver) Suggest(ctx context.Context, projectID string) ([]models.MergeSuggestion, error) {
	pairs, err := r.CandidatePairs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	scored, err := r.ScorePairs(ctx, projectID, pairs, ScoreOptions{})
	if err != nil {
		return nil, err
	}
	return r.Suggestions(projectID, scored), nil
}

// AutoMerge applies merges for suggestions at or above AutoMergeThreshold.
// The entity with more mentions becomes the target; an entity takes part in
// at most one automatic merge per call.
func (r *Resolver) AutoMerge(ctx context.Context, projectID string, suggestions []models.MergeSuggestion) ([]*models.MergeHistory, error) {
	auto := r.Config().AutoMergeThreshold
	if auto <= 0 {
		return nil, nil
	}
	used := make(map[string]struct{})
	var out []*models.MergeHistory
	for _, s := range suggestions {
		if s.Score < auto {
			continue
		}
		if _, ok := used[s.EntityA]; ok {
			continue
		}
		if _, ok := used[s.EntityB]; ok {
			continue
		}
		target, source := s.EntityA, s.EntityB
		ea, errA := r.store.GetEntity(ctx, s.EntityA)
		eb, errB := r.store.GetEntity(ctx, s.EntityB)
		if errA != nil || errB != nil {
			continue
		}
		if eb.MentionCount > ea.MentionCount {
			target, source = source, target
		}
		h, err := r.Merge(ctx, projectID, []string{source}, target, fmt.Sprintf("auto-merge score %.3f", s.Score))
		if err != nil {
			if errors.Is(err, ErrInvalidMergeTarget) || errors.Is(err, ErrEntityNotFound) {
				continue
			}
			return out, err
		}
		used[s.EntityA], used[s.EntityB] = struct{}{}, struct{}{}
		out = append(out, h)
	}
	return out, nil
}

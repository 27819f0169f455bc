// Package signals scores candidate entity pairs with independent signal
// providers and folds the available scores into one consensus score.
package signals

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// Kind tags a signal provider.
type Kind string

const (
	Semantic  Kind = "semantic"
	LLM       Kind = "llm"
	Morpho    Kind = "morpho"
	Heuristic Kind = "heuristic"
)

// Kinds lists every known signal in a stable order.
var Kinds = []Kind{Semantic, LLM, Morpho, Heuristic}

// ErrUnavailable marks a provider that cannot score the pair right now.
var ErrUnavailable = errors.New("signal unavailable")

// Candidate is one side of a pair under comparison.
type Candidate struct {
	ID       string
	Name     string
	Aliases  []string
	Type     models.EntityType
	Contexts []string
}

// CandidateFromEntity builds a Candidate from a stored entity.
func CandidateFromEntity(e models.Entity) Candidate {
	return Candidate{
		ID:      e.ID,
		Name:    e.CanonicalName,
		Aliases: append([]string(nil), e.Aliases...),
		Type:    e.Type,
	}
}

// Names returns the canonical name followed by the aliases.
func (c Candidate) Names() []string {
	return append([]string{c.Name}, c.Aliases...)
}

// Pair is the unit of scoring.
type Pair struct {
	A Candidate
	B Candidate
}

// Score is one provider's verdict.
type Score struct {
	Kind      Kind
	Value     float64
	Available bool
	Reason    string
}

// Unavailable builds a Score that carries no weight.
func Unavailable(kind Kind, reason string) Score {
	return Score{Kind: kind, Reason: reason}
}

// Provider is implemented by each signal variant.
type Provider interface {
	Kind() Kind
	// Heavy providers only run in tier2 scoring.
	Heavy() bool
	Score(ctx context.Context, pair Pair) (Score, error)
}

// Weights maps each signal to its share of the consensus score.
type Weights map[Kind]float64

// DefaultWeights is the shipped operating point. It was tuned offline on an
// annotated Spanish fiction corpus and should be re-derived per signal set.
func DefaultWeights() Weights {
	return Weights{
		Semantic:  0.30,
		LLM:       0.35,
		Morpho:    0.20,
		Heuristic: 0.15,
	}
}

// Clone returns a copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Result is the combined verdict for a pair.
type Result struct {
	Score   float64
	Signals map[Kind]float64
	// Applied holds the renormalized weights actually used; they sum to 1
	// whenever at least one weighted signal was available.
	Applied map[Kind]float64
	Missing []Kind
}

// Combine folds the available scores with the given weights. Weights of
// unavailable signals are redistributed proportionally over the rest.
func Combine(scores []Score, weights Weights) Result {
	res := Result{
		Signals: make(map[Kind]float64),
		Applied: make(map[Kind]float64),
	}
	var total float64
	for _, s := range scores {
		w := weights[s.Kind]
		if !s.Available || w <= 0 {
			if w > 0 {
				res.Missing = append(res.Missing, s.Kind)
			}
			continue
		}
		res.Signals[s.Kind] = clamp01(s.Value)
		total += w
	}
	if total == 0 {
		return res
	}
	for kind, value := range res.Signals {
		applied := weights[kind] / total
		res.Applied[kind] = applied
		res.Score += applied * value
	}
	res.Score = clamp01(res.Score)
	sort.Slice(res.Missing, func(i, j int) bool { return res.Missing[i] < res.Missing[j] })
	return res
}

// AppliedSum returns the sum of the applied weights.
func (r Result) AppliedSum() float64 {
	var sum float64
	for _, w := range r.Applied {
		sum += w
	}
	return sum
}

// Float map forms used by models and JSON output.
func (r Result) SignalMap() map[string]float64  { return toStringMap(r.Signals) }
func (r Result) AppliedMap() map[string]float64 { return toStringMap(r.Applied) }

func toStringMap(in map[Kind]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

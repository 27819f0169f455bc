package signals

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
)

// HeuristicProvider is the cheap lexical signal: edit-distance ratio over the
// normalized names and aliases of both sides.
type HeuristicProvider struct{}

func NewHeuristicProvider() *HeuristicProvider { return &HeuristicProvider{} }

func (*HeuristicProvider) Kind() Kind  { return Heuristic }
func (*HeuristicProvider) Heavy() bool { return false }

func (*HeuristicProvider) Score(_ context.Context, pair Pair) (Score, error) {
	best := 0.0
	for _, a := range pair.A.Names() {
		na := normalize.Name(a)
		for _, b := range pair.B.Names() {
			if s := NameSimilarity(na, normalize.Name(b)); s > best {
				best = s
			}
		}
	}
	return Score{Kind: Heuristic, Value: best, Available: true}, nil
}

// NameSimilarity compares two normalized names. Containment of one name in the
// other lifts a moderate ratio into the 0.85-0.95 band.
func NameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ratio := Ratio(a, b)
	if ratio >= 0.35 && (strings.Contains(a, b) || strings.Contains(b, a)) {
		if boosted := 0.85 + ratio*0.1; boosted > ratio {
			return boosted
		}
	}
	return ratio
}

// Ratio is 1 - levenshtein distance / longest length, in runes.
func Ratio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

package signals

import (
	"context"
	"strings"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
)

// MorphoProvider is the rule-based signal. It checks type compatibility and
// structural name relations: honorific-stripped equality, token subsets and
// initials.
type MorphoProvider struct{}

func NewMorphoProvider() *MorphoProvider { return &MorphoProvider{} }

func (*MorphoProvider) Kind() Kind  { return Morpho }
func (*MorphoProvider) Heavy() bool { return false }

func (*MorphoProvider) Score(_ context.Context, pair Pair) (Score, error) {
	if !TypesCompatible(pair.A.Type, pair.B.Type) {
		return Score{Kind: Morpho, Value: 0, Available: true, Reason: "incompatible types"}, nil
	}
	best := 0.0
	for _, a := range pair.A.Names() {
		for _, b := range pair.B.Names() {
			if s := ruleScore(normalize.Name(a), normalize.Name(b)); s > best {
				best = s
			}
		}
	}
	return Score{Kind: Morpho, Value: best, Available: true}, nil
}

var compatibleTypes = map[models.EntityType][]models.EntityType{
	models.EntityLocation:     {models.EntityOrganization},
	models.EntityOrganization: {models.EntityLocation},
	models.EntityObject:       {models.EntityConcept},
	models.EntityConcept:      {models.EntityObject},
}

// TypesCompatible reports whether entities of these types may be the same
// referent. EntityOther and empty types are compatible with everything.
func TypesCompatible(a, b models.EntityType) bool {
	if a == b || a == "" || b == "" || a == models.EntityOther || b == models.EntityOther {
		return true
	}
	for _, t := range compatibleTypes[a] {
		if t == b {
			return true
		}
	}
	return false
}

func ruleScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	sa, sb := normalize.StripPrefixes(a), normalize.StripPrefixes(b)
	if sa == sb {
		return 0.95
	}
	ta, tb := normalize.Tokens(sa), normalize.Tokens(sb)
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	if subset(ta, tb) {
		return 0.8
	}
	if initialsMatch(ta, tb) {
		return 0.7
	}
	if len(ta) > 1 && len(tb) > 1 && ta[len(ta)-1] == tb[len(tb)-1] {
		return 0.4
	}
	return 0
}

func subset(small, large []string) bool {
	if len(small) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(large))
	for _, t := range large {
		set[t] = struct{}{}
	}
	for _, t := range small {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// initialsMatch accepts "j. perez" against "juan perez": same token count,
// every token equal or an initial of its counterpart.
func initialsMatch(a, b []string) bool {
	if len(a) != len(b) || len(a) < 2 {
		return false
	}
	usedInitial := false
	for i := range a {
		x, y := strings.TrimSuffix(a[i], "."), strings.TrimSuffix(b[i], ".")
		switch {
		case x == y:
		case len([]rune(x)) == 1 && strings.HasPrefix(y, x):
			usedInitial = true
		case len([]rune(y)) == 1 && strings.HasPrefix(x, y):
			usedInitial = true
		default:
			return false
		}
	}
	return usedInitial
}

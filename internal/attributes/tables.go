package attributes

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// KeySpec describes how values of one attribute key are compared.
type KeySpec struct {
	Group    string `yaml:"group"`
	Category string `yaml:"category"`
	Age      bool   `yaml:"age"`
}

type groupFile struct {
	Synonyms map[string][]string `yaml:"synonyms"`
	Antonyms map[string][]string `yaml:"antonyms"`
}

type tablesFile struct {
	Lemmas      map[string]string    `yaml:"lemmas"`
	Groups      map[string]groupFile `yaml:"groups"`
	Keys        map[string]KeySpec   `yaml:"keys"`
	MultiValued []string             `yaml:"multi_valued"`
	AgeRanges   map[string][2]int    `yaml:"age_ranges"`
}

type relation map[string]map[string]struct{}

func (r relation) add(a, b string) {
	if r[a] == nil {
		r[a] = make(map[string]struct{})
	}
	r[a][b] = struct{}{}
}

// has is symmetric regardless of which direction the table lists.
func (r relation) has(a, b string) bool {
	if _, ok := r[a][b]; ok {
		return true
	}
	_, ok := r[b][a]
	return ok
}

type ageRange struct{ lo, hi int }

// Tables holds the normalized lookup tables. A Tables value is immutable once
// loaded and safe for concurrent use.
type Tables struct {
	lemmas   map[string]string
	synonyms map[string]relation
	antonyms map[string]relation
	keys     map[string]KeySpec
	multi    map[string]struct{}
	ages     map[string]ageRange
}

// DefaultTables returns the tables shipped with the binary.
func DefaultTables() *Tables {
	t, err := ParseTables(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded attribute tables: %v", err))
	}
	return t
}

// LoadTablesFile reads a replacement table document from disk.
func LoadTablesFile(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attribute tables: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes a YAML table document and normalizes every word in it.
func ParseTables(data []byte) (*Tables, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse attribute tables: %w", err)
	}
	t := &Tables{
		lemmas:   make(map[string]string, len(f.Lemmas)),
		synonyms: make(map[string]relation),
		antonyms: make(map[string]relation),
		keys:     make(map[string]KeySpec, len(f.Keys)),
		multi:    make(map[string]struct{}, len(f.MultiValued)),
		ages:     make(map[string]ageRange, len(f.AgeRanges)),
	}
	for form, lemma := range f.Lemmas {
		t.lemmas[normalize.Value(form)] = normalize.Value(lemma)
	}
	for name, g := range f.Groups {
		t.synonyms[name] = buildRelation(g.Synonyms)
		t.antonyms[name] = buildRelation(g.Antonyms)
	}
	for key, spec := range f.Keys {
		if spec.Group != "" {
			if _, ok := f.Groups[spec.Group]; !ok {
				return nil, fmt.Errorf("attribute key %q: unknown group %q", key, spec.Group)
			}
		}
		t.keys[strings.ToLower(key)] = spec
	}
	for _, key := range f.MultiValued {
		t.multi[strings.ToLower(key)] = struct{}{}
	}
	for word, r := range f.AgeRanges {
		if r[0] > r[1] {
			return nil, fmt.Errorf("age range %q: %d > %d", word, r[0], r[1])
		}
		t.ages[normalize.Value(word)] = ageRange{lo: r[0], hi: r[1]}
	}
	return t, nil
}

func buildRelation(src map[string][]string) relation {
	r := make(relation)
	for word, others := range src {
		w := normalize.Value(word)
		for _, o := range others {
			r.add(w, normalize.Value(o))
		}
	}
	return r
}

// Lemma returns the comparison form of a value: normalized, then mapped to its
// lemma as a whole or token by token.
func (t *Tables) Lemma(value string) string {
	v := normalize.Value(value)
	if l, ok := t.lemmas[v]; ok {
		return l
	}
	tokens := strings.Fields(v)
	if len(tokens) < 2 {
		return v
	}
	for i, tok := range tokens {
		if l, ok := t.lemmas[tok]; ok {
			tokens[i] = l
		}
	}
	return strings.Join(tokens, " ")
}

// Spec returns the comparison rules of key.
func (t *Tables) Spec(key string) KeySpec {
	return t.keys[strings.ToLower(key)]
}

// Category returns the category a key belongs to, "other" when unknown.
func (t *Tables) Category(key string) string {
	if c := t.Spec(key).Category; c != "" {
		return c
	}
	return "other"
}

// MultiValued reports whether an entity may hold several values of key at once.
func (t *Tables) MultiValued(key string) bool {
	_, ok := t.multi[strings.ToLower(key)]
	return ok
}

// Synonyms reports whether two lemmas name the same value for key.
func (t *Tables) Synonyms(key, a, b string) bool {
	g := t.Spec(key).Group
	return g != "" && t.synonyms[g].has(a, b)
}

// Antonyms reports whether two lemmas exclude each other for key.
func (t *Tables) Antonyms(key, a, b string) bool {
	g := t.Spec(key).Group
	return g != "" && t.antonyms[g].has(a, b)
}

// AgeRange maps a numeric or descriptive age to an inclusive year range.
func (t *Tables) AgeRange(value string) (lo, hi int, ok bool) {
	v := normalize.Value(value)
	if r, found := t.ages[v]; found {
		return r.lo, r.hi, true
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return n, n, true
}

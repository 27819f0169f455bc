package attributes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// InconsistencyType classifies a contradiction.
type InconsistencyType string

const (
	TypeAntonym       InconsistencyType = "antonym"
	TypeValueChange   InconsistencyType = "value_change"
	TypeContradictory InconsistencyType = "contradictory"
)

// Confidence factors applied to the weakest evidence confidence.
const (
	factorAntonym        = 0.95
	factorContradictory  = 0.80
	factorAgeFar         = 0.90
	factorAgeNear        = 0.60
	factorAgeUnparseable = 0.50
	maxNearAgeGap        = 5
)

// AlertType is the alert_type of attribute contradictions.
const AlertType = "attribute_inconsistency"

// Inconsistency is one contradictory value pair of an entity attribute.
// ValueA sorts before ValueB.
type Inconsistency struct {
	ProjectID   string            `json:"project_id"`
	EntityID    string            `json:"entity_id"`
	EntityName  string            `json:"entity_name"`
	Category    string            `json:"category"`
	Key         string            `json:"key"`
	Type        InconsistencyType `json:"type"`
	ValueA      string            `json:"value_a"`
	ValueB      string            `json:"value_b"`
	AttributeA  string            `json:"attribute_a"`
	AttributeB  string            `json:"attribute_b"`
	EvidenceA   []models.Evidence `json:"evidence_a"`
	EvidenceB   []models.Evidence `json:"evidence_b"`
	Confidence  float64           `json:"confidence"`
	ContentHash string            `json:"content_hash"`
}

// Classify compares two lemmas of key. ok is false when the values are
// compatible.
func (t *Tables) Classify(key, a, b string) (typ InconsistencyType, factor float64, ok bool) {
	if a == b || t.Synonyms(key, a, b) {
		return "", 0, false
	}
	if t.Antonyms(key, a, b) {
		return TypeAntonym, factorAntonym, true
	}
	if t.Spec(key).Age {
		return t.classifyAge(a, b)
	}
	return TypeContradictory, factorContradictory, true
}

func (t *Tables) classifyAge(a, b string) (InconsistencyType, float64, bool) {
	loA, hiA, okA := t.AgeRange(a)
	loB, hiB, okB := t.AgeRange(b)
	if !okA || !okB {
		return TypeValueChange, factorAgeUnparseable, true
	}
	start, end := max(loA, loB), min(hiA, hiB)
	if start <= end {
		return "", 0, false
	}
	if start-end <= maxNearAgeGap {
		return TypeValueChange, factorAgeNear, true
	}
	return TypeContradictory, factorAgeFar, true
}

// InconsistencyHash identifies a contradiction independently of run and
// value order.
func InconsistencyHash(projectID string, typ InconsistencyType, entityIDs []string, key string, values ...string) string {
	ids := append([]string(nil), entityIDs...)
	sort.Strings(ids)
	vals := append([]string(nil), values...)
	sort.Strings(vals)
	return alerts.ContentHash(projectID, string(typ), strings.Join(ids, ","), key, strings.Join(vals, "|"))
}

// Detect returns the contradictions among the active entities' attributes,
// ordered by entity, key and value pair. It does not write anything.
func (a *Analyzer) Detect(ctx context.Context, projectID string) ([]Inconsistency, error) {
	cfg, tables := a.snapshot()

	if _, err := a.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	ents, err := a.store.ListEntities(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(ents))
	for _, e := range ents {
		names[e.ID] = e.CanonicalName
	}
	attrs, err := a.store.ListAttributes(ctx, projectID)
	if err != nil {
		return nil, err
	}

	type slot struct{ entityID, key string }
	bySlot := make(map[slot][]models.Attribute)
	var slots []slot
	for _, at := range attrs {
		if _, active := names[at.EntityID]; !active || tables.MultiValued(at.Key) {
			continue
		}
		s := slot{at.EntityID, at.Key}
		if _, ok := bySlot[s]; !ok {
			slots = append(slots, s)
		}
		bySlot[s] = append(bySlot[s], at)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].entityID != slots[j].entityID {
			return slots[i].entityID < slots[j].entityID
		}
		return slots[i].key < slots[j].key
	})

	var out []Inconsistency
	for _, s := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list := bySlot[s]
		sort.Slice(list, func(i, j int) bool { return list[i].NormalizedValue < list[j].NormalizedValue })
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				x, y := list[i], list[j]
				typ, factor, ok := tables.Classify(s.key, x.NormalizedValue, y.NormalizedValue)
				if !ok {
					continue
				}
				conf := factor * weakest(x, y)
				if conf < cfg.MinConfidence {
					continue
				}
				out = append(out, Inconsistency{
					ProjectID:   projectID,
					EntityID:    s.entityID,
					EntityName:  names[s.entityID],
					Category:    categoryOf(x, y, tables),
					Key:         s.key,
					Type:        typ,
					ValueA:      x.Value,
					ValueB:      y.Value,
					AttributeA:  x.ID,
					AttributeB:  y.ID,
					EvidenceA:   x.Evidence,
					EvidenceB:   y.Evidence,
					Confidence:  conf,
					ContentHash: InconsistencyHash(projectID, typ, []string{s.entityID}, s.key, x.NormalizedValue, y.NormalizedValue),
				})
				metrics.InconsistenciesDetected.WithLabelValues(string(typ)).Inc()
			}
		}
	}
	return out, nil
}

// weakest returns the lowest confidence among the evidence of x and y. An
// attribute without evidence contributes its own confidence.
func weakest(attrs ...models.Attribute) float64 {
	low := 1.0
	for _, at := range attrs {
		if len(at.Evidence) == 0 {
			low = min(low, at.Confidence)
			continue
		}
		for _, ev := range at.Evidence {
			low = min(low, ev.Confidence)
		}
	}
	return low
}

func categoryOf(x, y models.Attribute, tables *Tables) string {
	if x.Category != "" {
		return x.Category
	}
	if y.Category != "" {
		return y.Category
	}
	return tables.Category(x.Key)
}

// Severity maps an inconsistency to an alert severity.
func Severity(confidence float64, category string) models.Severity {
	switch {
	case confidence < 0.5:
		return models.SeverityInfo
	case confidence >= 0.85 && category == "physical":
		return models.SeverityCritical
	default:
		return models.SeverityWarning
	}
}

// AlertRequest turns an inconsistency into an alert creation request. The
// request carries the inconsistency hash so repeated runs dedupe.
func (inc *Inconsistency) AlertRequest() alerts.CreateRequest {
	req := alerts.CreateRequest{
		ProjectID:   inc.ProjectID,
		Category:    models.CategoryConsistency,
		Severity:    Severity(inc.Confidence, inc.Category),
		AlertType:   AlertType,
		Title:       fmt.Sprintf("Inconsistent %s for %s", strings.ReplaceAll(inc.Key, "_", " "), inc.EntityName),
		Description: fmt.Sprintf("%s is described as %q and as %q.", inc.EntityName, inc.ValueA, inc.ValueB),
		Explanation: explain(inc),
		Suggestion:  "Check which description is intended and make the other occurrences agree.",
		EntityIDs:   []string{inc.EntityID},
		Confidence:  inc.Confidence,
		Source:      "attributes",
		ContentHash: inc.ContentHash,
		Extra: map[string]interface{}{
			"attribute_key":      inc.Key,
			"inconsistency_type": string(inc.Type),
			"value_a":            inc.ValueA,
			"value_b":            inc.ValueB,
			"attribute_ids":      []string{inc.AttributeA, inc.AttributeB},
			"locations_a":        locations(inc.EvidenceA),
			"locations_b":        locations(inc.EvidenceB),
		},
	}
	if len(inc.EvidenceA) > 0 {
		ev := inc.EvidenceA[0]
		start, end := ev.StartChar, ev.EndChar
		req.ChapterID = ev.ChapterID
		req.StartChar = &start
		req.EndChar = &end
		req.Excerpt = ev.Excerpt
	}
	return req
}

func explain(inc *Inconsistency) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s of %s: ", inc.Key, inc.EntityName)
	fmt.Fprintf(&b, "%q in %s", inc.ValueA, chapterList(inc.EvidenceA))
	fmt.Fprintf(&b, ", %q in %s", inc.ValueB, chapterList(inc.EvidenceB))
	switch inc.Type {
	case TypeAntonym:
		b.WriteString(". The values exclude each other.")
	case TypeValueChange:
		b.WriteString(". The value may have changed over time.")
	default:
		b.WriteString(". The values contradict each other.")
	}
	return b.String()
}

func chapterList(evs []models.Evidence) string {
	seen := make(map[string]struct{})
	var chapters []string
	for _, ev := range evs {
		if _, ok := seen[ev.ChapterID]; ok {
			continue
		}
		seen[ev.ChapterID] = struct{}{}
		chapters = append(chapters, ev.ChapterID)
	}
	if len(chapters) == 0 {
		return "an unknown chapter"
	}
	return "chapter " + strings.Join(chapters, ", ")
}

func locations(evs []models.Evidence) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(evs))
	for _, ev := range evs {
		out = append(out, map[string]interface{}{
			"evidence_id": ev.ID,
			"chapter_id":  ev.ChapterID,
			"start_char":  ev.StartChar,
			"end_char":    ev.EndChar,
			"confidence":  ev.Confidence,
		})
	}
	return out
}

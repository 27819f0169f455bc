// Package attributes consolidates attribute observations into per-entity
// attributes with evidence and detects contradictory values.
package attributes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

// Config holds analyzer thresholds.
type Config struct {
	// MinConfidence drops inconsistencies scored below it.
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	// TablesFile replaces the embedded value tables when set.
	TablesFile string `mapstructure:"tables_file" yaml:"tables_file"`
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.3}
}

// Candidate is one attribute observation produced by extraction. EntityID
// wins over EntityNameHint when both are set.
type Candidate struct {
	EntityID       string                  `json:"entity_id,omitempty"`
	EntityNameHint string                  `json:"entity_name_hint,omitempty"`
	Category       string                  `json:"category,omitempty"`
	Key            string                  `json:"key"`
	Value          string                  `json:"value"`
	ChapterID      string                  `json:"chapter_id"`
	StartChar      int                     `json:"start_char"`
	EndChar        int                     `json:"end_char"`
	Excerpt        string                  `json:"excerpt,omitempty"`
	Method         models.ExtractionMethod `json:"extraction_method,omitempty"`
	Keywords       []string                `json:"keywords,omitempty"`
	Confidence     float64                 `json:"confidence"`
}

// ConsolidationResult summarizes one Consolidate call.
type ConsolidationResult struct {
	AttributesCreated int `json:"attributes_created"`
	AttributesUpdated int `json:"attributes_updated"`
	EvidenceAdded     int `json:"evidence_added"`
	Unresolved        int `json:"unresolved"`
	Invalid           int `json:"invalid"`
}

// Analyzer consolidates and checks attributes of one store.
type Analyzer struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cfg    Config
	tables *Tables
}

// NewAnalyzer creates an analyzer. A nil tables uses the embedded defaults.
func NewAnalyzer(st store.Store, tables *Tables, cfg Config, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tables == nil {
		tables = DefaultTables()
	}
	return &Analyzer{store: st, tables: tables, cfg: cfg, logger: logger, now: time.Now}
}

// SetConfig replaces the thresholds.
func (a *Analyzer) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// SetTables swaps the value tables, e.g. after the tables file changed.
func (a *Analyzer) SetTables(t *Tables) {
	if t == nil {
		return
	}
	a.mu.Lock()
	a.tables = t
	a.mu.Unlock()
}

func (a *Analyzer) snapshot() (Config, *Tables) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.tables
}

type groupKey struct {
	entityID string
	key      string
	value    string
}

type group struct {
	groupKey
	display  string
	category string
	obs      []Candidate
}

// Consolidate folds candidates into attributes. Observations are grouped by
// (entity, key, lemma of the value); each group becomes one attribute whose
// confidence is the highest observed, and each observation one evidence row.
// Observations already stored at the same location are skipped, so running it
// twice on the same input changes nothing.
func (a *Analyzer) Consolidate(ctx context.Context, projectID string, cands []Candidate) (*ConsolidationResult, error) {
	_, tables := a.snapshot()
	res := &ConsolidationResult{}

	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		*res = ConsolidationResult{}
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		idx, err := newEntityIndex(ctx, tx, projectID)
		if err != nil {
			return err
		}

		groups := make(map[groupKey]*group)
		var order []groupKey
		for _, c := range cands {
			if strings.TrimSpace(c.Key) == "" || strings.TrimSpace(c.Value) == "" {
				res.Invalid++
				continue
			}
			entityID, ok := idx.resolve(c)
			if !ok {
				res.Unresolved++
				continue
			}
			k := groupKey{entityID: entityID, key: strings.ToLower(strings.TrimSpace(c.Key)), value: tables.Lemma(c.Value)}
			g, ok := groups[k]
			if !ok {
				category := c.Category
				if category == "" {
					category = tables.Category(k.key)
				}
				g = &group{groupKey: k, display: strings.TrimSpace(c.Value), category: category}
				groups[k] = g
				order = append(order, k)
			}
			g.obs = append(g.obs, c)
		}

		existing := make(map[string]map[groupKey]*models.Attribute)
		for _, k := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			byKey, ok := existing[k.entityID]
			if !ok {
				attrs, err := tx.ListAttributesByEntity(ctx, k.entityID)
				if err != nil {
					return err
				}
				byKey = make(map[groupKey]*models.Attribute, len(attrs))
				for i := range attrs {
					at := &attrs[i]
					byKey[groupKey{entityID: at.EntityID, key: at.Key, value: at.NormalizedValue}] = at
				}
				existing[k.entityID] = byKey
			}
			created, added, err := a.applyGroup(ctx, tx, projectID, groups[k], byKey)
			if err != nil {
				return err
			}
			res.EvidenceAdded += added
			switch {
			case created:
				res.AttributesCreated++
			case added > 0:
				res.AttributesUpdated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Unresolved > 0 {
		a.logger.Info("Attribute candidates without entity",
			zap.String("project_id", projectID),
			zap.Int("unresolved", res.Unresolved),
		)
	}
	return res, nil
}

func (a *Analyzer) applyGroup(ctx context.Context, tx store.Tx, projectID string, g *group, byKey map[groupKey]*models.Attribute) (bool, int, error) {
	now := a.now()
	attr, found := byKey[g.groupKey]
	created := !found
	if created {
		attr = &models.Attribute{
			ID:              uuid.New().String(),
			ProjectID:       projectID,
			EntityID:        g.entityID,
			Category:        g.category,
			Key:             g.key,
			Value:           g.display,
			NormalizedValue: g.value,
			CreatedAt:       now,
		}
	}

	var fresh []models.Evidence
	best := attr.Confidence
	for _, c := range g.obs {
		ev := models.Evidence{
			ID:          uuid.New().String(),
			AttributeID: attr.ID,
			ProjectID:   projectID,
			ChapterID:   c.ChapterID,
			StartChar:   c.StartChar,
			EndChar:     c.EndChar,
			Excerpt:     truncate(c.Excerpt, models.MaxExcerptLength),
			Method:      methodOrUnknown(c.Method),
			Keywords:    append(models.StringList(nil), c.Keywords...),
			Confidence:  clamp01(c.Confidence),
		}
		if hasLocation(attr.Evidence, ev) || hasLocation(fresh, ev) {
			continue
		}
		fresh = append(fresh, ev)
		best = max(best, ev.Confidence)
	}
	if len(fresh) == 0 {
		return false, 0, nil
	}

	attr.Confidence = best
	attr.UpdatedAt = now
	if err := tx.SaveAttribute(ctx, attr); err != nil {
		return false, 0, fmt.Errorf("save attribute %s=%s: %w", g.key, g.value, err)
	}
	for i := range fresh {
		if err := tx.SaveEvidence(ctx, &fresh[i]); err != nil {
			return false, 0, fmt.Errorf("save evidence: %w", err)
		}
	}
	attr.Evidence = append(attr.Evidence, fresh...)
	byKey[g.groupKey] = attr
	return created, len(fresh), nil
}

// entityIndex resolves candidates to active entities of one project.
type entityIndex struct {
	byID   map[string]*models.Entity
	byName map[string]*models.Entity
	merged map[string]string
}

func newEntityIndex(ctx context.Context, tx store.Tx, projectID string) (*entityIndex, error) {
	all, err := tx.ListEntities(ctx, projectID, true)
	if err != nil {
		return nil, err
	}
	idx := &entityIndex{
		byID:   make(map[string]*models.Entity, len(all)),
		byName: make(map[string]*models.Entity),
		merged: make(map[string]string),
	}
	// most mentioned entity wins a shared name
	sort.SliceStable(all, func(i, j int) bool { return all[i].MentionCount > all[j].MentionCount })
	for i := range all {
		e := &all[i]
		if !e.Active {
			continue
		}
		idx.byID[e.ID] = e
		for _, src := range e.MergedFrom {
			idx.merged[src] = e.ID
		}
		for _, n := range e.Names() {
			key := normalize.Name(n)
			if _, taken := idx.byName[key]; !taken && key != "" {
				idx.byName[key] = e
			}
		}
	}
	return idx, nil
}

func (idx *entityIndex) resolve(c Candidate) (string, bool) {
	if c.EntityID != "" {
		if _, ok := idx.byID[c.EntityID]; ok {
			return c.EntityID, true
		}
		if target, ok := idx.merged[c.EntityID]; ok {
			return target, true
		}
		return "", false
	}
	key := normalize.Name(c.EntityNameHint)
	if key == "" {
		return "", false
	}
	if e, ok := idx.byName[key]; ok {
		return e.ID, true
	}
	if e, ok := idx.byName[normalize.StripPrefixes(key)]; ok {
		return e.ID, true
	}
	return "", false
}

func hasLocation(list []models.Evidence, ev models.Evidence) bool {
	for _, x := range list {
		if x.SameLocation(ev) {
			return true
		}
	}
	return false
}

func methodOrUnknown(m models.ExtractionMethod) models.ExtractionMethod {
	switch m {
	case models.MethodDirectDescription, models.MethodActionInference, models.MethodDialogue:
		return m
	}
	return models.MethodUnknown
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Package entities owns the lifecycle of canonical entities: ingesting raw
// mentions, scoring candidate duplicates, and user-driven merge, undo, split
// and alias corrections.
package entities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
	"github.com/Kocoro-lab/consistency-engine/internal/signals"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

// Config holds the resolver thresholds. All of them can change at runtime.
type Config struct {
	// MergeThreshold is the consensus score at which a pair is suggested.
	MergeThreshold float64 `mapstructure:"merge_threshold" yaml:"merge_threshold"`
	// AutoMergeThreshold applies merges during analysis; 0 disables it.
	AutoMergeThreshold float64 `mapstructure:"auto_merge_threshold" yaml:"auto_merge_threshold"`
	// AmbiguityMargin is the width of the band below MergeThreshold that tier2 rescoring revisits.
	AmbiguityMargin float64 `mapstructure:"ambiguity_margin" yaml:"ambiguity_margin"`
	// CandidateFloor is the minimum name similarity for a pair to be scored at all.
	CandidateFloor float64 `mapstructure:"candidate_floor" yaml:"candidate_floor"`
	// MaxCandidatePairs caps pairs scored per run; 0 means no cap.
	MaxCandidatePairs int `mapstructure:"max_candidate_pairs" yaml:"max_candidate_pairs"`
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:    0.82,
		AmbiguityMargin:   0.12,
		CandidateFloor:    0.3,
		MaxCandidatePairs: 5000,
	}
}

// Resolver implements the entity operations on top of a transactional store.
type Resolver struct {
	store  store.Store
	scorer *signals.Scorer
	logger *zap.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewResolver creates a resolver. scorer may be nil when only corrections are needed.
func NewResolver(st store.Store, scorer *signals.Scorer, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: st, scorer: scorer, cfg: cfg, logger: logger, now: time.Now}
}

// Config returns the current thresholds.
func (r *Resolver) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig replaces the thresholds.
func (r *Resolver) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Scorer returns the signal scorer, possibly nil.
func (r *Resolver) Scorer() *signals.Scorer { return r.scorer }

// RawMention is one extractor observation not yet attached to an entity.
type RawMention struct {
	SurfaceForm  string            `json:"surface_form"`
	EntityType   models.EntityType `json:"entity_type"`
	ChapterID    string            `json:"chapter_id"`
	StartChar    int               `json:"start_char"`
	EndChar      int               `json:"end_char"`
	SourceSignal string            `json:"source_signal"`
	Confidence   float64           `json:"confidence"`
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	CreatedEntities []string `json:"created_entities"`
	Attached        int      `json:"attached"`
	Skipped         int      `json:"skipped"`
}

type ingestGroup struct {
	key      string
	typ      models.EntityType
	forms    map[string]int
	order    []string
	mentions []RawMention
}

func (g *ingestGroup) canonical() string {
	best := g.order[0]
	for _, f := range g.order[1:] {
		if g.forms[f] > g.forms[best] {
			best = f
		}
	}
	return best
}

// Ingest attaches raw mentions to entities. Mentions whose normalized surface
// form matches a name of an active, type-compatible entity join it; the rest
// are grouped by normalized form into new entities whose canonical name is the
// most frequent surface form. Mentions already stored at the same location are
// skipped, so re-ingesting a chapter is a no-op.
func (r *Resolver) Ingest(ctx context.Context, projectID string, raws []RawMention) (*IngestResult, error) {
	res := &IngestResult{}
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		existing, err := tx.ListMentions(ctx, projectID)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(existing))
		for _, m := range existing {
			seen[locationKey(m.ChapterID, m.StartChar, m.EndChar)] = struct{}{}
		}

		active, err := tx.ListEntities(ctx, projectID, false)
		if err != nil {
			return err
		}
		byName := make(map[string][]*models.Entity)
		for i := range active {
			e := &active[i]
			for _, n := range e.Names() {
				key := normalize.Name(n)
				byName[key] = append(byName[key], e)
			}
		}

		touched := make(map[string]*models.Entity)
		var groups []*ingestGroup
		groupIdx := make(map[string]*ingestGroup)
		now := r.now()

		for _, raw := range raws {
			form := strings.TrimSpace(raw.SurfaceForm)
			key := normalize.Name(form)
			loc := locationKey(raw.ChapterID, raw.StartChar, raw.EndChar)
			if key == "" {
				res.Skipped++
				continue
			}
			if _, dup := seen[loc]; dup {
				res.Skipped++
				continue
			}
			seen[loc] = struct{}{}

			if e := pickEntity(byName[key], raw.EntityType); e != nil {
				m := newMention(projectID, e.ID, raw, form, now)
				if err := tx.SaveMention(ctx, &m); err != nil {
					return err
				}
				if !hasName(e, form) {
					e.Aliases = append(e.Aliases, form)
				}
				e.MentionCount++
				touched[e.ID] = e
				res.Attached++
				continue
			}

			gk := key + "|" + string(typeBucket(raw.EntityType))
			g, ok := groupIdx[gk]
			if !ok {
				g = &ingestGroup{key: key, typ: raw.EntityType, forms: make(map[string]int)}
				groupIdx[gk] = g
				groups = append(groups, g)
			}
			if _, ok := g.forms[form]; !ok {
				g.order = append(g.order, form)
			}
			g.forms[form]++
			raw.SurfaceForm = form
			g.mentions = append(g.mentions, raw)
		}

		for _, g := range groups {
			canonical := g.canonical()
			e := models.Entity{
				ID:            uuid.NewString(),
				ProjectID:     projectID,
				CanonicalName: canonical,
				Type:          entityTypeOrOther(g.typ),
				Importance:    models.ImportanceMentioned,
				Active:        true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			for _, f := range g.order {
				if f != canonical {
					e.Aliases = append(e.Aliases, f)
				}
			}
			for _, raw := range g.mentions {
				m := newMention(projectID, e.ID, raw, raw.SurfaceForm, now)
				if err := tx.SaveMention(ctx, &m); err != nil {
					return err
				}
			}
			e.MentionCount = len(g.mentions)
			e.Importance = importanceFor(e.MentionCount)
			if err := tx.SaveEntity(ctx, &e); err != nil {
				return err
			}
			res.CreatedEntities = append(res.CreatedEntities, e.ID)
			res.Attached += len(g.mentions)
		}

		for _, e := range touched {
			e.UpdatedAt = now
			e.Importance = maxImportance(e.Importance, importanceFor(e.MentionCount))
			if err := tx.SaveEntity(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Ingested mentions",
		zap.String("project_id", projectID),
		zap.Int("attached", res.Attached),
		zap.Int("created_entities", len(res.CreatedEntities)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// ListEntities returns the project's entities, active ones only unless includeInactive.
func (r *Resolver) ListEntities(ctx context.Context, projectID string, includeInactive bool) ([]models.Entity, error) {
	return r.store.ListEntities(ctx, projectID, includeInactive)
}

// EntityDetail is an entity with everything it owns.
type EntityDetail struct {
	models.Entity
	Mentions   []models.Mention   `json:"mentions"`
	Attributes []models.Attribute `json:"attributes"`
}

// GetEntity returns an entity with its mentions and attributes (with evidence).
func (r *Resolver) GetEntity(ctx context.Context, id string) (*EntityDetail, error) {
	e, err := r.store.GetEntity(ctx, id)
	if err != nil {
		return nil, entityErr(id, err)
	}
	mentions, err := r.store.ListMentionsByEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	attrs, err := r.store.ListAttributesByEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EntityDetail{Entity: *e, Mentions: mentions, Attributes: attrs}, nil
}

// ListMergeHistory returns the project's merges oldest first.
func (r *Resolver) ListMergeHistory(ctx context.Context, projectID string) ([]models.MergeHistory, error) {
	return r.store.ListMergeHistory(ctx, projectID)
}

func entityErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("entity %s: %w", id, ErrEntityNotFound)
	}
	return err
}

func newMention(projectID, entityID string, raw RawMention, form string, now time.Time) models.Mention {
	return models.Mention{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		EntityID:     entityID,
		SurfaceForm:  form,
		StartChar:    raw.StartChar,
		EndChar:      raw.EndChar,
		ChapterID:    raw.ChapterID,
		SourceSignal: raw.SourceSignal,
		Confidence:   raw.Confidence,
		CreatedAt:    now,
	}
}

func locationKey(chapter string, start, end int) string {
	return fmt.Sprintf("%s:%d:%d", chapter, start, end)
}

// pickEntity prefers an exact type match, then any compatible type.
func pickEntity(cands []*models.Entity, t models.EntityType) *models.Entity {
	var fallback *models.Entity
	for _, e := range cands {
		if e.Type == t {
			return e
		}
		if fallback == nil && signals.TypesCompatible(e.Type, t) {
			fallback = e
		}
	}
	return fallback
}

// typeBucket groups new mentions whose types are mutually compatible.
func typeBucket(t models.EntityType) models.EntityType {
	switch t {
	case models.EntityOrganization:
		return models.EntityLocation
	case models.EntityConcept:
		return models.EntityObject
	case "":
		return models.EntityOther
	}
	return t
}

func entityTypeOrOther(t models.EntityType) models.EntityType {
	if t == "" {
		return models.EntityOther
	}
	return t
}

func hasName(e *models.Entity, name string) bool {
	for _, n := range e.Names() {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func importanceFor(mentions int) models.Importance {
	switch {
	case mentions >= 50:
		return models.ImportanceMain
	case mentions >= 15:
		return models.ImportanceSecondary
	case mentions >= 3:
		return models.ImportanceMinor
	default:
		return models.ImportanceMentioned
	}
}

var importanceRank = map[models.Importance]int{
	models.ImportanceMentioned: 0,
	models.ImportanceMinor:     1,
	models.ImportanceSecondary: 2,
	models.ImportanceMain:      3,
}

func maxImportance(a, b models.Importance) models.Importance {
	if importanceRank[b] > importanceRank[a] {
		return b
	}
	return a
}

// mergeAliases appends names to aliases, skipping case-insensitive duplicates
// and the canonical name.
func mergeAliases(canonical string, aliases []string, names ...string) models.StringList {
	seen := map[string]struct{}{strings.ToLower(canonical): {}}
	out := make(models.StringList, 0, len(aliases)+len(names))
	for _, n := range append(append([]string(nil), aliases...), names...) {
		n = strings.TrimSpace(n)
		k := strings.ToLower(n)
		if n == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	return out
}

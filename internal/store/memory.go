package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// Memory is an in-process Store. Transactions run against a copy of the
// state which replaces the live state on success; they are serialized.
type Memory struct {
	mu sync.RWMutex
	st *memState
}

type memState struct {
	projects    map[string]models.Project
	entities    map[string]models.Entity
	mentions    map[string]models.Mention
	attributes  map[string]models.Attribute
	evidence    map[string]models.Evidence
	history     map[string]models.MergeHistory
	historySeq  int64
	alerts      map[string]models.Alert
	transitions map[string][]models.AlertTransition
	progress    map[string]models.AnalysisProgress
	queue       []models.HeavyQueueEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

func newMemState() *memState {
	return &memState{
		projects:    make(map[string]models.Project),
		entities:    make(map[string]models.Entity),
		mentions:    make(map[string]models.Mention),
		attributes:  make(map[string]models.Attribute),
		evidence:    make(map[string]models.Evidence),
		history:     make(map[string]models.MergeHistory),
		alerts:      make(map[string]models.Alert),
		transitions: make(map[string][]models.AlertTransition),
		progress:    make(map[string]models.AnalysisProgress),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.entities {
		c.entities[k] = v.Clone()
	}
	for k, v := range s.mentions {
		c.mentions[k] = v
	}
	for k, v := range s.attributes {
		c.attributes[k] = v
	}
	for k, v := range s.evidence {
		c.evidence[k] = v
	}
	for k, v := range s.history {
		c.history[k] = v
	}
	c.historySeq = s.historySeq
	for k, v := range s.alerts {
		c.alerts[k] = v
	}
	for k, v := range s.transitions {
		c.transitions[k] = append([]models.AlertTransition(nil), v...)
	}
	for k, v := range s.progress {
		c.progress[k] = v.Clone()
	}
	c.queue = append([]models.HeavyQueueEntry(nil), s.queue...)
	return c
}

// WithTx runs fn against a private copy of the state. fn must not call back
// into the Memory store itself.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) write(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{st: m.st})
}

// memTx implements Tx over a memState without locking.
type memTx struct {
	st *memState
}

var _ Tx = (*memTx)(nil)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func (t *memTx) GetProject(_ context.Context, id string) (*models.Project, error) {
	p, ok := t.st.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	return &p, nil
}

func (t *memTx) SaveProject(_ context.Context, p *models.Project) error {
	t.st.projects[p.ID] = *p
	return nil
}

func (t *memTx) DeleteProject(_ context.Context, id string) error {
	if _, ok := t.st.projects[id]; !ok {
		return notFound("project", id)
	}
	delete(t.st.projects, id)
	for k, v := range t.st.entities {
		if v.ProjectID == id {
			delete(t.st.entities, k)
		}
	}
	for k, v := range t.st.mentions {
		if v.ProjectID == id {
			delete(t.st.mentions, k)
		}
	}
	for k, v := range t.st.attributes {
		if v.ProjectID == id {
			delete(t.st.attributes, k)
		}
	}
	for k, v := range t.st.evidence {
		if v.ProjectID == id {
			delete(t.st.evidence, k)
		}
	}
	for k, v := range t.st.history {
		if v.ProjectID == id {
			delete(t.st.history, k)
		}
	}
	for k, v := range t.st.alerts {
		if v.ProjectID == id {
			delete(t.st.alerts, k)
			delete(t.st.transitions, k)
		}
	}
	delete(t.st.progress, id)
	return t.RemoveHeavy(context.Background(), id)
}

func (t *memTx) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	e, ok := t.st.entities[id]
	if !ok {
		return nil, notFound("entity", id)
	}
	e = e.Clone()
	return &e, nil
}

func (t *memTx) ListEntities(_ context.Context, projectID string, includeInactive bool) ([]models.Entity, error) {
	out := make([]models.Entity, 0)
	for _, e := range t.st.entities {
		if e.ProjectID != projectID || (!e.Active && !includeInactive) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) SaveEntity(_ context.Context, e *models.Entity) error {
	t.st.entities[e.ID] = e.Clone()
	return nil
}

func (t *memTx) GetMention(_ context.Context, id string) (*models.Mention, error) {
	m, ok := t.st.mentions[id]
	if !ok {
		return nil, notFound("mention", id)
	}
	return &m, nil
}

func (t *memTx) listMentions(keep func(models.Mention) bool) []models.Mention {
	out := make([]models.Mention, 0)
	for _, m := range t.st.mentions {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChapterID != out[j].ChapterID {
			return out[i].ChapterID < out[j].ChapterID
		}
		if out[i].StartChar != out[j].StartChar {
			return out[i].StartChar < out[j].StartChar
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) ListMentions(_ context.Context, projectID string) ([]models.Mention, error) {
	return t.listMentions(func(m models.Mention) bool { return m.ProjectID == projectID }), nil
}

func (t *memTx) ListMentionsByEntity(_ context.Context, entityID string) ([]models.Mention, error) {
	return t.listMentions(func(m models.Mention) bool { return m.EntityID == entityID }), nil
}

func (t *memTx) SaveMention(_ context.Context, m *models.Mention) error {
	t.st.mentions[m.ID] = *m
	return nil
}

func (t *memTx) withEvidence(a models.Attribute) models.Attribute {
	a.Evidence = nil
	for _, ev := range t.st.evidence {
		if ev.AttributeID == a.ID {
			a.Evidence = append(a.Evidence, ev)
		}
	}
	sort.Slice(a.Evidence, func(i, j int) bool {
		if a.Evidence[i].ChapterID != a.Evidence[j].ChapterID {
			return a.Evidence[i].ChapterID < a.Evidence[j].ChapterID
		}
		if a.Evidence[i].StartChar != a.Evidence[j].StartChar {
			return a.Evidence[i].StartChar < a.Evidence[j].StartChar
		}
		return a.Evidence[i].ID < a.Evidence[j].ID
	})
	return a.Clone()
}

func (t *memTx) GetAttribute(_ context.Context, id string) (*models.Attribute, error) {
	a, ok := t.st.attributes[id]
	if !ok {
		return nil, notFound("attribute", id)
	}
	a = t.withEvidence(a)
	return &a, nil
}

func (t *memTx) listAttributes(keep func(models.Attribute) bool) []models.Attribute {
	out := make([]models.Attribute, 0)
	for _, a := range t.st.attributes {
		if keep(a) {
			out = append(out, t.withEvidence(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].NormalizedValue < out[j].NormalizedValue
	})
	return out
}

func (t *memTx) ListAttributes(_ context.Context, projectID string) ([]models.Attribute, error) {
	return t.listAttributes(func(a models.Attribute) bool { return a.ProjectID == projectID }), nil
}

func (t *memTx) ListAttributesByEntity(_ context.Context, entityID string) ([]models.Attribute, error) {
	return t.listAttributes(func(a models.Attribute) bool { return a.EntityID == entityID }), nil
}

func (t *memTx) SaveAttribute(_ context.Context, a *models.Attribute) error {
	for id, other := range t.st.attributes {
		if id != a.ID && other.EntityID == a.EntityID && other.Key == a.Key && other.NormalizedValue == a.NormalizedValue {
			return fmt.Errorf("attribute %s/%s=%s: %w", a.EntityID, a.Key, a.NormalizedValue, ErrDuplicate)
		}
	}
	row := *a
	row.Evidence = nil
	t.st.attributes[a.ID] = row
	return nil
}

func (t *memTx) DeleteAttribute(_ context.Context, id string) error {
	delete(t.st.attributes, id)
	for k, ev := range t.st.evidence {
		if ev.AttributeID == id {
			delete(t.st.evidence, k)
		}
	}
	return nil
}

func (t *memTx) SaveEvidence(_ context.Context, e *models.Evidence) error {
	for id, other := range t.st.evidence {
		if id != e.ID && other.AttributeID == e.AttributeID && other.SameLocation(*e) {
			return fmt.Errorf("evidence %s@%s:%d: %w", e.AttributeID, e.ChapterID, e.StartChar, ErrDuplicate)
		}
	}
	row := *e
	row.Keywords = append(models.StringList(nil), e.Keywords...)
	t.st.evidence[e.ID] = row
	return nil
}

func (t *memTx) GetMergeHistory(_ context.Context, id string) (*models.MergeHistory, error) {
	h, ok := t.st.history[id]
	if !ok {
		return nil, notFound("merge history", id)
	}
	return &h, nil
}

func (t *memTx) ListMergeHistory(_ context.Context, projectID string) ([]models.MergeHistory, error) {
	out := make([]models.MergeHistory, 0)
	for _, h := range t.st.history {
		if h.ProjectID == projectID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (t *memTx) SaveMergeHistory(_ context.Context, h *models.MergeHistory) error {
	if prev, ok := t.st.history[h.ID]; ok {
		h.Sequence = prev.Sequence
	} else {
		t.st.historySeq++
		h.Sequence = t.st.historySeq
	}
	t.st.history[h.ID] = *h
	return nil
}

func (t *memTx) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	a, ok := t.st.alerts[id]
	if !ok {
		return nil, notFound("alert", id)
	}
	return &a, nil
}

func (t *memTx) FindAlertByHash(_ context.Context, projectID, contentHash string) (*models.Alert, error) {
	for _, a := range t.st.alerts {
		if a.ProjectID == projectID && a.ContentHash == contentHash && contentHash != "" {
			return &a, nil
		}
	}
	return nil, notFound("alert hash", contentHash)
}

func (t *memTx) ListAlerts(_ context.Context, projectID string) ([]models.Alert, error) {
	out := make([]models.Alert, 0)
	for _, a := range t.st.alerts {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) SaveAlert(_ context.Context, a *models.Alert) error {
	if a.ContentHash != "" {
		for id, other := range t.st.alerts {
			if id != a.ID && other.ProjectID == a.ProjectID && other.ContentHash == a.ContentHash {
				return fmt.Errorf("alert hash %s: %w", a.ContentHash, ErrDuplicate)
			}
		}
	}
	t.st.alerts[a.ID] = *a
	return nil
}

func (t *memTx) DeleteAlert(_ context.Context, id string) error {
	if _, ok := t.st.alerts[id]; !ok {
		return notFound("alert", id)
	}
	delete(t.st.alerts, id)
	delete(t.st.transitions, id)
	return nil
}

func (t *memTx) ListAlertTransitions(_ context.Context, alertID string) ([]models.AlertTransition, error) {
	return append([]models.AlertTransition(nil), t.st.transitions[alertID]...), nil
}

func (t *memTx) AppendAlertTransition(_ context.Context, tr *models.AlertTransition) error {
	if _, ok := t.st.alerts[tr.AlertID]; !ok {
		return notFound("alert", tr.AlertID)
	}
	t.st.transitions[tr.AlertID] = append(t.st.transitions[tr.AlertID], *tr)
	return nil
}

func (t *memTx) GetProgress(_ context.Context, projectID string) (*models.AnalysisProgress, error) {
	p, ok := t.st.progress[projectID]
	if !ok {
		return nil, notFound("progress", projectID)
	}
	p = p.Clone()
	return &p, nil
}

func (t *memTx) ListProgress(_ context.Context) ([]models.AnalysisProgress, error) {
	out := make([]models.AnalysisProgress, 0, len(t.st.progress))
	for _, p := range t.st.progress {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (t *memTx) SaveProgress(_ context.Context, p *models.AnalysisProgress) error {
	t.st.progress[p.ProjectID] = p.Clone()
	return nil
}

func (t *memTx) ListHeavyQueue(_ context.Context) ([]models.HeavyQueueEntry, error) {
	return append([]models.HeavyQueueEntry(nil), t.st.queue...), nil
}

func (t *memTx) EnqueueHeavy(_ context.Context, e *models.HeavyQueueEntry) error {
	for _, q := range t.st.queue {
		if q.ProjectID == e.ProjectID {
			return fmt.Errorf("heavy queue %s: %w", e.ProjectID, ErrDuplicate)
		}
	}
	entry := *e
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	t.st.queue = append(t.st.queue, entry)
	return nil
}

func (t *memTx) RemoveHeavy(_ context.Context, projectID string) error {
	kept := t.st.queue[:0]
	for _, q := range t.st.queue {
		if q.ProjectID != projectID {
			kept = append(kept, q)
		}
	}
	t.st.queue = kept
	return nil
}

package entities

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/signals"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

const testProject = "proj-1"

func newTestResolver(t *testing.T) (*Resolver, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.SaveProject(context.Background(), &models.Project{ID: testProject, Name: "Novela", CreatedAt: time.Now()}))
	scorer := signals.NewScorer(
		[]signals.Provider{signals.NewHeuristicProvider(), signals.NewMorphoProvider()},
		signals.DefaultWeights(), time.Second, zap.NewNop(),
	)
	return NewResolver(st, scorer, DefaultConfig(), zaptest.NewLogger(t)), st
}

func seedEntity(t *testing.T, st *store.Memory, name string, typ models.EntityType, mentions int) models.Entity {
	t.Helper()
	ctx := context.Background()
	e := models.Entity{
		ID:            uuid.NewString(),
		ProjectID:     testProject,
		CanonicalName: name,
		Type:          typ,
		Importance:    models.ImportanceMinor,
		Active:        true,
		MentionCount:  mentions,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, st.SaveEntity(ctx, &e))
	for i := 0; i < mentions; i++ {
		m := models.Mention{
			ID:          uuid.NewString(),
			ProjectID:   testProject,
			EntityID:    e.ID,
			SurfaceForm: name,
			ChapterID:   "ch1",
			StartChar:   len(name) * (i + 1) * 100,
			EndChar:     len(name)*(i+1)*100 + len(name),
		}
		require.NoError(t, st.SaveMention(ctx, &m))
	}
	return e
}

func seedAttribute(t *testing.T, st *store.Memory, entityID, key, value string, conf float64, chapter string, start int) models.Attribute {
	t.Helper()
	ctx := context.Background()
	a := models.Attribute{
		ID:              uuid.NewString(),
		ProjectID:       testProject,
		EntityID:        entityID,
		Category:        "physical",
		Key:             key,
		Value:           value,
		NormalizedValue: value,
		Confidence:      conf,
	}
	require.NoError(t, st.SaveAttribute(ctx, &a))
	ev := models.Evidence{
		ID:          uuid.NewString(),
		AttributeID: a.ID,
		ProjectID:   testProject,
		ChapterID:   chapter,
		StartChar:   start,
		EndChar:     start + 20,
		Excerpt:     fmt.Sprintf("sus ojos %s", value),
		Method:      models.MethodDirectDescription,
		Confidence:  conf,
	}
	require.NoError(t, st.SaveEvidence(ctx, &ev))
	return a
}

func raw(form string, start int) RawMention {
	return RawMention{SurfaceForm: form, EntityType: models.EntityCharacter, ChapterID: "ch1", StartChar: start, EndChar: start + len(form), Confidence: 0.9}
}

func TestIngestGroupsAccentVariants(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	raws := []RawMention{raw("Maria", 0), raw("María", 40), raw("Maria", 80), raw("María", 120), raw("Maria", 160)}
	res, err := r.Ingest(ctx, testProject, raws)
	require.NoError(t, err)
	require.Len(t, res.CreatedEntities, 1)
	assert.Equal(t, 5, res.Attached)

	e, err := st.GetEntity(ctx, res.CreatedEntities[0])
	require.NoError(t, err)
	assert.Equal(t, "Maria", e.CanonicalName)
	assert.Equal(t, models.StringList{"María"}, e.Aliases)
	assert.Equal(t, 5, e.MentionCount)

	again, err := r.Ingest(ctx, testProject, raws)
	require.NoError(t, err)
	assert.Empty(t, again.CreatedEntities)
	assert.Equal(t, 5, again.Skipped)

	more, err := r.Ingest(ctx, testProject, []RawMention{raw("MARÍA", 500)})
	require.NoError(t, err)
	assert.Empty(t, more.CreatedEntities)
	e, err = st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, e.MentionCount)
	assert.Equal(t, models.StringList{"María"}, e.Aliases, "case variants of a known name are not new aliases")
}

func TestIngestUnknownProject(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Ingest(context.Background(), "missing", []RawMention{raw("Ana", 0)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type worldState struct {
	entities   map[string]models.Entity
	owners     map[string]string
	attributes map[string]models.Attribute
}

func capture(t *testing.T, st *store.Memory) worldState {
	t.Helper()
	ctx := context.Background()
	w := worldState{entities: map[string]models.Entity{}, owners: map[string]string{}, attributes: map[string]models.Attribute{}}
	ents, err := st.ListEntities(ctx, testProject, true)
	require.NoError(t, err)
	for _, e := range ents {
		e.UpdatedAt = time.Time{}
		w.entities[e.ID] = e
	}
	ms, err := st.ListMentions(ctx, testProject)
	require.NoError(t, err)
	for _, m := range ms {
		w.owners[m.ID] = m.EntityID
	}
	attrs, err := st.ListAttributes(ctx, testProject)
	require.NoError(t, err)
	for _, a := range attrs {
		a.UpdatedAt = time.Time{}
		w.attributes[a.ID] = a
	}
	return w
}

func TestMergeUndoRoundTrip(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	target := seedEntity(t, st, "Elena", models.EntityCharacter, 3)
	source := seedEntity(t, st, "la doctora", models.EntityCharacter, 2)
	seedAttribute(t, st, target.ID, "eye_color", "verde", 0.7, "ch1", 10)
	seedAttribute(t, st, source.ID, "eye_color", "verde", 0.9, "ch2", 50)
	seedAttribute(t, st, source.ID, "hair_color", "negro", 0.8, "ch2", 90)

	before := capture(t, st)

	h, err := r.Merge(ctx, testProject, []string{source.ID}, target.ID, "same person")
	require.NoError(t, err)
	assert.True(t, h.CanUndo())
	require.Len(t, h.Snapshots, 2)

	merged, err := st.GetEntity(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.MentionCount)
	assert.Contains(t, merged.Aliases, "la doctora")
	assert.Equal(t, models.StringList{source.ID}, merged.MergedFrom)

	gone, err := st.GetEntity(ctx, source.ID)
	require.NoError(t, err)
	assert.False(t, gone.Active)
	assert.Zero(t, gone.MentionCount)

	attrs, err := st.ListAttributesByEntity(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	for _, a := range attrs {
		if a.Key == "eye_color" {
			assert.Len(t, a.Evidence, 2)
			assert.Equal(t, 0.9, a.Confidence)
		}
	}
	srcAttrs, err := st.ListAttributesByEntity(ctx, source.ID)
	require.NoError(t, err)
	assert.Empty(t, srcAttrs)

	res, err := r.Undo(ctx, h.ID, false)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []string{h.ID}, res.Undone)

	after := capture(t, st)
	assert.Equal(t, before.owners, after.owners)
	assert.Equal(t, before.attributes, after.attributes)
	require.Len(t, after.entities, len(before.entities))
	for id, e := range before.entities {
		got := after.entities[id]
		assert.Equal(t, e.CanonicalName, got.CanonicalName)
		assert.Equal(t, e.Active, got.Active)
		assert.Equal(t, e.MentionCount, got.MentionCount)
		assert.ElementsMatch(t, e.Aliases, got.Aliases)
		assert.ElementsMatch(t, e.MergedFrom, got.MergedFrom)
	}

	stored, err := st.GetMergeHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, stored.CanUndo())

	_, err = r.Undo(ctx, h.ID, false)
	assert.ErrorIs(t, err, ErrAlreadyUndone)
}

func TestUndoConflictsAndCascade(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	a := seedEntity(t, st, "Ana", models.EntityCharacter, 2)
	b := seedEntity(t, st, "Anita", models.EntityCharacter, 1)
	c := seedEntity(t, st, "la señora Ruiz", models.EntityCharacter, 1)
	unrelated := seedEntity(t, st, "Pedro", models.EntityCharacter, 1)
	other := seedEntity(t, st, "Pedrito", models.EntityCharacter, 1)

	first, err := r.Merge(ctx, testProject, []string{b.ID}, a.ID, "")
	require.NoError(t, err)
	second, err := r.Merge(ctx, testProject, []string{c.ID}, a.ID, "")
	require.NoError(t, err)
	independent, err := r.Merge(ctx, testProject, []string{other.ID}, unrelated.ID, "")
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)

	res, err := r.Undo(ctx, first.ID, false)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, second.ID, res.Conflicts[0].HistoryID)
	assert.Equal(t, []string{a.ID}, res.Conflicts[0].SharedIDs)

	still, err := st.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, still.Active, "a refused undo must not change anything")

	res, err = r.Undo(ctx, first.ID, true)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []string{second.ID, first.ID}, res.Undone)

	for _, id := range []string{a.ID, b.ID, c.ID} {
		e, err := st.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.Active, e.CanonicalName)
	}
	restored, err := st.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.MentionCount)
	assert.Empty(t, restored.Aliases)

	ind, err := st.GetMergeHistory(ctx, independent.ID)
	require.NoError(t, err)
	assert.True(t, ind.CanUndo())
}

func TestUndoUnknownHistory(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Undo(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestMergeValidation(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	a := seedEntity(t, st, "Ana", models.EntityCharacter, 1)
	b := seedEntity(t, st, "Bea", models.EntityCharacter, 1)

	_, err := r.Merge(ctx, testProject, nil, a.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMergeTarget)

	_, err = r.Merge(ctx, testProject, []string{a.ID}, a.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMergeTarget)

	_, err = r.Merge(ctx, testProject, []string{"missing"}, a.ID, "")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = r.Merge(ctx, "other-project", []string{b.ID}, a.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMergeTarget)

	_, err = r.Merge(ctx, testProject, []string{b.ID}, a.ID, "")
	require.NoError(t, err)
	_, err = r.Merge(ctx, testProject, []string{b.ID}, a.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMergeTarget, "inactive source")
}

func TestUndoAfterSplitKeepsMovedMentions(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	a := seedEntity(t, st, "Elena", models.EntityCharacter, 2)
	b := seedEntity(t, st, "la doctora", models.EntityCharacter, 2)
	bMentions, err := st.ListMentionsByEntity(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, bMentions, 2)

	h, err := r.Merge(ctx, testProject, []string{b.ID}, a.ID, "")
	require.NoError(t, err)
	parts, err := r.Split(ctx, a.ID, []SplitPart{{Name: "Otro", MentionIDs: []string{bMentions[0].ID}}})
	require.NoError(t, err)
	otro := parts[0]

	res, err := r.Undo(ctx, h.ID, false)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictMovedMentions, c.Kind)
	assert.Equal(t, otro.ID, c.TargetID)
	assert.Equal(t, []string{bMentions[0].ID}, c.MentionIDs)

	res, err = r.Undo(ctx, h.ID, true)
	require.NoError(t, err)
	require.True(t, res.Applied)

	counts := map[string]int{a.ID: 2, b.ID: 1, otro.ID: 1}
	for id, want := range counts {
		e, err := st.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.Active, e.CanonicalName)
		assert.Equal(t, want, e.MentionCount, e.CanonicalName)
		actual, err := st.ListMentionsByEntity(ctx, id)
		require.NoError(t, err)
		assert.Len(t, actual, want, e.CanonicalName)
	}
	m, err := st.GetMention(ctx, bMentions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, otro.ID, m.EntityID)
}

func TestSplitAndReassign(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	e := seedEntity(t, st, "Juan", models.EntityCharacter, 4)
	other := seedEntity(t, st, "Luis", models.EntityCharacter, 1)

	mentions, err := st.ListMentionsByEntity(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, mentions, 4)

	parts, err := r.Split(ctx, e.ID, []SplitPart{{Name: "Juan hijo", MentionIDs: []string{mentions[0].ID, mentions[1].ID}}})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 2, parts[0].MentionCount)
	assert.Equal(t, models.EntityCharacter, parts[0].Type)

	orig, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, orig.MentionCount)

	_, err = r.Split(ctx, e.ID, []SplitPart{{Name: "x", MentionIDs: []string{mentions[0].ID}}})
	assert.ErrorIs(t, err, ErrMentionNotFound)
	_, err = r.Split(ctx, e.ID, []SplitPart{{Name: "", MentionIDs: []string{mentions[2].ID}}})
	assert.ErrorIs(t, err, ErrInvalidSplit)

	m, err := r.ReassignMention(ctx, mentions[2].ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, m.EntityID)
	moved, err := st.GetEntity(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.MentionCount)

	_, err = r.ReassignMention(ctx, "missing", other.ID)
	assert.ErrorIs(t, err, ErrMentionNotFound)
	_, err = r.ReassignMention(ctx, mentions[3].ID, "missing")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestAliases(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	e := seedEntity(t, st, "Maria", models.EntityCharacter, 1)

	got, err := r.AddAlias(ctx, e.ID, "María")
	require.NoError(t, err)
	assert.Equal(t, models.StringList{"María"}, got.Aliases)

	got, err = r.AddAlias(ctx, e.ID, "maría")
	require.NoError(t, err)
	assert.Len(t, got.Aliases, 1)

	got, err = r.AddAlias(ctx, e.ID, "MARIA")
	require.NoError(t, err)
	assert.Len(t, got.Aliases, 1, "canonical name is never an alias")

	_, err = r.AddAlias(ctx, e.ID, "  ")
	assert.ErrorIs(t, err, ErrInvalidAlias)

	got, err = r.RemoveAlias(ctx, e.ID, "MARÍA")
	require.NoError(t, err)
	assert.Empty(t, got.Aliases)

	_, err = r.RemoveAlias(ctx, e.ID, "Maria")
	assert.ErrorIs(t, err, ErrInvalidAlias)
	_, err = r.AddAlias(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestGetEntityDetail(t *testing.T) {
	r, st := newTestResolver(t)
	e := seedEntity(t, st, "Elena", models.EntityCharacter, 2)
	seedAttribute(t, st, e.ID, "eye_color", "verde", 0.8, "ch1", 0)

	d, err := r.GetEntity(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, d.Mentions, 2)
	require.Len(t, d.Attributes, 1)
	assert.Len(t, d.Attributes[0].Evidence, 1)

	_, err = r.GetEntity(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

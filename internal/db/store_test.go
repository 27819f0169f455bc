package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	rawDB, err := sqlx.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	rawDB.SetMaxOpenConns(1)

	c := NewClientWithDB(rawDB, &Config{Driver: DriverSQLite, Workers: 2}, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })

	n, err := c.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(migrations), n)
	return c
}

func seedProject(t *testing.T, s *Store, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.SaveProject(context.Background(), &models.Project{
		ID: id, Name: "Novel " + id, AnalysisStatus: models.StatusIdle, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestMigrateIsIdempotent(t *testing.T) {
	c := newSQLiteClient(t)
	n, err := c.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProjectsAndEntities(t *testing.T) {
	s := newSQLiteClient(t).Store()
	ctx := context.Background()
	seedProject(t, s, "p1")

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Novel p1", p.Name)
	assert.Equal(t, models.StatusIdle, p.AnalysisStatus)

	_, err = s.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	base := time.Now()
	maria := models.Entity{
		ID: "e1", ProjectID: "p1", CanonicalName: "María", Aliases: models.StringList{"Mari"},
		Type: models.EntityCharacter, Active: true, MentionCount: 2, CreatedAt: base, UpdatedAt: base,
	}
	gone := models.Entity{
		ID: "e2", ProjectID: "p1", CanonicalName: "Maria", Type: models.EntityCharacter,
		Active: false, MergedFrom: nil, CreatedAt: base.Add(time.Second), UpdatedAt: base,
	}
	require.NoError(t, s.SaveEntity(ctx, &maria))
	require.NoError(t, s.SaveEntity(ctx, &gone))

	active, err := s.ListEntities(ctx, "p1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "María", active[0].CanonicalName)
	assert.Equal(t, models.StringList{"Mari"}, active[0].Aliases)
	assert.True(t, active[0].Active)

	all, err := s.ListEntities(ctx, "p1", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e1", all[0].ID)

	maria.MentionCount = 5
	require.NoError(t, s.SaveEntity(ctx, &maria))
	got, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MentionCount)

	for i, m := range []models.Mention{
		{ID: "m2", ProjectID: "p1", EntityID: "e1", SurfaceForm: "María", ChapterID: "ch1", StartChar: 40, EndChar: 45},
		{ID: "m1", ProjectID: "p1", EntityID: "e1", SurfaceForm: "Mari", ChapterID: "ch1", StartChar: 3, EndChar: 7},
	} {
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveMention(ctx, &m))
	}
	mentions, err := s.ListMentionsByEntity(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, mentions, 2)
	assert.Equal(t, "m1", mentions[0].ID)
}

func TestAttributesWithEvidence(t *testing.T) {
	s := newSQLiteClient(t).Store()
	ctx := context.Background()
	seedProject(t, s, "p1")
	now := time.Now()

	attr := models.Attribute{
		ID: "a1", ProjectID: "p1", EntityID: "e1", Category: "physical", Key: "eye_color",
		Value: "verdes", NormalizedValue: "verde", Confidence: 0.9, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveAttribute(ctx, &attr))
	for _, ev := range []models.Evidence{
		{ID: "v2", AttributeID: "a1", ProjectID: "p1", ChapterID: "ch3", StartChar: 400, EndChar: 420, Excerpt: "ojos verdes", Method: models.MethodDirectDescription, Keywords: models.StringList{"ojos"}, Confidence: 0.9, CreatedAt: now},
		{ID: "v1", AttributeID: "a1", ProjectID: "p1", ChapterID: "ch1", StartChar: 10, EndChar: 30, Excerpt: "verdes", Method: models.MethodDialogue, Confidence: 0.7, CreatedAt: now},
	} {
		ev := ev
		require.NoError(t, s.SaveEvidence(ctx, &ev))
	}

	got, err := s.GetAttribute(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, got.Evidence, 2)
	assert.Equal(t, "v1", got.Evidence[0].ID)
	assert.Equal(t, models.StringList{"ojos"}, got.Evidence[1].Keywords)

	byEntity, err := s.ListAttributesByEntity(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Len(t, byEntity[0].Evidence, 2)

	dupValue := attr
	dupValue.ID = "a2"
	assert.ErrorIs(t, s.SaveAttribute(ctx, &dupValue), store.ErrDuplicate)

	dupSpan := models.Evidence{ID: "v3", AttributeID: "a1", ProjectID: "p1", ChapterID: "ch1", StartChar: 10, EndChar: 30, CreatedAt: now}
	assert.ErrorIs(t, s.SaveEvidence(ctx, &dupSpan), store.ErrDuplicate)

	require.NoError(t, s.DeleteAttribute(ctx, "a1"))
	_, err = s.GetAttribute(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	attrs, err := s.ListAttributes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, attrs)
}

func TestAlertsAndTransitions(t *testing.T) {
	s := newSQLiteClient(t).Store()
	ctx := context.Background()
	seedProject(t, s, "p1")
	now := time.Now()
	start := 10

	a := models.Alert{
		ID: "al1", ProjectID: "p1", Category: models.CategoryConsistency, Severity: models.SeverityWarning,
		Status: models.AlertNew, AlertType: "attribute_inconsistency", Title: "Eye color changes",
		EntityIDs: models.StringList{"e1"}, StartChar: &start, Confidence: 0.9, ContentHash: "h1",
		Extra: models.JSONB{"key": "eye_color"}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveAlert(ctx, &a))

	found, err := s.FindAlertByHash(ctx, "p1", "h1")
	require.NoError(t, err)
	assert.Equal(t, "al1", found.ID)
	require.NotNil(t, found.StartChar)
	assert.Equal(t, 10, *found.StartChar)
	assert.Nil(t, found.EndChar)
	assert.Equal(t, "eye_color", found.Extra["key"])

	_, err = s.FindAlertByHash(ctx, "p1", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	clash := a
	clash.ID = "al2"
	assert.ErrorIs(t, s.SaveAlert(ctx, &clash), store.ErrDuplicate)

	for i, to := range []models.AlertStatus{models.AlertNew, models.AlertAcknowledged, models.AlertResolved} {
		tr := models.AlertTransition{
			ID: "t" + string(rune('a'+i)), AlertID: "al1", ProjectID: "p1", ToStatus: to, CreatedAt: now,
		}
		require.NoError(t, s.AppendAlertTransition(ctx, &tr))
	}
	history, err := s.ListAlertTransitions(ctx, "al1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.AlertResolved, history[2].ToStatus)

	orphan := models.AlertTransition{ID: "tx", AlertID: "nope", ToStatus: models.AlertNew, CreatedAt: now}
	assert.ErrorIs(t, s.AppendAlertTransition(ctx, &orphan), store.ErrNotFound)

	require.NoError(t, s.DeleteAlert(ctx, "al1"))
	assert.ErrorIs(t, s.DeleteAlert(ctx, "al1"), store.ErrNotFound)
	history, err = s.ListAlertTransitions(ctx, "al1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMergeHistorySequence(t *testing.T) {
	s := newSQLiteClient(t).Store()
	ctx := context.Background()
	seedProject(t, s, "p1")
	now := time.Now()

	h1 := models.MergeHistory{
		ID: "h1", ProjectID: "p1", TargetID: "e1", SourceIDs: models.StringList{"e2"},
		Snapshots: []models.EntitySnapshot{{Entity: models.Entity{ID: "e2", CanonicalName: "Maria"}, MentionIDs: []string{"m9"}}},
		ResultSnapshot: models.Entity{ID: "e1", CanonicalName: "María"},
		CreatedAt:      now,
	}
	h2 := models.MergeHistory{ID: "h2", ProjectID: "p1", TargetID: "e1", SourceIDs: models.StringList{"e3"}, CreatedAt: now}
	require.NoError(t, s.SaveMergeHistory(ctx, &h1))
	require.NoError(t, s.SaveMergeHistory(ctx, &h2))
	assert.Equal(t, int64(1), h1.Sequence)
	assert.Equal(t, int64(2), h2.Sequence)

	undone := now.Add(time.Minute)
	h1.UndoneAt = &undone
	require.NoError(t, s.SaveMergeHistory(ctx, &h1))
	assert.Equal(t, int64(1), h1.Sequence)

	list, err := s.ListMergeHistory(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].ID)
	assert.False(t, list[0].CanUndo())
	require.Len(t, list[0].Snapshots, 1)
	assert.Equal(t, []string{"m9"}, list[0].Snapshots[0].MentionIDs)
	assert.Equal(t, "María", list[0].ResultSnapshot.CanonicalName)
	assert.True(t, list[1].CanUndo())
}

func TestProgressAndHeavyQueue(t *testing.T) {
	s := newSQLiteClient(t).Store()
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedProject(t, s, "p2")
	now := time.Now()

	fin := now.Add(time.Second)
	require.NoError(t, s.SaveProgress(ctx, &models.AnalysisProgress{
		ProjectID: "p1", Status: models.StatusCompleted, Mode: models.ModeFull, Percent: 100,
		Metrics: map[string]float64{"chapters_failed": 1}, PhasesCompleted: models.StringList{"extraction"},
		Degraded: true, AffectedChapters: models.StringList{"ch2"}, StartedAt: now, UpdatedAt: now, FinishedAt: &fin,
	}))
	p, err := s.GetProgress(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, 1.0, p.Metrics["chapters_failed"])
	assert.True(t, p.Degraded)
	assert.Equal(t, models.StringList{"ch2"}, p.AffectedChapters)
	require.NotNil(t, p.FinishedAt)
	assert.WithinDuration(t, fin, *p.FinishedAt, time.Millisecond)

	for _, id := range []string{"p2", "p1"} {
		require.NoError(t, s.EnqueueHeavy(ctx, &models.HeavyQueueEntry{
			ProjectID: id, Mode: models.ModeFull, CandidatePairs: models.PairList{{A: "a", B: "b"}},
		}))
	}
	err = s.EnqueueHeavy(ctx, &models.HeavyQueueEntry{ProjectID: "p2", Mode: models.ModeFull})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	queue, err := s.ListHeavyQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "p2", queue[0].ProjectID)
	assert.Equal(t, models.PairList{{A: "a", B: "b"}}, queue[0].CandidatePairs)

	require.NoError(t, s.RemoveHeavy(ctx, "p2"))
	require.NoError(t, s.RemoveHeavy(ctx, "p2"))
	queue, err = s.ListHeavyQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	require.NoError(t, s.DeleteProject(ctx, "p1"))
	_, err = s.GetProgress(ctx, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	queue, err = s.ListHeavyQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.ErrorIs(t, s.DeleteProject(ctx, "p1"), store.ErrNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	s := newSQLiteClient(t).Store()
	ctx := context.Background()
	seedProject(t, s, "p1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		now := time.Now()
		if err := tx.SaveEntity(ctx, &models.Entity{ID: "e1", ProjectID: "p1", CanonicalName: "Pedro", Type: models.EntityCharacter, Active: true, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if _, err := tx.GetEntity(ctx, "e1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetEntity(ctx, "e1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAsyncProgressWritesKeepLatest(t *testing.T) {
	c := newSQLiteClient(t)
	ctx := context.Background()
	seedProject(t, c.Store(), "p1")

	now := time.Now()
	for i, status := range []models.AnalysisStatus{models.StatusQueued, models.StatusRunningTier1, models.StatusCompleted} {
		p := &models.AnalysisProgress{
			ProjectID: "p1", Status: status, Percent: float64(i * 50),
			StartedAt: now, UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, c.SaveProgress(ctx, p))
		p.Status = models.StatusError
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(flushCtx))

	p, err := c.Store().GetProgress(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, 100.0, p.Percent)
}

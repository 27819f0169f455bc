package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

const testProject = "proj-1"

func newTestManager(t *testing.T, st store.Store) *Manager {
	t.Helper()
	require.NoError(t, st.SaveProject(context.Background(), &models.Project{ID: testProject, Name: "Novela"}))
	return NewManager(st, zaptest.NewLogger(t))
}

func request(title string) CreateRequest {
	return CreateRequest{
		ProjectID:  testProject,
		Category:   models.CategoryConsistency,
		Severity:   models.SeverityWarning,
		AlertType:  "attribute_inconsistency",
		Title:      title,
		EntityIDs:  []string{"e2", "e1"},
		ChapterID:  "ch2",
		Confidence: 0.7,
		Source:     "attributes",
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.AlertStatus
		want     bool
	}{
		{models.AlertNew, models.AlertOpen, true},
		{models.AlertNew, models.AlertAcknowledged, true},
		{models.AlertNew, models.AlertResolved, true},
		{models.AlertOpen, models.AlertInProgress, true},
		{models.AlertAcknowledged, models.AlertDismissed, true},
		{models.AlertInProgress, models.AlertAutoResolved, true},
		{models.AlertOpen, models.AlertAcknowledged, false},
		{models.AlertInProgress, models.AlertOpen, false},
		{models.AlertResolved, models.AlertDismissed, false},
		{models.AlertResolved, models.AlertNew, false},
		{models.AlertResolved, models.AlertOpen, true},
		{models.AlertDismissed, models.AlertOpen, true},
		{models.AlertAutoResolved, models.AlertOpen, false},
		{models.AlertNew, models.AlertNew, false},
		{models.AlertNew, "bogus", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s → %s", tc.from, tc.to)
	}
	assert.True(t, CanTransitionAs(models.AlertAutoResolved, models.AlertOpen, SystemActor))
	assert.False(t, CanTransitionAs(models.AlertAutoResolved, models.AlertOpen, "editor"))
	assert.False(t, CanTransitionAs(models.AlertDismissed, models.AlertNew, SystemActor))
}

func TestCreateWritesInitialTransition(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	a, err := m.Create(ctx, request("Ojos de María"))
	require.NoError(t, err)
	assert.Equal(t, models.AlertNew, a.Status)
	assert.NotEmpty(t, a.ID)
	assert.Len(t, a.ContentHash, 32)

	hist, err := m.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.AlertStatus(""), hist[0].FromStatus)
	assert.Equal(t, models.AlertNew, hist[0].ToStatus)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	bad := request("x")
	bad.Category = "weather"
	_, err := m.Create(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidAlert)

	bad = request("")
	_, err = m.Create(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidAlert)

	bad = request("x")
	bad.Confidence = 1.5
	_, err = m.Create(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidAlert)

	bad = request("x")
	bad.ProjectID = "missing"
	_, err = m.Create(ctx, bad)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHashIgnoresEntityOrder(t *testing.T) {
	a := request("t")
	b := request("t")
	b.EntityIDs = []string{"e1", "e2"}
	assert.Equal(t, Hash(&a), Hash(&b))
	b.ChapterID = "ch9"
	assert.NotEqual(t, Hash(&a), Hash(&b))
}

func TestCreateIfAbsentDedupesAcrossStatuses(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	first, created, err := m.CreateIfAbsent(ctx, request("Ojos"))
	require.NoError(t, err)
	assert.True(t, created)

	_, err = m.Dismiss(ctx, first.ID, "intencional", "editor")
	require.NoError(t, err)

	again, created, err := m.CreateIfAbsent(ctx, request("Ojos"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.AlertDismissed, again.Status)
}

func TestCreateIfAbsentReopensAutoResolved(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	first, created, err := m.CreateIfAbsent(ctx, request("Ojos"))
	require.NoError(t, err)
	require.True(t, created)
	_, err = m.AutoResolve(ctx, first.ID, "inconsistency no longer detected")
	require.NoError(t, err)

	again, created, err := m.CreateIfAbsent(ctx, request("Ojos"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.AlertOpen, again.Status)
	assert.Nil(t, again.ResolvedAt)

	hist, err := m.History(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	last := hist[2]
	assert.Equal(t, models.AlertAutoResolved, last.FromStatus)
	assert.Equal(t, models.AlertOpen, last.ToStatus)
	assert.Equal(t, SystemActor, last.Actor)
	assert.Equal(t, RedetectedNote, last.Note)

	// a still-open alert is left alone
	third, created, err := m.CreateIfAbsent(ctx, request("Ojos"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.AlertOpen, third.Status)
	hist, err = m.History(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestLifecycleAndReopen(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())
	a, err := m.Create(ctx, request("Edad"))
	require.NoError(t, err)

	_, err = m.Acknowledge(ctx, a.ID, "", "editor")
	require.NoError(t, err)
	_, err = m.Open(ctx, a.ID, "", "editor")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.StartProgress(ctx, a.ID, "", "editor")
	require.NoError(t, err)
	resolved, err := m.Resolve(ctx, a.ID, "corregido en cap. 5", "editor")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "corregido en cap. 5", resolved.ResolutionNote)

	_, err = m.Dismiss(ctx, a.ID, "", "editor")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	reopened, err := m.Reopen(ctx, a.ID, "volvió a aparecer", "editor")
	require.NoError(t, err)
	assert.Equal(t, models.AlertOpen, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)

	hist, err := m.History(ctx, a.ID)
	require.NoError(t, err)
	want := []models.AlertStatus{models.AlertNew, models.AlertAcknowledged, models.AlertInProgress, models.AlertResolved, models.AlertOpen}
	require.Len(t, hist, len(want))
	for i, tr := range hist {
		assert.Equal(t, want[i], tr.ToStatus)
		if i > 0 {
			assert.Equal(t, hist[i-1].ToStatus, tr.FromStatus)
		}
	}
	current, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, hist[len(hist)-1].ToStatus, current.Status)
}

func TestReopenRequiresClosedAlert(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())
	a, err := m.Create(ctx, request("x"))
	require.NoError(t, err)

	_, err = m.Reopen(ctx, a.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.AutoResolve(ctx, a.ID, "text changed")
	require.NoError(t, err)
	_, err = m.Reopen(ctx, a.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Resolve(ctx, "nope", "", "")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestFilterSortsAndPaginates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	mk := func(title string, sev models.Severity, conf float64, chapter string) *models.Alert {
		r := request(title)
		r.Severity = sev
		r.Confidence = conf
		r.ChapterID = chapter
		a, err := m.Create(ctx, r)
		require.NoError(t, err)
		return a
	}
	info := mk("Pelo castaño", models.SeverityInfo, 0.4, "ch1")
	warn := mk("Ojos verdes", models.SeverityWarning, 0.7, "ch2")
	crit := mk("Altura", models.SeverityCritical, 0.9, "ch2")
	warn2 := mk("Edad", models.SeverityWarning, 0.6, "ch3")

	page, err := m.Filter(ctx, testProject, Filter{})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	ids := []string{page.Alerts[0].ID, page.Alerts[1].ID, page.Alerts[2].ID, page.Alerts[3].ID}
	assert.Equal(t, []string{crit.ID, warn.ID, warn2.ID, info.ID}, ids)

	page, err = m.Filter(ctx, testProject, Filter{ChapterID: "ch2"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	lo, hi := 0.5, 0.75
	page, err = m.Filter(ctx, testProject, Filter{MinConfidence: &lo, MaxConfidence: &hi})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = m.Filter(ctx, testProject, Filter{Query: "OJOS"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, warn.ID, page.Alerts[0].ID)

	page, err = m.Filter(ctx, testProject, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Alerts, 2)
	assert.Equal(t, warn.ID, page.Alerts[0].ID)

	page, err = m.Filter(ctx, testProject, Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Alerts)

	_, err = m.Dismiss(ctx, info.ID, "", "")
	require.NoError(t, err)
	page, err = m.Filter(ctx, testProject, Filter{Statuses: []models.AlertStatus{models.AlertNew}, EntityID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

// failingStore fails SaveAlert for one alert id inside transactions.
type failingStore struct {
	store.Store
	failID string
}

type failingTx struct {
	store.Tx
	failID string
}

func (s *failingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, failID: s.failID})
	})
}

func (t *failingTx) SaveAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == t.failID {
		return errors.New("disk full")
	}
	return t.Tx.SaveAlert(ctx, a)
}

func TestResolveAllReportsPerAlert(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{Store: store.NewMemory()}
	m := newTestManager(t, fs)

	a1, err := m.Create(ctx, request("uno"))
	require.NoError(t, err)
	a2, err := m.Create(ctx, request("dos"))
	require.NoError(t, err)
	a3, err := m.Create(ctx, request("tres"))
	require.NoError(t, err)
	_, err = m.Dismiss(ctx, a3.ID, "", "")
	require.NoError(t, err)

	fs.failID = a2.ID
	res, err := m.ResolveAll(ctx, testProject, Filter{}, "bulk", "editor")
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID}, res.Resolved)
	assert.Equal(t, []string{a3.ID}, res.Skipped)
	require.Contains(t, res.Failed, a2.ID)
	assert.Contains(t, res.Failed[a2.ID], "disk full")

	still, err := m.Get(ctx, a2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertNew, still.Status)
	hist, err := m.History(ctx, a2.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestPurgeRemovesOnlyOldClosedAlerts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())
	old := time.Now().Add(-48 * time.Hour)
	m.now = func() time.Time { return old }

	closed, err := m.Create(ctx, request("cerrada"))
	require.NoError(t, err)
	_, err = m.Resolve(ctx, closed.ID, "", "")
	require.NoError(t, err)
	open, err := m.Create(ctx, request("abierta"))
	require.NoError(t, err)

	m.now = time.Now
	recent, err := m.Create(ctx, request("reciente"))
	require.NoError(t, err)
	_, err = m.Dismiss(ctx, recent.ID, "", "")
	require.NoError(t, err)

	n, err := m.Purge(ctx, testProject, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, closed.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)
	_, err = m.Get(ctx, open.ID)
	assert.NoError(t, err)
	_, err = m.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

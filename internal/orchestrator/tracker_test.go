package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

func TestTrackerUpdateReturnsCopies(t *testing.T) {
	var hooks []models.AnalysisStatus
	tr := NewProgressTracker(time.Minute, func(before, after models.AnalysisProgress) {
		hooks = append(hooks, before.Status, after.Status)
	})
	assert.Equal(t, models.StatusIdle, tr.Status("p1"))

	got := tr.Update("p1", func(p *models.AnalysisProgress) {
		p.Status = models.StatusRunningTier1
		p.Metrics["chapters"] = 3
		p.PhasesCompleted = append(p.PhasesCompleted, PhaseExtraction)
	})
	got.Metrics["chapters"] = 99
	got.PhasesCompleted[0] = "tampered"

	stored, ok := tr.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 3.0, stored.Metrics["chapters"])
	assert.Equal(t, models.StringList{PhaseExtraction}, stored.PhasesCompleted)
	assert.Equal(t, []models.AnalysisStatus{models.StatusIdle, models.StatusRunningTier1}, hooks)
}

func TestTrackerEvictsFinishedRuns(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewProgressTracker(time.Minute, nil)
	tr.now = func() time.Time { return now }

	tr.Update("done", func(p *models.AnalysisProgress) { p.Status = models.StatusCompleted })
	tr.Update("live", func(p *models.AnalysisProgress) { p.Status = models.StatusRunningTier1 })

	p, ok := tr.Get("done")
	require.True(t, ok)
	require.NotNil(t, p.FinishedAt)
	assert.Equal(t, now, *p.FinishedAt)
	assert.Equal(t, 2, tr.Len())

	now = now.Add(2 * time.Minute)
	_, ok = tr.Get("done")
	assert.False(t, ok)
	assert.Equal(t, models.StatusRunningTier1, tr.Status("live"))
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerRestartClearsEviction(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewProgressTracker(time.Minute, nil)
	tr.now = func() time.Time { return now }

	tr.Update("p1", func(p *models.AnalysisProgress) { p.Status = models.StatusCancelled })
	tr.Update("p1", func(p *models.AnalysisProgress) {
		*p = models.AnalysisProgress{ProjectID: "p1", Status: models.StatusQueued}
	})
	now = now.Add(time.Hour)
	assert.Equal(t, models.StatusQueued, tr.Status("p1"))

	tr.Forget("p1")
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerCallbacksFollowWriteOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []float64
	)
	tr := NewProgressTracker(time.Minute, func(_, after models.AnalysisProgress) {
		n := after.Metrics["n"]
		if int(n)%3 == 0 {
			time.Sleep(time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	const writers, each = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				tr.Update("p1", func(p *models.AnalysisProgress) { p.Metrics["n"]++ })
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, writers*each)
	for i, n := range seen {
		assert.Equal(t, float64(i+1), n)
	}
}

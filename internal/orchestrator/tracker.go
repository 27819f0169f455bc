package orchestrator

import (
	"sync"
	"time"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// ProgressTracker holds the live progress of every project. All writes go
// through Update under one mutex; reads return copies.
type ProgressTracker struct {
	mu        sync.Mutex
	records   map[string]*models.AnalysisProgress
	evictAt   map[string]time.Time
	retention time.Duration
	now       func() time.Time

	// onUpdate runs after every write, outside the lock, with before/after
	// copies. Calls for one project run one at a time in write order.
	onUpdate func(before, after models.AnalysisProgress)
	emit     map[string]*sync.Mutex
}

// NewProgressTracker creates a tracker that forgets finished runs after retention.
func NewProgressTracker(retention time.Duration, onUpdate func(before, after models.AnalysisProgress)) *ProgressTracker {
	return &ProgressTracker{
		records:   make(map[string]*models.AnalysisProgress),
		evictAt:   make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
		onUpdate:  onUpdate,
		emit:      make(map[string]*sync.Mutex),
	}
}

// Update applies fn to the project's record, creating an idle one first if
// needed, and returns a copy of the result.
func (t *ProgressTracker) Update(projectID string, fn func(p *models.AnalysisProgress)) models.AnalysisProgress {
	if t.onUpdate != nil {
		// writes to one project are serialized together with their callback
		emit := t.emitLock(projectID)
		emit.Lock()
		defer emit.Unlock()
	}

	t.mu.Lock()
	now := t.now()
	t.sweepLocked(now)
	p, ok := t.records[projectID]
	if !ok {
		p = &models.AnalysisProgress{
			ProjectID: projectID,
			Status:    models.StatusIdle,
			Metrics:   map[string]float64{},
			StartedAt: now,
		}
		t.records[projectID] = p
	}
	before := p.Clone()
	fn(p)
	if p.Metrics == nil {
		p.Metrics = map[string]float64{}
	}
	p.UpdatedAt = now
	if p.Status.Terminal() {
		if p.FinishedAt == nil {
			fin := now
			p.FinishedAt = &fin
		}
		t.evictAt[projectID] = now.Add(t.retention)
	} else {
		delete(t.evictAt, projectID)
	}
	after := p.Clone()
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(before, after)
	}
	return after
}

func (t *ProgressTracker) emitLock(projectID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	emit, ok := t.emit[projectID]
	if !ok {
		emit = &sync.Mutex{}
		t.emit[projectID] = emit
	}
	return emit
}

// Get returns a copy of the project's record.
func (t *ProgressTracker) Get(projectID string) (models.AnalysisProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	p, ok := t.records[projectID]
	if !ok {
		return models.AnalysisProgress{}, false
	}
	return p.Clone(), true
}

// Status returns the project's live status, idle when unknown.
func (t *ProgressTracker) Status(projectID string) models.AnalysisStatus {
	if p, ok := t.Get(projectID); ok {
		return p.Status
	}
	return models.StatusIdle
}

// Forget drops a record immediately.
func (t *ProgressTracker) Forget(projectID string) {
	t.mu.Lock()
	delete(t.records, projectID)
	delete(t.evictAt, projectID)
	t.mu.Unlock()
}

// Len returns the number of records held.
func (t *ProgressTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	return len(t.records)
}

func (t *ProgressTracker) sweepLocked(now time.Time) {
	for id, at := range t.evictAt {
		if now.After(at) {
			delete(t.records, id)
			delete(t.evictAt, id)
		}
	}
}

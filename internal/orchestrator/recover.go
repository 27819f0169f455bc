package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// RecoveryReport lists what Recover did per project.
type RecoveryReport struct {
	Resumed       []string `json:"resumed"`
	NeedsResubmit []string `json:"needs_resubmit"`
}

// Recover reconciles persisted state after a restart. With ResumeOnRestart
// heavy-queue entries are re-admitted in their original order; every other
// interrupted run, and every queue entry when resuming is off, becomes idle
// with NeedsResubmit set. Call it once, before serving requests.
func (o *Orchestrator) Recover(ctx context.Context) (*RecoveryReport, error) {
	entries, err := o.store.ListHeavyQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("list heavy queue: %w", err)
	}
	persisted, err := o.store.ListProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	byProject := make(map[string]models.AnalysisProgress, len(persisted))
	for _, p := range persisted {
		byProject[p.ProjectID] = p
	}

	rep := &RecoveryReport{}
	handled := make(map[string]struct{})
	resume := o.Config().ResumeOnRestart
	for _, e := range entries {
		handled[e.ProjectID] = struct{}{}
		if resume {
			prev, hasPrev := byProject[e.ProjectID]
			var prevPtr *models.AnalysisProgress
			if hasPrev {
				prevPtr = &prev
			}
			err := o.resume(e, prevPtr)
			if err == nil {
				rep.Resumed = append(rep.Resumed, e.ProjectID)
				continue
			}
			o.logger.Warn("Could not resume heavy-queued analysis",
				zap.String("project_id", e.ProjectID), zap.Error(err))
		}
		if err := o.store.RemoveHeavy(ctx, e.ProjectID); err != nil {
			return rep, fmt.Errorf("remove heavy entry %s: %w", e.ProjectID, err)
		}
		if err := o.markResubmit(ctx, e.ProjectID, byProject[e.ProjectID], "service restarted while waiting for heavy scoring"); err != nil {
			return rep, err
		}
		rep.NeedsResubmit = append(rep.NeedsResubmit, e.ProjectID)
	}

	for _, p := range persisted {
		if _, ok := handled[p.ProjectID]; ok || !p.Status.Active() {
			continue
		}
		reason := fmt.Sprintf("service restarted during %s", p.Status)
		if err := o.markResubmit(ctx, p.ProjectID, p, reason); err != nil {
			return rep, err
		}
		rep.NeedsResubmit = append(rep.NeedsResubmit, p.ProjectID)
	}

	o.logger.Info("Analysis recovery finished",
		zap.Int("resumed", len(rep.Resumed)),
		zap.Int("needs_resubmit", len(rep.NeedsResubmit)),
		zap.Bool("resume_on_restart", resume),
	)
	return rep, nil
}

func (o *Orchestrator) markResubmit(ctx context.Context, projectID string, prev models.AnalysisProgress, reason string) error {
	p := prev.Clone()
	p.ProjectID = projectID
	p.Status = models.StatusIdle
	p.NeedsResubmit = true
	p.CancelReason = reason
	p.CurrentPhase = ""
	p.UpdatedAt = time.Now().UTC()
	if p.Metrics == nil {
		p.Metrics = map[string]float64{}
	}
	delete(p.Metrics, "heavy_queue_position")
	if err := o.store.SaveProgress(ctx, &p); err != nil {
		return fmt.Errorf("save progress %s: %w", projectID, err)
	}
	o.syncProjectStatus(ctx, projectID, models.StatusIdle)
	o.logger.Warn("Interrupted analysis needs resubmission",
		zap.String("project_id", projectID),
		zap.String("reason", reason),
	)
	return nil
}

// resume re-admits one persisted queue entry as a heavy-only run.
func (o *Orchestrator) resume(e models.HeavyQueueEntry, prev *models.AnalysisProgress) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := o.runs[e.ProjectID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, e.ProjectID)
	}
	mode := e.Mode
	if mode == "" {
		mode = models.ModeFull
	}
	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	r := &run{
		projectID: e.ProjectID,
		mode:      mode,
		startedAt: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
		pairs:     append([]models.EntityPair(nil), e.CandidatePairs...),
		queued:    true,
	}
	r.ticket = o.heavy.enqueue(e.ProjectID)
	o.runs[e.ProjectID] = r
	pos := o.heavy.position(e.ProjectID)
	o.tracker.Update(e.ProjectID, func(p *models.AnalysisProgress) {
		if prev != nil {
			*p = prev.Clone()
		}
		p.ProjectID = e.ProjectID
		p.Status = models.StatusQueuedForHeavy
		p.Mode = mode
		p.NeedsResubmit = false
		p.FinishedAt = nil
		p.PhasesCompleted = append(models.StringList(nil), e.CompletedPhases...)
		if p.Metrics == nil {
			p.Metrics = map[string]float64{}
		}
		if pos > 0 {
			p.Metrics["heavy_queue_position"] = float64(pos)
		}
		if p.StartedAt.IsZero() {
			p.StartedAt = r.startedAt
		}
	})
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.AnalysesStarted.WithLabelValues(mode).Inc()
	go func() {
		defer o.wg.Done()
		defer r.cancel(nil)
		o.finish(r, o.runHeavy(r))
	}()
	return nil
}

// HeavyStats reports heavy slots in use and projects waiting.
func (o *Orchestrator) HeavyStats() (inUse, waiting int) { return o.heavy.stats() }

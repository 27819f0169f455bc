// Package orchestrator runs the multi-phase consistency analysis of a
// project: extraction, entity resolution, attribute consolidation,
// contradiction detection and, when needed, a tier2 heavy scoring pass that
// shares a bounded pool of slots across projects.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/attributes"
	"github.com/Kocoro-lab/consistency-engine/internal/degradation"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
	"github.com/Kocoro-lab/consistency-engine/internal/streaming"
)

// Deps are the collaborators of an Orchestrator. Degradation, Stream and
// Sink are optional; Sink defaults to the store.
type Deps struct {
	Store       store.Store
	Resolver    *entities.Resolver
	Analyzer    *attributes.Analyzer
	Alerts      *alerts.Manager
	Extractor   Extractor
	Degradation *degradation.Manager
	Stream      *streaming.Manager
	Sink        ProgressSink
}

// Orchestrator owns every analysis run of the process.
type Orchestrator struct {
	store       store.Store
	resolver    *entities.Resolver
	analyzer    *attributes.Analyzer
	alerts      *alerts.Manager
	extractor   Extractor
	degradation *degradation.Manager
	partials    *degradation.PartialResultsManager
	stream      *streaming.Manager
	sink        ProgressSink
	logger      *zap.Logger

	tracker *ProgressTracker
	heavy   *heavyScheduler

	cfgMu sync.RWMutex
	cfg   Config

	mu         sync.Mutex
	runs       map[string]*run
	closing    bool
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type run struct {
	projectID string
	mode      string
	input     Input
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	// heavy tier; only the run's own goroutine touches these
	pairs        []models.EntityPair
	ticket       *heavyTicket
	queued       bool
	waitingHeavy bool
}

// New creates an orchestrator. The heavy slot count is fixed for its lifetime.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Store == nil || deps.Resolver == nil || deps.Analyzer == nil || deps.Alerts == nil {
		return nil, errors.New("orchestrator: store, resolver, analyzer and alert manager are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:       deps.Store,
		resolver:    deps.Resolver,
		analyzer:    deps.Analyzer,
		alerts:      deps.Alerts,
		extractor:   deps.Extractor,
		degradation: deps.Degradation,
		stream:      deps.Stream,
		sink:        deps.Sink,
		logger:      logger,
		heavy:       newHeavyScheduler(cfg.HeavySlots),
		cfg:         cfg,
		runs:        make(map[string]*run),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
	}
	if o.sink == nil {
		o.sink = deps.Store
	}
	if deps.Degradation != nil {
		o.partials = deps.Degradation.GetPartialResultsManager()
	} else {
		o.partials = degradation.NewPartialResultsManager(logger)
	}
	o.tracker = NewProgressTracker(cfg.ProgressRetention, o.onProgress)
	return o, nil
}

// Config returns the current settings.
func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// SetConfig replaces the settings used by runs started afterwards. HeavySlots
// keeps its construction-time value.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.cfgMu.Lock()
	cfg.HeavySlots = o.cfg.HeavySlots
	o.cfg = cfg
	o.cfgMu.Unlock()
	o.tracker.mu.Lock()
	o.tracker.retention = cfg.ProgressRetention
	o.tracker.mu.Unlock()
}

func normalizeMode(mode string) (string, error) {
	switch mode {
	case "", models.ModeFull:
		return models.ModeFull, nil
	case models.ModeExpress:
		return models.ModeExpress, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
}

func validateInput(in Input, hasExtractor bool) error {
	if len(in.Chapters) > 0 && !hasExtractor {
		return fmt.Errorf("%w: no extractor configured", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(in.Chapters))
	for _, ch := range in.Chapters {
		if ch.ID == "" {
			return fmt.Errorf("%w: chapter without id", ErrInvalidInput)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("%w: duplicate chapter %s", ErrInvalidInput, ch.ID)
		}
		seen[ch.ID] = struct{}{}
	}
	return nil
}

// Start queues an analysis of the project and returns at once; the run
// continues in the background.
func (o *Orchestrator) Start(ctx context.Context, projectID string, in Input) error {
	mode, err := normalizeMode(in.Mode)
	if err != nil {
		return err
	}
	if err := validateInput(in, o.extractor != nil); err != nil {
		return err
	}
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return fmt.Errorf("load project: %w", err)
	}

	downgraded := false
	if o.degradation != nil {
		ok, behavior, err := o.degradation.CanExecuteOperation(ctx, degradation.OpAnalysis)
		if !ok {
			if err == nil {
				err = fmt.Errorf("analysis unavailable (%s)", behavior)
			}
			return fmt.Errorf("start analysis: %w", err)
		}
		decision, err := o.degradation.RecommendedMode(ctx, mode, projectID)
		if err != nil {
			o.logger.Warn("Mode decision failed, keeping requested mode",
				zap.String("project_id", projectID), zap.Error(err))
		} else if decision.WasDowngraded {
			mode = decision.FinalMode
			downgraded = true
		}
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := o.runs[projectID]; busy || o.tracker.Status(projectID).Active() {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, projectID)
	}
	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	r := &run{
		projectID: projectID,
		mode:      mode,
		input:     in,
		startedAt: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
	}
	o.runs[projectID] = r
	o.tracker.Update(projectID, func(p *models.AnalysisProgress) {
		*p = models.AnalysisProgress{
			ProjectID: projectID,
			Status:    models.StatusQueued,
			Mode:      mode,
			Metrics:   map[string]float64{},
			StartedAt: r.startedAt,
		}
		if downgraded {
			p.Metrics["mode_downgraded"] = 1
		}
	})
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.AnalysesStarted.WithLabelValues(mode).Inc()
	o.logger.Info("Analysis queued",
		zap.String("project_id", projectID),
		zap.String("mode", mode),
		zap.Int("chapters", len(in.Chapters)),
		zap.Int("findings", len(in.Findings)),
	)
	go o.execute(r)
	return nil
}

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	defer r.cancel(nil)

	err := o.runTier1(r)
	if err == nil && r.queued {
		err = o.runHeavy(r)
	}
	o.finish(r, err)
}

// finish records the terminal status. Cancellation is routed before the
// generic failure branch.
func (o *Orchestrator) finish(r *run, err error) {
	status := models.StatusCompleted
	var errMsg, reason string
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		status = models.StatusCancelled
		reason = cancelReason(err)
	default:
		if cause := context.Cause(r.ctx); errors.Is(cause, ErrCancelled) {
			o.logger.DPanic("Cancelled run reached the generic failure handler",
				zap.String("project_id", r.projectID),
				zap.Error(err),
			)
			status = models.StatusCancelled
			reason = cancelReason(cause)
		} else {
			status = models.StatusError
			errMsg = err.Error()
		}
	}

	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.mu.Lock()
	owner := o.runs[r.projectID] == r
	o.mu.Unlock()
	if !owner {
		// released by Cancel while queued for a heavy slot; the project may
		// already belong to a newer run
		metrics.RecordAnalysis(r.mode, string(models.StatusCancelled), time.Since(r.startedAt).Seconds())
		o.logger.Info("Analysis cancelled",
			zap.String("project_id", r.projectID),
			zap.String("reason", reason),
			zap.Bool("released_early", true),
		)
		return
	}

	if status == models.StatusCancelled && reason == ReasonShutdown && r.waitingHeavy {
		// queue row and queued_for_heavy status stay for Recover
		o.mu.Lock()
		delete(o.runs, r.projectID)
		o.mu.Unlock()
		o.logger.Info("Heavy-queued analysis left for recovery",
			zap.String("project_id", r.projectID))
		return
	}
	if r.queued {
		if err := o.store.RemoveHeavy(bg, r.projectID); err != nil {
			o.logger.Warn("Failed to remove heavy queue entry",
				zap.String("project_id", r.projectID), zap.Error(err))
		}
	}

	o.mu.Lock()
	delete(o.runs, r.projectID)
	final := o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.Status = status
		delete(p.Metrics, "heavy_queue_position")
		switch status {
		case models.StatusCompleted:
			p.Percent = 100
			p.Error = ""
		case models.StatusCancelled:
			p.CancelReason = reason
		case models.StatusError:
			p.Error = errMsg
		}
	})
	o.mu.Unlock()

	elapsed := time.Since(r.startedAt)
	metrics.RecordAnalysis(r.mode, string(status), elapsed.Seconds())
	fields := []zap.Field{
		zap.String("project_id", r.projectID),
		zap.String("status", string(final.Status)),
		zap.Duration("elapsed", elapsed),
		zap.Strings("phases_completed", final.PhasesCompleted),
	}
	switch status {
	case models.StatusError:
		o.logger.Error("Analysis failed", append(fields, zap.String("error", errMsg))...)
	case models.StatusCancelled:
		o.logger.Info("Analysis cancelled", append(fields, zap.String("reason", reason))...)
	default:
		o.logger.Info("Analysis completed", append(fields, zap.Bool("degraded", final.Degraded))...)
	}
}

// Progress returns a snapshot of the project's progress. It never waits for
// the running job; without a live record the persisted snapshot is used.
func (o *Orchestrator) Progress(ctx context.Context, projectID string) (models.AnalysisProgress, error) {
	if p, ok := o.tracker.Get(projectID); ok {
		return p, nil
	}
	p, err := o.store.GetProgress(ctx, projectID)
	if err == nil {
		return p.Clone(), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.AnalysisProgress{}, fmt.Errorf("load progress: %w", err)
	}
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.AnalysisProgress{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return models.AnalysisProgress{}, fmt.Errorf("load project: %w", err)
	}
	return models.AnalysisProgress{
		ProjectID: projectID,
		Status:    models.StatusIdle,
		Metrics:   map[string]float64{},
	}, nil
}

// Cancel requests cancellation of the project's run. A project waiting for a
// heavy slot leaves the queue and is marked cancelled immediately.
func (o *Orchestrator) Cancel(projectID string) error {
	return o.cancel(projectID, ReasonUser)
}

func (o *Orchestrator) cancel(projectID, reason string) error {
	o.mu.Lock()
	r, ok := o.runs[projectID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, projectID)
	}

	if reason != ReasonShutdown && o.heavy.remove(projectID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.store.RemoveHeavy(ctx, projectID); err != nil {
			o.logger.Warn("Failed to remove heavy queue entry",
				zap.String("project_id", projectID), zap.Error(err))
		}
		cancel()
		// the project is free for a new run before the goroutine unwinds
		o.mu.Lock()
		if o.runs[projectID] == r {
			delete(o.runs, projectID)
		}
		o.tracker.Update(projectID, func(p *models.AnalysisProgress) {
			p.Status = models.StatusCancelled
			p.CancelReason = reason
			delete(p.Metrics, "heavy_queue_position")
		})
		o.mu.Unlock()
	}
	r.cancel(&cancelError{reason: reason})
	o.logger.Info("Analysis cancellation requested",
		zap.String("project_id", projectID),
		zap.String("reason", reason),
	)
	return nil
}

// Running lists the projects that currently own a run.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.runs))
	for id := range o.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown cancels every run with reason "shutdown" and waits for the
// workers, or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		_ = o.cancel(id, ReasonShutdown)
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	defer o.baseCancel()
	select {
	case <-done:
		o.logger.Info("Orchestrator stopped", zap.Int("cancelled_runs", len(ids)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onProgress publishes and persists every tracker write.
func (o *Orchestrator) onProgress(before, after models.AnalysisProgress) {
	if o.stream != nil {
		evt := o.stream.Publish(after.ProjectID, progressEvent(before, after))
		metrics.StreamEvents.WithLabelValues(evt.Type, "stream").Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.sink.SaveProgress(ctx, &after); err != nil {
		o.logger.Warn("Failed to persist progress",
			zap.String("project_id", after.ProjectID),
			zap.String("status", string(after.Status)),
			zap.Error(err),
		)
	}
	if before.Status != after.Status {
		o.syncProjectStatus(ctx, after.ProjectID, after.Status)
	}
}

func (o *Orchestrator) syncProjectStatus(ctx context.Context, projectID string, status models.AnalysisStatus) {
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		p.AnalysisStatus = status
		p.UpdatedAt = time.Now().UTC()
		return tx.SaveProject(ctx, p)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("Failed to update project status",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

func progressEvent(before, after models.AnalysisProgress) streaming.Event {
	evt := streaming.Event{
		Type:    streaming.EventProgress,
		Status:  string(after.Status),
		Phase:   after.CurrentPhase,
		Percent: after.Percent,
		Data: map[string]interface{}{
			"phases_completed": []string(after.PhasesCompleted),
			"degraded":         after.Degraded,
		},
	}
	if len(after.AffectedChapters) > 0 {
		evt.Data["affected_chapters"] = []string(after.AffectedChapters)
	}
	if pos, ok := after.Metrics["heavy_queue_position"]; ok {
		evt.Data["heavy_queue_position"] = pos
	}
	statusChanged := before.Status != after.Status
	switch {
	case statusChanged && after.Status == models.StatusCompleted:
		evt.Type = streaming.EventCompleted
	case statusChanged && after.Status == models.StatusCancelled:
		evt.Type = streaming.EventCancelled
		evt.Message = after.CancelReason
	case statusChanged && after.Status == models.StatusError:
		evt.Type = streaming.EventError
		evt.Message = after.Error
	case statusChanged && after.Status == models.StatusQueuedForHeavy:
		evt.Type = streaming.EventQueuedHeavy
	case after.CurrentPhase != before.CurrentPhase && after.CurrentPhase != "":
		evt.Type = streaming.EventPhaseStarted
	case len(after.PhasesCompleted) > len(before.PhasesCompleted):
		evt.Type = streaming.EventPhaseCompleted
	}
	return evt
}

// checkPoint returns the cancellation outcome once the run's context is done.
func checkPoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return interrupted(ctx, ctx.Err())
}

// interrupted replaces err with the context's cause when the context ended
// because of cancellation or the heavy watchdog.
func interrupted(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) || errors.Is(cause, ErrHeavyTimeout) {
		return cause
	}
	return err
}

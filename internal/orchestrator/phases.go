package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/attributes"
	"github.com/Kocoro-lab/consistency-engine/internal/degradation"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

// DuplicateAlertType is the alert_type of possible duplicate entities.
const DuplicateAlertType = "duplicate_entity"

// tier1Output carries what one phase hands to the next. Phases never share
// mutable state beyond it.
type tier1Output struct {
	mentions   []entities.RawMention
	candidates []attributes.Candidate
	texts      map[string][]rune
	pairs      []models.EntityPair
	ambiguous  []models.EntityPair
}

func (o *Orchestrator) runTier1(r *run) error {
	ctx := r.ctx
	if err := checkPoint(ctx); err != nil {
		return err
	}
	o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.Status = models.StatusRunningTier1
	})

	out := &tier1Output{texts: make(map[string][]rune)}
	steps := []struct {
		phase string
		fn    func(ctx context.Context) error
	}{
		{PhaseExtraction, func(ctx context.Context) error { return o.extract(ctx, r, out) }},
		{PhaseEntityResolution, func(ctx context.Context) error { return o.resolveEntities(ctx, r, out) }},
		{PhaseAttributeConsolidation, func(ctx context.Context) error { return o.consolidate(ctx, r, out) }},
		{PhaseConsistency, func(ctx context.Context) error { return o.detect(ctx, r) }},
	}
	for _, s := range steps {
		if err := o.runPhase(ctx, r, s.phase, s.fn); err != nil {
			return err
		}
	}

	pairs := o.heavyPairs(ctx, r, out)
	if len(pairs) == 0 {
		return nil
	}
	return o.enqueueHeavy(ctx, r, pairs)
}

// runPhase wraps one phase with the cancellation check, a span, progress
// and the phase metric.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase string, fn func(ctx context.Context) error) error {
	if err := checkPoint(ctx); err != nil {
		return err
	}
	ctx, span := tracing.StartPhaseSpan(ctx, r.projectID, phase)
	defer span.End()

	start := time.Now()
	o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.CurrentPhase = phase
		p.Percent = phasePercent(phase, 0)
	})
	err := interrupted(ctx, fn(ctx))

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	default:
		outcome = "error"
		span.RecordError(err)
	}
	metrics.RecordPhase(phase, outcome, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.PhasesCompleted = append(p.PhasesCompleted, phase)
		p.Percent = phasePercent(phase, 1)
	})
	o.logger.Debug("Phase completed",
		zap.String("project_id", r.projectID),
		zap.String("phase", phase),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (o *Orchestrator) setMetrics(projectID string, kv map[string]float64) {
	o.tracker.Update(projectID, func(p *models.AnalysisProgress) {
		for k, v := range kv {
			p.Metrics[k] = v
		}
	})
}

func (o *Orchestrator) setPercent(projectID, phase string, fraction float64) {
	o.tracker.Update(projectID, func(p *models.AnalysisProgress) {
		p.Percent = phasePercent(phase, fraction)
	})
}

// extract runs the extractor chapter by chapter. A failing chapter is
// recoverable: the run goes on degraded. Only a run where every chapter
// failed is fatal.
func (o *Orchestrator) extract(ctx context.Context, r *run, out *tier1Output) error {
	chapters := append([]Chapter(nil), r.input.Chapters...)
	sort.SliceStable(chapters, func(i, j int) bool {
		if chapters[i].Number != chapters[j].Number {
			return chapters[i].Number < chapters[j].Number
		}
		return chapters[i].ID < chapters[j].ID
	})

	results := make([]degradation.PartialResult, 0, len(chapters))
	for i, ch := range chapters {
		if err := checkPoint(ctx); err != nil {
			return err
		}
		ext, err := o.extractor.ExtractChapter(ctx, r.projectID, ch)
		if err != nil {
			if ctx.Err() != nil {
				return interrupted(ctx, err)
			}
			o.logger.Warn("Chapter extraction failed",
				zap.String("project_id", r.projectID),
				zap.String("chapter_id", ch.ID),
				zap.Error(err),
			)
			results = append(results, o.partials.CreatePartialResult(ch.ID, nil, err, false))
			continue
		}
		out.texts[ch.ID] = []rune(ch.Text)
		for _, m := range ext.Mentions {
			if m.ChapterID == "" {
				m.ChapterID = ch.ID
			}
			out.mentions = append(out.mentions, m)
		}
		for _, c := range ext.Attributes {
			if c.ChapterID == "" {
				c.ChapterID = ch.ID
			}
			out.candidates = append(out.candidates, c)
		}
		results = append(results, o.partials.CreatePartialResult(ch.ID, len(ext.Mentions), nil, false))
		o.setPercent(r.projectID, PhaseExtraction, float64(i+1)/float64(len(chapters)))
	}

	agg := o.partials.AggregateResults(results, PhaseExtraction)
	if !agg.Success {
		return fmt.Errorf("extraction failed for all %d chapters: %s", agg.FailureCount, agg.Warning)
	}
	o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.Metrics["chapters_extracted"] = float64(agg.SuccessCount)
		p.Metrics["chapters_failed"] = float64(agg.FailureCount)
		p.Metrics["mentions_extracted"] = float64(len(out.mentions))
		p.Metrics["attribute_candidates"] = float64(len(out.candidates))
		if agg.FailureCount > 0 {
			p.Degraded = true
			p.AffectedChapters = append(p.AffectedChapters[:0], agg.Affected...)
		}
	})
	return nil
}

// resolveEntities ingests mentions, scores candidate pairs with the tier1
// signals and turns suggestions into duplicate-entity alerts.
func (o *Orchestrator) resolveEntities(ctx context.Context, r *run, out *tier1Output) error {
	cfg := o.Config()
	ing, err := o.resolver.Ingest(ctx, r.projectID, out.mentions)
	if err != nil {
		return fmt.Errorf("ingest mentions: %w", err)
	}
	o.setMetrics(r.projectID, map[string]float64{
		"entities_created":  float64(len(ing.CreatedEntities)),
		"mentions_attached": float64(ing.Attached),
		"mentions_skipped":  float64(ing.Skipped),
	})
	o.setPercent(r.projectID, PhaseEntityResolution, 0.2)

	pairs, err := o.resolver.CandidatePairs(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("candidate pairs: %w", err)
	}
	contexts, err := o.mentionContexts(ctx, r.projectID, out.texts, cfg.ContextChars)
	if err != nil {
		return fmt.Errorf("mention contexts: %w", err)
	}
	scored, err := o.resolver.ScorePairs(ctx, r.projectID, pairs, entities.ScoreOptions{
		Contexts:        contexts,
		CheckpointEvery: cfg.CheckpointEvery,
		Checkpoint: func(done, total int) error {
			if err := checkPoint(ctx); err != nil {
				return err
			}
			if total > 0 {
				o.setPercent(r.projectID, PhaseEntityResolution, 0.2+0.6*float64(done)/float64(total))
			}
			return nil
		},
	})
	if errors.Is(err, entities.ErrNoScorer) {
		o.logger.Warn("No signal scorer configured, skipping duplicate detection",
			zap.String("project_id", r.projectID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("score pairs: %w", err)
	}

	suggestions := o.resolver.Suggestions(r.projectID, scored)
	merged, err := o.resolver.AutoMerge(ctx, r.projectID, suggestions)
	if err != nil {
		return fmt.Errorf("auto-merge: %w", err)
	}
	suggestions = withoutMerged(suggestions, merged)
	created, err := o.emitDuplicateAlerts(ctx, r.projectID, suggestions, "tier1")
	if err != nil {
		return err
	}
	stale, err := o.resolveStaleDuplicates(ctx, r.projectID)
	if err != nil {
		return err
	}

	out.pairs = pairs
	out.ambiguous = o.resolver.Ambiguous(scored)
	o.setMetrics(r.projectID, map[string]float64{
		"candidate_pairs":          float64(len(pairs)),
		"merge_suggestions":        float64(len(suggestions)),
		"auto_merged":              float64(len(merged)),
		"ambiguous_pairs":          float64(len(out.ambiguous)),
		"duplicate_alerts_created": float64(created),
		"duplicate_alerts_stale":   float64(stale),
	})
	return nil
}

// mentionContexts collects up to three text snippets per entity.
func (o *Orchestrator) mentionContexts(ctx context.Context, projectID string, texts map[string][]rune, width int) (map[string][]string, error) {
	if width <= 0 || len(texts) == 0 {
		return nil, nil
	}
	mentions, err := o.store.ListMentions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, m := range mentions {
		if len(out[m.EntityID]) >= 3 {
			continue
		}
		text, ok := texts[m.ChapterID]
		if !ok || m.StartChar < 0 || m.EndChar > len(text) || m.StartChar >= m.EndChar {
			continue
		}
		from, to := m.StartChar-width, m.EndChar+width
		if from < 0 {
			from = 0
		}
		if to > len(text) {
			to = len(text)
		}
		out[m.EntityID] = append(out[m.EntityID], string(text[from:to]))
	}
	return out, nil
}

func withoutMerged(suggestions []models.MergeSuggestion, merged []*models.MergeHistory) []models.MergeSuggestion {
	if len(merged) == 0 {
		return suggestions
	}
	gone := make(map[string]struct{})
	for _, h := range merged {
		for _, id := range h.SourceIDs {
			gone[id] = struct{}{}
		}
	}
	out := suggestions[:0:0]
	for _, s := range suggestions {
		_, a := gone[s.EntityA]
		_, b := gone[s.EntityB]
		if !a && !b {
			out = append(out, s)
		}
	}
	return out
}

func duplicateAlert(s models.MergeSuggestion, threshold float64, tier string) alerts.CreateRequest {
	severity := models.SeverityInfo
	if s.Score >= threshold+0.1 {
		severity = models.SeverityWarning
	}
	conf := s.Score
	if conf > 1 {
		conf = 1
	}
	return alerts.CreateRequest{
		ProjectID:   s.ProjectID,
		Category:    models.CategoryEntity,
		Severity:    severity,
		AlertType:   DuplicateAlertType,
		Title:       fmt.Sprintf("Possible duplicate entity: %s / %s", s.NameA, s.NameB),
		Description: fmt.Sprintf("%q and %q may refer to the same entity (score %.2f).", s.NameA, s.NameB, s.Score),
		Explanation: s.Reason,
		Suggestion:  "Merge the two entities if they are the same referent, or dismiss this alert.",
		EntityIDs:   []string{s.EntityA, s.EntityB},
		Confidence:  conf,
		Source:      "entities",
		ContentHash: alerts.ContentHash(s.ProjectID, DuplicateAlertType, s.EntityA, s.EntityB),
		Extra: map[string]interface{}{
			"score":           s.Score,
			"signals":         s.Signals,
			"applied_weights": s.AppliedWeights,
			"tier":            tier,
		},
	}
}

func (o *Orchestrator) emitDuplicateAlerts(ctx context.Context, projectID string, suggestions []models.MergeSuggestion, tier string) (int, error) {
	threshold := o.resolver.Config().MergeThreshold
	created := 0
	for _, s := range suggestions {
		_, ok, err := o.alerts.CreateIfAbsent(ctx, duplicateAlert(s, threshold, tier))
		if err != nil {
			return created, fmt.Errorf("duplicate alert %s/%s: %w", s.EntityA, s.EntityB, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// resolveStaleDuplicates auto-resolves open duplicate alerts whose entities
// were merged or removed since.
func (o *Orchestrator) resolveStaleDuplicates(ctx context.Context, projectID string) (int, error) {
	all, err := o.store.ListAlerts(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("list alerts: %w", err)
	}
	active, err := o.store.ListEntities(ctx, projectID, false)
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}
	live := make(map[string]struct{}, len(active))
	for _, e := range active {
		live[e.ID] = struct{}{}
	}
	n := 0
	for _, a := range all {
		if a.AlertType != DuplicateAlertType || a.Status.Closed() {
			continue
		}
		stale := false
		for _, id := range a.EntityIDs {
			if _, ok := live[id]; !ok {
				stale = true
				break
			}
		}
		if !stale {
			continue
		}
		if _, err := o.alerts.AutoResolve(ctx, a.ID, "entities merged or removed"); err != nil {
			return n, fmt.Errorf("auto-resolve %s: %w", a.ID, err)
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) consolidate(ctx context.Context, r *run, out *tier1Output) error {
	res, err := o.analyzer.Consolidate(ctx, r.projectID, out.candidates)
	if err != nil {
		return fmt.Errorf("consolidate attributes: %w", err)
	}
	o.setMetrics(r.projectID, map[string]float64{
		"attributes_created":    float64(res.AttributesCreated),
		"attributes_updated":    float64(res.AttributesUpdated),
		"evidence_added":        float64(res.EvidenceAdded),
		"attributes_unresolved": float64(res.Unresolved),
		"attributes_invalid":    float64(res.Invalid),
	})
	return nil
}

// detect emits one alert per contradiction, auto-resolves contradiction
// alerts that no longer hold, and imports external findings.
func (o *Orchestrator) detect(ctx context.Context, r *run) error {
	incs, err := o.analyzer.Detect(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("detect inconsistencies: %w", err)
	}
	current := make(map[string]struct{}, len(incs))
	created := 0
	for i := range incs {
		req := incs[i].AlertRequest()
		a, ok, err := o.alerts.CreateIfAbsent(ctx, req)
		if err != nil {
			return fmt.Errorf("inconsistency alert: %w", err)
		}
		current[a.ContentHash] = struct{}{}
		if ok {
			created++
		}
	}
	o.setPercent(r.projectID, PhaseConsistency, 0.5)

	all, err := o.store.ListAlerts(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	resolved := 0
	for _, a := range all {
		if a.AlertType != attributes.AlertType || a.Status.Closed() {
			continue
		}
		if _, ok := current[a.ContentHash]; ok {
			continue
		}
		if _, err := o.alerts.AutoResolve(ctx, a.ID, "inconsistency no longer detected"); err != nil {
			return fmt.Errorf("auto-resolve %s: %w", a.ID, err)
		}
		resolved++
	}

	imported, invalid := 0, 0
	for _, f := range r.input.Findings {
		f.ProjectID = r.projectID
		if f.Source == "" {
			f.Source = "external"
		}
		_, ok, err := o.alerts.CreateIfAbsent(ctx, f)
		if errors.Is(err, alerts.ErrInvalidAlert) {
			invalid++
			o.logger.Warn("Skipping invalid finding",
				zap.String("project_id", r.projectID),
				zap.String("alert_type", f.AlertType),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("import finding: %w", err)
		}
		if ok {
			imported++
		}
	}
	o.setMetrics(r.projectID, map[string]float64{
		"inconsistencies":      float64(len(incs)),
		"inconsistency_alerts": float64(created),
		"alerts_auto_resolved": float64(resolved),
		"findings_imported":    float64(imported),
		"findings_invalid":     float64(invalid),
	})
	return nil
}

// heavyPairs decides whether the run needs tier2 and with which pairs.
func (o *Orchestrator) heavyPairs(ctx context.Context, r *run, out *tier1Output) []models.EntityPair {
	if r.mode == models.ModeExpress {
		return nil
	}
	scorer := o.resolver.Scorer()
	if scorer == nil || !scorer.HasHeavy() {
		return nil
	}
	pairs := out.ambiguous
	if o.Config().HeavyRescoreAll {
		pairs = out.pairs
	}
	if len(pairs) == 0 {
		return nil
	}
	if o.degradation != nil {
		if ok, behavior, _ := o.degradation.CanExecuteOperation(ctx, degradation.OpHeavyScoring); !ok {
			o.logger.Warn("Skipping heavy scoring under degradation",
				zap.String("project_id", r.projectID),
				zap.String("behavior", behavior),
				zap.Int("pairs", len(pairs)),
			)
			o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
				p.Metrics["heavy_skipped"] = 1
			})
			return nil
		}
	}
	return pairs
}

// enqueueHeavy persists the lightweight queue handle and takes a place in
// the slot queue.
func (o *Orchestrator) enqueueHeavy(ctx context.Context, r *run, pairs []models.EntityPair) error {
	progress, _ := o.tracker.Get(r.projectID)
	entry := &models.HeavyQueueEntry{
		ProjectID:       r.projectID,
		Mode:            r.mode,
		CompletedPhases: append(models.StringList(nil), progress.PhasesCompleted...),
		CandidatePairs:  append(models.PairList(nil), pairs...),
		EnqueuedAt:      time.Now().UTC(),
	}
	if err := o.store.RemoveHeavy(ctx, r.projectID); err != nil {
		return interrupted(ctx, fmt.Errorf("clear heavy queue entry: %w", err))
	}
	if err := o.store.EnqueueHeavy(ctx, entry); err != nil {
		return interrupted(ctx, fmt.Errorf("enqueue heavy: %w", err))
	}
	r.pairs = pairs
	r.queued = true
	r.ticket = o.heavy.enqueue(r.projectID)
	pos := o.heavy.position(r.projectID)
	o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.Status = models.StatusQueuedForHeavy
		p.Metrics["heavy_pairs"] = float64(len(pairs))
		if pos > 0 {
			p.Metrics["heavy_queue_position"] = float64(pos)
		}
	})
	o.logger.Info("Analysis queued for heavy scoring",
		zap.String("project_id", r.projectID),
		zap.Int("pairs", len(pairs)),
		zap.Int("queue_position", pos),
	)
	return nil
}

// runHeavy waits for a slot, then rescores the queued pairs with the tier2
// signals under the watchdog.
func (o *Orchestrator) runHeavy(r *run) error {
	r.waitingHeavy = true
	if err := o.heavy.wait(r.ctx, r.ticket); err != nil {
		return interrupted(r.ctx, err)
	}
	r.waitingHeavy = false
	defer o.heavy.release()

	if err := o.store.RemoveHeavy(r.ctx, r.projectID); err != nil {
		return interrupted(r.ctx, fmt.Errorf("dequeue heavy: %w", err))
	}
	r.queued = false
	o.tracker.Update(r.projectID, func(p *models.AnalysisProgress) {
		p.Status = models.StatusRunningTier2
		delete(p.Metrics, "heavy_queue_position")
	})

	cfg := o.Config()
	ctx, cancel := context.WithTimeoutCause(r.ctx, cfg.HeavyTimeout, ErrHeavyTimeout)
	defer cancel()
	return o.runPhase(ctx, r, PhaseHeavyScoring, func(ctx context.Context) error {
		return o.heavyScoring(ctx, r)
	})
}

// heavyScoring reloads entities from the store; pairs whose entities were
// merged meanwhile drop out.
func (o *Orchestrator) heavyScoring(ctx context.Context, r *run) error {
	scored, err := o.resolver.ScorePairs(ctx, r.projectID, r.pairs, entities.ScoreOptions{
		Heavy:           true,
		CheckpointEvery: 1,
		Checkpoint: func(done, total int) error {
			if err := checkPoint(ctx); err != nil {
				return err
			}
			if total > 0 {
				o.setPercent(r.projectID, PhaseHeavyScoring, float64(done)/float64(total))
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("heavy scoring: %w", err)
	}
	suggestions := o.resolver.Suggestions(r.projectID, scored)
	created, err := o.emitDuplicateAlerts(ctx, r.projectID, suggestions, "tier2")
	if err != nil {
		return err
	}
	o.setMetrics(r.projectID, map[string]float64{
		"heavy_pairs_scored":   float64(len(scored)),
		"heavy_suggestions":    float64(len(suggestions)),
		"heavy_alerts_created": float64(created),
	})
	return nil
}

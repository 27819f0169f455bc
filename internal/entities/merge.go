package entities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

// Merge folds sourceIDs into targetID in one transaction and records a
// history entry holding full snapshots of every involved entity.
func (r *Resolver) Merge(ctx context.Context, projectID string, sourceIDs []string, targetID, note string) (*models.MergeHistory, error) {
	var hist *models.MergeHistory
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		hist, err = r.mergeTx(ctx, tx, projectID, sourceIDs, targetID, note)
		return err
	})
	metrics.RecordMergeOperation("merge", err)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Merged entities",
		zap.String("project_id", projectID),
		zap.String("target_id", targetID),
		zap.Strings("source_ids", sourceIDs),
		zap.String("history_id", hist.ID),
	)
	return hist, nil
}

func (r *Resolver) mergeTx(ctx context.Context, tx store.Tx, projectID string, sourceIDs []string, targetID, note string) (*models.MergeHistory, error) {
	if len(sourceIDs) == 0 {
		return nil, fmt.Errorf("no source entities: %w", ErrInvalidMergeTarget)
	}
	target, err := tx.GetEntity(ctx, targetID)
	if err != nil {
		return nil, entityErr(targetID, err)
	}
	sources := make([]*models.Entity, 0, len(sourceIDs))
	seen := map[string]struct{}{}
	for _, id := range sourceIDs {
		if id == targetID {
			return nil, fmt.Errorf("target %s listed as source: %w", id, ErrInvalidMergeTarget)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("source %s listed twice: %w", id, ErrInvalidMergeTarget)
		}
		seen[id] = struct{}{}
		e, err := tx.GetEntity(ctx, id)
		if err != nil {
			return nil, entityErr(id, err)
		}
		sources = append(sources, e)
	}
	for _, e := range append([]*models.Entity{target}, sources...) {
		if e.ProjectID != projectID {
			return nil, fmt.Errorf("entity %s belongs to another project: %w", e.ID, ErrInvalidMergeTarget)
		}
		if !e.Active {
			return nil, fmt.Errorf("entity %s is inactive: %w", e.ID, ErrInvalidMergeTarget)
		}
	}

	snapshots := make([]models.EntitySnapshot, 0, len(sources)+1)
	for _, e := range append([]*models.Entity{target}, sources...) {
		snap, err := snapshotEntity(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	now := r.now()
	targetAttrs := make(map[string]*models.Attribute)
	for i := range snapshots[0].Attributes {
		a := snapshots[0].Attributes[i].Clone()
		targetAttrs[a.Key+"\x00"+a.NormalizedValue] = &a
	}

	var names []string
	for i, src := range sources {
		snap := snapshots[i+1]
		for _, id := range snap.MentionIDs {
			m, err := tx.GetMention(ctx, id)
			if err != nil {
				return nil, err
			}
			m.EntityID = target.ID
			if err := tx.SaveMention(ctx, m); err != nil {
				return nil, err
			}
		}
		for _, attr := range snap.Attributes {
			if err := foldAttribute(ctx, tx, attr, target.ID, targetAttrs, now); err != nil {
				return nil, err
			}
		}

		names = append(names, src.CanonicalName)
		names = append(names, src.Aliases...)
		target.MergedFrom = append(target.MergedFrom, src.ID)
		target.Importance = maxImportance(target.Importance, src.Importance)

		src.Active = false
		src.MentionCount = 0
		src.UpdatedAt = now
		if err := tx.SaveEntity(ctx, src); err != nil {
			return nil, err
		}
	}

	mentions, err := tx.ListMentionsByEntity(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	target.Aliases = mergeAliases(target.CanonicalName, target.Aliases, names...)
	target.MentionCount = len(mentions)
	target.UpdatedAt = now
	if err := tx.SaveEntity(ctx, target); err != nil {
		return nil, err
	}

	hist := &models.MergeHistory{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		TargetID:       target.ID,
		SourceIDs:      append(models.StringList(nil), sourceIDs...),
		Snapshots:      snapshots,
		ResultSnapshot: target.Clone(),
		Note:           note,
		CreatedAt:      now,
	}
	if err := tx.SaveMergeHistory(ctx, hist); err != nil {
		return nil, err
	}
	return hist, nil
}

// foldAttribute moves attr to the target. When the target already has the
// same (key, normalized value) the evidence is copied onto that attribute and
// attr is deleted; the snapshot keeps the original for undo.
func foldAttribute(ctx context.Context, tx store.Tx, attr models.Attribute, targetID string, targetAttrs map[string]*models.Attribute, now time.Time) error {
	k := attr.Key + "\x00" + attr.NormalizedValue
	existing, collides := targetAttrs[k]
	if !collides {
		moved := attr.Clone()
		moved.EntityID = targetID
		moved.UpdatedAt = now
		if err := tx.SaveAttribute(ctx, &moved); err != nil {
			return err
		}
		targetAttrs[k] = &moved
		return nil
	}

	if err := tx.DeleteAttribute(ctx, attr.ID); err != nil {
		return err
	}
	for _, ev := range attr.Evidence {
		dup := false
		for _, have := range existing.Evidence {
			if have.SameLocation(ev) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		copied := ev
		copied.ID = uuid.NewString()
		copied.AttributeID = existing.ID
		copied.Keywords = append(models.StringList(nil), ev.Keywords...)
		if err := tx.SaveEvidence(ctx, &copied); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		existing.Evidence = append(existing.Evidence, copied)
	}
	if attr.Confidence > existing.Confidence {
		existing.Confidence = attr.Confidence
		existing.UpdatedAt = now
		return tx.SaveAttribute(ctx, existing)
	}
	return nil
}

func snapshotEntity(ctx context.Context, tx store.Reader, e *models.Entity) (models.EntitySnapshot, error) {
	mentions, err := tx.ListMentionsByEntity(ctx, e.ID)
	if err != nil {
		return models.EntitySnapshot{}, err
	}
	attrs, err := tx.ListAttributesByEntity(ctx, e.ID)
	if err != nil {
		return models.EntitySnapshot{}, err
	}
	snap := models.EntitySnapshot{Entity: e.Clone(), Attributes: attrs}
	for _, m := range mentions {
		snap.MentionIDs = append(snap.MentionIDs, m.ID)
	}
	for _, a := range attrs {
		snap.AttributeIDs = append(snap.AttributeIDs, a.ID)
	}
	return snap, nil
}

// Undo conflict kinds.
const (
	ConflictMerge         = "merge"
	ConflictMovedMentions = "moved_mentions"
)

// UndoConflict names a later change that depends on the merge being undone:
// either a later merge sharing an entity, or mentions of the merge that a
// split or reassignment has since given to TargetID.
type UndoConflict struct {
	Kind       string    `json:"kind"`
	HistoryID  string    `json:"history_id,omitempty"`
	Sequence   int64     `json:"sequence,omitempty"`
	TargetID   string    `json:"target_id"`
	SourceIDs  []string  `json:"source_ids,omitempty"`
	SharedIDs  []string  `json:"shared_entity_ids,omitempty"`
	MentionIDs []string  `json:"mention_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// UndoResult reports the outcome of Undo. Conflicts are data, not errors:
// with cascade off and dependents present, Applied is false.
type UndoResult struct {
	HistoryID string         `json:"history_id"`
	Applied   bool           `json:"applied"`
	Undone    []string       `json:"undone"`
	Conflicts []UndoConflict `json:"conflicts,omitempty"`
}

// Undo reverts a merge. Later merges that touched the target or any source
// must be undone first; with cascade they are, newest first. Mentions that
// left the merge target after the merge are reported as conflicts too; with
// cascade they stay with their current owner.
func (r *Resolver) Undo(ctx context.Context, historyID string, cascade bool) (*UndoResult, error) {
	res := &UndoResult{HistoryID: historyID}
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		h, err := tx.GetMergeHistory(ctx, historyID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("history %s: %w", historyID, ErrHistoryNotFound)
			}
			return err
		}
		if !h.CanUndo() {
			return fmt.Errorf("history %s: %w", historyID, ErrAlreadyUndone)
		}
		all, err := tx.ListMergeHistory(ctx, h.ProjectID)
		if err != nil {
			return err
		}

		res.Conflicts = dependents(h, all)
		moved, err := movedMentions(ctx, tx, h, all)
		if err != nil {
			return err
		}
		res.Conflicts = append(res.Conflicts, moved...)
		if len(res.Conflicts) > 0 && !cascade {
			return nil
		}
		undone, err := r.undoCascade(ctx, tx, h, all)
		if err != nil {
			return err
		}
		res.Undone = undone
		res.Applied = true
		return nil
	})
	metrics.RecordMergeOperation("undo", err)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		r.logger.Info("Undid merge",
			zap.String("history_id", historyID),
			zap.Strings("undone", res.Undone),
		)
	}
	return res, nil
}

// dependents lists later, still-applied merges sharing an entity with h,
// newest first.
func dependents(h *models.MergeHistory, all []models.MergeHistory) []UndoConflict {
	involved := append([]string{h.TargetID}, h.SourceIDs...)
	var out []UndoConflict
	for i := range all {
		later := &all[i]
		if later.Sequence <= h.Sequence || !later.CanUndo() {
			continue
		}
		var shared []string
		for _, id := range involved {
			if later.Involves(id) {
				shared = append(shared, id)
			}
		}
		if len(shared) == 0 {
			continue
		}
		out = append(out, UndoConflict{
			Kind:      ConflictMerge,
			HistoryID: later.ID,
			Sequence:  later.Sequence,
			TargetID:  later.TargetID,
			SourceIDs: append([]string(nil), later.SourceIDs...),
			SharedIDs: shared,
			CreatedAt: later.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out
}

// movedMentions finds snapshot mentions no longer owned by the merge target,
// grouped by current owner. Owners taking part in a later merge are covered
// by the merge conflicts and left out.
func movedMentions(ctx context.Context, tx store.Reader, h *models.MergeHistory, all []models.MergeHistory) ([]UndoConflict, error) {
	laterOwner := func(id string) bool {
		for i := range all {
			if all[i].Sequence > h.Sequence && all[i].CanUndo() && all[i].Involves(id) {
				return true
			}
		}
		return false
	}
	byOwner := make(map[string][]string)
	var owners []string
	for _, snap := range h.Snapshots {
		for _, id := range snap.MentionIDs {
			m, err := tx.GetMention(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if m.EntityID == h.TargetID || laterOwner(m.EntityID) {
				continue
			}
			if _, ok := byOwner[m.EntityID]; !ok {
				owners = append(owners, m.EntityID)
			}
			byOwner[m.EntityID] = append(byOwner[m.EntityID], m.ID)
		}
	}
	sort.Strings(owners)
	out := make([]UndoConflict, 0, len(owners))
	for _, owner := range owners {
		out = append(out, UndoConflict{Kind: ConflictMovedMentions, TargetID: owner, MentionIDs: byOwner[owner]})
	}
	return out, nil
}

func (r *Resolver) undoCascade(ctx context.Context, tx store.Tx, h *models.MergeHistory, all []models.MergeHistory) ([]string, error) {
	var undone []string
	for _, dep := range dependents(h, all) {
		var later *models.MergeHistory
		for i := range all {
			if all[i].ID == dep.HistoryID {
				later = &all[i]
				break
			}
		}
		if later == nil || !later.CanUndo() {
			continue
		}
		ids, err := r.undoCascade(ctx, tx, later, all)
		if err != nil {
			return nil, err
		}
		undone = append(undone, ids...)
	}
	if err := r.restore(ctx, tx, h); err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == h.ID {
			all[i].UndoneAt = h.UndoneAt
		}
	}
	return append(undone, h.ID), nil
}

// restore puts every snapshot back: entity rows, mention ownership and the
// snapshot attributes with their evidence. Records created after the merge
// stay where they are, and so do mentions the target no longer owns.
func (r *Resolver) restore(ctx context.Context, tx store.Tx, h *models.MergeHistory) error {
	now := r.now()
	recount := make(map[string]struct{})
	for _, snap := range h.Snapshots {
		for _, id := range snap.AttributeIDs {
			if err := tx.DeleteAttribute(ctx, id); err != nil {
				return err
			}
		}
	}
	for _, snap := range h.Snapshots {
		for _, id := range snap.MentionIDs {
			m, err := tx.GetMention(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if m.EntityID == snap.Entity.ID {
				continue
			}
			if m.EntityID != h.TargetID {
				r.logger.Debug("Mention moved after merge; keeping current owner",
					zap.String("mention_id", m.ID),
					zap.String("owner_id", m.EntityID),
				)
				continue
			}
			recount[m.EntityID] = struct{}{}
			m.EntityID = snap.Entity.ID
			if err := tx.SaveMention(ctx, m); err != nil {
				return err
			}
		}
		for _, attr := range snap.Attributes {
			row := attr.Clone()
			if err := tx.SaveAttribute(ctx, &row); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					r.logger.Warn("Attribute collides on restore; keeping newer row",
						zap.String("attribute_id", row.ID),
						zap.String("entity_id", row.EntityID),
					)
					continue
				}
				return err
			}
			for _, ev := range row.Evidence {
				ev := ev
				if err := tx.SaveEvidence(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicate) {
					return err
				}
			}
		}
	}
	for _, snap := range h.Snapshots {
		delete(recount, snap.Entity.ID)
		e := snap.Entity.Clone()
		mentions, err := tx.ListMentionsByEntity(ctx, e.ID)
		if err != nil {
			return err
		}
		e.MentionCount = len(mentions)
		e.UpdatedAt = now
		if err := tx.SaveEntity(ctx, &e); err != nil {
			return err
		}
	}
	for id := range recount {
		e, err := tx.GetEntity(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		mentions, err := tx.ListMentionsByEntity(ctx, id)
		if err != nil {
			return err
		}
		e.MentionCount = len(mentions)
		e.UpdatedAt = now
		if err := tx.SaveEntity(ctx, e); err != nil {
			return err
		}
	}
	h.UndoneAt = &now
	return tx.SaveMergeHistory(ctx, h)
}

package entities

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

// SplitPart describes one new entity carved out of an existing one.
type SplitPart struct {
	Name       string            `json:"name"`
	Type       models.EntityType `json:"type"`
	MentionIDs []string          `json:"mention_ids"`
}

// Split moves the listed mentions of entityID into new entities. Attributes
// stay with the original entity.
func (r *Resolver) Split(ctx context.Context, entityID string, parts []SplitPart) ([]models.Entity, error) {
	var created []models.Entity
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		orig, err := tx.GetEntity(ctx, entityID)
		if err != nil {
			return entityErr(entityID, err)
		}
		if !orig.Active {
			return fmt.Errorf("entity %s is inactive: %w", entityID, ErrInvalidSplit)
		}
		if len(parts) == 0 {
			return fmt.Errorf("no parts: %w", ErrInvalidSplit)
		}

		claimed := make(map[string]struct{})
		now := r.now()
		for _, part := range parts {
			name := strings.TrimSpace(part.Name)
			if name == "" || len(part.MentionIDs) == 0 {
				return fmt.Errorf("part needs a name and at least one mention: %w", ErrInvalidSplit)
			}
			e := models.Entity{
				ID:            uuid.NewString(),
				ProjectID:     orig.ProjectID,
				CanonicalName: name,
				Type:          part.Type,
				Importance:    models.ImportanceMentioned,
				Active:        true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if e.Type == "" {
				e.Type = orig.Type
			}
			for _, mid := range part.MentionIDs {
				if _, dup := claimed[mid]; dup {
					return fmt.Errorf("mention %s claimed twice: %w", mid, ErrInvalidSplit)
				}
				claimed[mid] = struct{}{}
				m, err := tx.GetMention(ctx, mid)
				if err != nil || m.EntityID != entityID {
					return fmt.Errorf("mention %s of entity %s: %w", mid, entityID, ErrMentionNotFound)
				}
				m.EntityID = e.ID
				if err := tx.SaveMention(ctx, m); err != nil {
					return err
				}
				if !strings.EqualFold(m.SurfaceForm, name) {
					e.Aliases = mergeAliases(name, e.Aliases, m.SurfaceForm)
				}
			}
			e.MentionCount = len(part.MentionIDs)
			e.Importance = importanceFor(e.MentionCount)
			if err := tx.SaveEntity(ctx, &e); err != nil {
				return err
			}
			created = append(created, e)
		}

		remaining, err := tx.ListMentionsByEntity(ctx, entityID)
		if err != nil {
			return err
		}
		orig.MentionCount = len(remaining)
		orig.UpdatedAt = now
		return tx.SaveEntity(ctx, orig)
	})
	metrics.RecordMergeOperation("split", err)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Split entity", zap.String("entity_id", entityID), zap.Int("parts", len(created)))
	return created, nil
}

// ReassignMention moves one mention to another active entity of the same project.
func (r *Resolver) ReassignMention(ctx context.Context, mentionID, targetEntityID string) (*models.Mention, error) {
	var out *models.Mention
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMention(ctx, mentionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("mention %s: %w", mentionID, ErrMentionNotFound)
			}
			return err
		}
		target, err := tx.GetEntity(ctx, targetEntityID)
		if err != nil {
			return entityErr(targetEntityID, err)
		}
		if target.ProjectID != m.ProjectID || !target.Active {
			return fmt.Errorf("entity %s cannot own mention %s: %w", targetEntityID, mentionID, ErrInvalidMergeTarget)
		}
		if m.EntityID == target.ID {
			out = m
			return nil
		}

		now := r.now()
		if prev, err := tx.GetEntity(ctx, m.EntityID); err == nil {
			if prev.MentionCount > 0 {
				prev.MentionCount--
			}
			prev.UpdatedAt = now
			if err := tx.SaveEntity(ctx, prev); err != nil {
				return err
			}
		}
		m.EntityID = target.ID
		if err := tx.SaveMention(ctx, m); err != nil {
			return err
		}
		target.MentionCount++
		target.UpdatedAt = now
		if err := tx.SaveEntity(ctx, target); err != nil {
			return err
		}
		out = m
		return nil
	})
	metrics.RecordMergeOperation("reassign", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddAlias adds alias to the entity unless it is already a name of it.
func (r *Resolver) AddAlias(ctx context.Context, entityID, alias string) (*models.Entity, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, fmt.Errorf("empty alias: %w", ErrInvalidAlias)
	}
	return r.updateEntity(ctx, entityID, "add_alias", func(e *models.Entity) error {
		e.Aliases = mergeAliases(e.CanonicalName, e.Aliases, alias)
		return nil
	})
}

// RemoveAlias drops alias (case-insensitive). The canonical name cannot be removed.
func (r *Resolver) RemoveAlias(ctx context.Context, entityID, alias string) (*models.Entity, error) {
	alias = strings.TrimSpace(alias)
	return r.updateEntity(ctx, entityID, "remove_alias", func(e *models.Entity) error {
		if strings.EqualFold(alias, e.CanonicalName) {
			return fmt.Errorf("cannot remove canonical name: %w", ErrInvalidAlias)
		}
		kept := e.Aliases[:0]
		found := false
		for _, a := range e.Aliases {
			if strings.EqualFold(a, alias) {
				found = true
				continue
			}
			kept = append(kept, a)
		}
		if !found {
			return fmt.Errorf("alias %q not on entity: %w", alias, ErrInvalidAlias)
		}
		e.Aliases = kept
		return nil
	})
}

func (r *Resolver) updateEntity(ctx context.Context, entityID, op string, fn func(e *models.Entity) error) (*models.Entity, error) {
	var out *models.Entity
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetEntity(ctx, entityID)
		if err != nil {
			return entityErr(entityID, err)
		}
		if err := fn(e); err != nil {
			return err
		}
		e.UpdatedAt = r.now()
		if err := tx.SaveEntity(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	metrics.RecordMergeOperation(op, err)
	return out, err
}

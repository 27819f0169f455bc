package db

import (
	"context"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

func readOne[T any](ctx context.Context, s *Store, fn func(t *sqlTx) (T, error)) (T, error) {
	var out T
	err := s.read(ctx, func(t *sqlTx) error {
		var err error
		out, err = fn(t)
		return err
	})
	return out, err
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.Project, error) { return t.GetProject(ctx, id) })
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.Entity, error) { return t.GetEntity(ctx, id) })
}

func (s *Store) ListEntities(ctx context.Context, projectID string, includeInactive bool) ([]models.Entity, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.Entity, error) { return t.ListEntities(ctx, projectID, includeInactive) })
}

func (s *Store) GetMention(ctx context.Context, id string) (*models.Mention, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.Mention, error) { return t.GetMention(ctx, id) })
}

func (s *Store) ListMentions(ctx context.Context, projectID string) ([]models.Mention, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.Mention, error) { return t.ListMentions(ctx, projectID) })
}

func (s *Store) ListMentionsByEntity(ctx context.Context, entityID string) ([]models.Mention, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.Mention, error) { return t.ListMentionsByEntity(ctx, entityID) })
}

func (s *Store) GetAttribute(ctx context.Context, id string) (*models.Attribute, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.Attribute, error) { return t.GetAttribute(ctx, id) })
}

func (s *Store) ListAttributes(ctx context.Context, projectID string) ([]models.Attribute, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.Attribute, error) { return t.ListAttributes(ctx, projectID) })
}

func (s *Store) ListAttributesByEntity(ctx context.Context, entityID string) ([]models.Attribute, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.Attribute, error) { return t.ListAttributesByEntity(ctx, entityID) })
}

func (s *Store) GetMergeHistory(ctx context.Context, id string) (*models.MergeHistory, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.MergeHistory, error) { return t.GetMergeHistory(ctx, id) })
}

func (s *Store) ListMergeHistory(ctx context.Context, projectID string) ([]models.MergeHistory, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.MergeHistory, error) { return t.ListMergeHistory(ctx, projectID) })
}

func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.Alert, error) { return t.GetAlert(ctx, id) })
}

func (s *Store) FindAlertByHash(ctx context.Context, projectID, contentHash string) (*models.Alert, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.Alert, error) { return t.FindAlertByHash(ctx, projectID, contentHash) })
}

func (s *Store) ListAlerts(ctx context.Context, projectID string) ([]models.Alert, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.Alert, error) { return t.ListAlerts(ctx, projectID) })
}

func (s *Store) ListAlertTransitions(ctx context.Context, alertID string) ([]models.AlertTransition, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.AlertTransition, error) { return t.ListAlertTransitions(ctx, alertID) })
}

func (s *Store) GetProgress(ctx context.Context, projectID string) (*models.AnalysisProgress, error) {
	return readOne(ctx, s, func(t *sqlTx) (*models.AnalysisProgress, error) { return t.GetProgress(ctx, projectID) })
}

func (s *Store) ListProgress(ctx context.Context) ([]models.AnalysisProgress, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.AnalysisProgress, error) { return t.ListProgress(ctx) })
}

func (s *Store) ListHeavyQueue(ctx context.Context) ([]models.HeavyQueueEntry, error) {
	return readOne(ctx, s, func(t *sqlTx) ([]models.HeavyQueueEntry, error) { return t.ListHeavyQueue(ctx) })
}

func (s *Store) SaveProject(ctx context.Context, p *models.Project) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveProject(ctx, p) })
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.DeleteProject(ctx, id) })
}

func (s *Store) SaveEntity(ctx context.Context, e *models.Entity) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveEntity(ctx, e) })
}

func (s *Store) SaveMention(ctx context.Context, m *models.Mention) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveMention(ctx, m) })
}

func (s *Store) SaveAttribute(ctx context.Context, a *models.Attribute) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveAttribute(ctx, a) })
}

func (s *Store) DeleteAttribute(ctx context.Context, id string) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.DeleteAttribute(ctx, id) })
}

func (s *Store) SaveEvidence(ctx context.Context, e *models.Evidence) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveEvidence(ctx, e) })
}

func (s *Store) SaveMergeHistory(ctx context.Context, h *models.MergeHistory) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveMergeHistory(ctx, h) })
}

func (s *Store) SaveAlert(ctx context.Context, a *models.Alert) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveAlert(ctx, a) })
}

func (s *Store) AppendAlertTransition(ctx context.Context, tr *models.AlertTransition) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.AppendAlertTransition(ctx, tr) })
}

func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.DeleteAlert(ctx, id) })
}

func (s *Store) SaveProgress(ctx context.Context, p *models.AnalysisProgress) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.SaveProgress(ctx, p) })
}

func (s *Store) EnqueueHeavy(ctx context.Context, e *models.HeavyQueueEntry) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.EnqueueHeavy(ctx, e) })
}

func (s *Store) RemoveHeavy(ctx context.Context, projectID string) error {
	return s.withTx(ctx, func(t *sqlTx) error { return t.RemoveHeavy(ctx, projectID) })
}

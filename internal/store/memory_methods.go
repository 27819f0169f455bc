package store

import (
	"context"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

var _ Store = (*Memory)(nil)

func readOne[T any](m *Memory, fn func(t *memTx) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.st})
}

func (m *Memory) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return readOne(m, func(t *memTx) (*models.Project, error) { return t.GetProject(ctx, id) })
}

func (m *Memory) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return readOne(m, func(t *memTx) (*models.Entity, error) { return t.GetEntity(ctx, id) })
}

func (m *Memory) ListEntities(ctx context.Context, projectID string, includeInactive bool) ([]models.Entity, error) {
	return readOne(m, func(t *memTx) ([]models.Entity, error) { return t.ListEntities(ctx, projectID, includeInactive) })
}

func (m *Memory) GetMention(ctx context.Context, id string) (*models.Mention, error) {
	return readOne(m, func(t *memTx) (*models.Mention, error) { return t.GetMention(ctx, id) })
}

func (m *Memory) ListMentions(ctx context.Context, projectID string) ([]models.Mention, error) {
	return readOne(m, func(t *memTx) ([]models.Mention, error) { return t.ListMentions(ctx, projectID) })
}

func (m *Memory) ListMentionsByEntity(ctx context.Context, entityID string) ([]models.Mention, error) {
	return readOne(m, func(t *memTx) ([]models.Mention, error) { return t.ListMentionsByEntity(ctx, entityID) })
}

func (m *Memory) GetAttribute(ctx context.Context, id string) (*models.Attribute, error) {
	return readOne(m, func(t *memTx) (*models.Attribute, error) { return t.GetAttribute(ctx, id) })
}

func (m *Memory) ListAttributes(ctx context.Context, projectID string) ([]models.Attribute, error) {
	return readOne(m, func(t *memTx) ([]models.Attribute, error) { return t.ListAttributes(ctx, projectID) })
}

func (m *Memory) ListAttributesByEntity(ctx context.Context, entityID string) ([]models.Attribute, error) {
	return readOne(m, func(t *memTx) ([]models.Attribute, error) { return t.ListAttributesByEntity(ctx, entityID) })
}

func (m *Memory) GetMergeHistory(ctx context.Context, id string) (*models.MergeHistory, error) {
	return readOne(m, func(t *memTx) (*models.MergeHistory, error) { return t.GetMergeHistory(ctx, id) })
}

func (m *Memory) ListMergeHistory(ctx context.Context, projectID string) ([]models.MergeHistory, error) {
	return readOne(m, func(t *memTx) ([]models.MergeHistory, error) { return t.ListMergeHistory(ctx, projectID) })
}

func (m *Memory) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return readOne(m, func(t *memTx) (*models.Alert, error) { return t.GetAlert(ctx, id) })
}

func (m *Memory) FindAlertByHash(ctx context.Context, projectID, contentHash string) (*models.Alert, error) {
	return readOne(m, func(t *memTx) (*models.Alert, error) { return t.FindAlertByHash(ctx, projectID, contentHash) })
}

func (m *Memory) ListAlerts(ctx context.Context, projectID string) ([]models.Alert, error) {
	return readOne(m, func(t *memTx) ([]models.Alert, error) { return t.ListAlerts(ctx, projectID) })
}

func (m *Memory) ListAlertTransitions(ctx context.Context, alertID string) ([]models.AlertTransition, error) {
	return readOne(m, func(t *memTx) ([]models.AlertTransition, error) { return t.ListAlertTransitions(ctx, alertID) })
}

func (m *Memory) GetProgress(ctx context.Context, projectID string) (*models.AnalysisProgress, error) {
	return readOne(m, func(t *memTx) (*models.AnalysisProgress, error) { return t.GetProgress(ctx, projectID) })
}

func (m *Memory) ListProgress(ctx context.Context) ([]models.AnalysisProgress, error) {
	return readOne(m, func(t *memTx) ([]models.AnalysisProgress, error) { return t.ListProgress(ctx) })
}

func (m *Memory) ListHeavyQueue(ctx context.Context) ([]models.HeavyQueueEntry, error) {
	return readOne(m, func(t *memTx) ([]models.HeavyQueueEntry, error) { return t.ListHeavyQueue(ctx) })
}

func (m *Memory) SaveProject(ctx context.Context, p *models.Project) error {
	return m.write(func(t *memTx) error { return t.SaveProject(ctx, p) })
}

func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	return m.write(func(t *memTx) error { return t.DeleteProject(ctx, id) })
}

func (m *Memory) SaveEntity(ctx context.Context, e *models.Entity) error {
	return m.write(func(t *memTx) error { return t.SaveEntity(ctx, e) })
}

func (m *Memory) SaveMention(ctx context.Context, mn *models.Mention) error {
	return m.write(func(t *memTx) error { return t.SaveMention(ctx, mn) })
}

func (m *Memory) SaveAttribute(ctx context.Context, a *models.Attribute) error {
	return m.write(func(t *memTx) error { return t.SaveAttribute(ctx, a) })
}

func (m *Memory) DeleteAttribute(ctx context.Context, id string) error {
	return m.write(func(t *memTx) error { return t.DeleteAttribute(ctx, id) })
}

func (m *Memory) SaveEvidence(ctx context.Context, e *models.Evidence) error {
	return m.write(func(t *memTx) error { return t.SaveEvidence(ctx, e) })
}

func (m *Memory) SaveMergeHistory(ctx context.Context, h *models.MergeHistory) error {
	return m.write(func(t *memTx) error { return t.SaveMergeHistory(ctx, h) })
}

func (m *Memory) SaveAlert(ctx context.Context, a *models.Alert) error {
	return m.write(func(t *memTx) error { return t.SaveAlert(ctx, a) })
}

func (m *Memory) AppendAlertTransition(ctx context.Context, tr *models.AlertTransition) error {
	return m.write(func(t *memTx) error { return t.AppendAlertTransition(ctx, tr) })
}

func (m *Memory) DeleteAlert(ctx context.Context, id string) error {
	return m.write(func(t *memTx) error { return t.DeleteAlert(ctx, id) })
}

func (m *Memory) SaveProgress(ctx context.Context, p *models.AnalysisProgress) error {
	return m.write(func(t *memTx) error { return t.SaveProgress(ctx, p) })
}

func (m *Memory) EnqueueHeavy(ctx context.Context, e *models.HeavyQueueEntry) error {
	return m.write(func(t *memTx) error { return t.EnqueueHeavy(ctx, e) })
}

func (m *Memory) RemoveHeavy(ctx context.Context, projectID string) error {
	return m.write(func(t *memTx) error { return t.RemoveHeavy(ctx, projectID) })
}

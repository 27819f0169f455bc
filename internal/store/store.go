// Package store defines the persistence contract of the consistency engine.
// Every record is keyed by project id. Implementations: the in-memory Memory
// store here and the SQL store in internal/db.
package store

import (
	"context"
	"errors"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// Reader is the read side. List calls return snapshots; mutating them has no
// effect on the store.
type Reader interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)

	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, projectID string, includeInactive bool) ([]models.Entity, error)

	GetMention(ctx context.Context, id string) (*models.Mention, error)
	ListMentions(ctx context.Context, projectID string) ([]models.Mention, error)
	ListMentionsByEntity(ctx context.Context, entityID string) ([]models.Mention, error)

	// Attribute reads include evidence.
	GetAttribute(ctx context.Context, id string) (*models.Attribute, error)
	ListAttributes(ctx context.Context, projectID string) ([]models.Attribute, error)
	ListAttributesByEntity(ctx context.Context, entityID string) ([]models.Attribute, error)

	GetMergeHistory(ctx context.Context, id string) (*models.MergeHistory, error)
	// ListMergeHistory returns entries in ascending Sequence order.
	ListMergeHistory(ctx context.Context, projectID string) ([]models.MergeHistory, error)

	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	FindAlertByHash(ctx context.Context, projectID, contentHash string) (*models.Alert, error)
	ListAlerts(ctx context.Context, projectID string) ([]models.Alert, error)
	// ListAlertTransitions returns the history oldest first.
	ListAlertTransitions(ctx context.Context, alertID string) ([]models.AlertTransition, error)

	GetProgress(ctx context.Context, projectID string) (*models.AnalysisProgress, error)
	ListProgress(ctx context.Context) ([]models.AnalysisProgress, error)
	// ListHeavyQueue returns entries in FIFO order.
	ListHeavyQueue(ctx context.Context) ([]models.HeavyQueueEntry, error)
}

// Writer is the write side. Save calls are upserts keyed by id.
type Writer interface {
	SaveProject(ctx context.Context, p *models.Project) error
	// DeleteProject removes the project and every record it owns.
	DeleteProject(ctx context.Context, id string) error

	SaveEntity(ctx context.Context, e *models.Entity) error
	SaveMention(ctx context.Context, m *models.Mention) error
	// SaveAttribute writes the attribute row only; evidence goes through SaveEvidence.
	SaveAttribute(ctx context.Context, a *models.Attribute) error
	DeleteAttribute(ctx context.Context, id string) error
	SaveEvidence(ctx context.Context, e *models.Evidence) error

	// SaveMergeHistory assigns Sequence on first insert.
	SaveMergeHistory(ctx context.Context, h *models.MergeHistory) error

	SaveAlert(ctx context.Context, a *models.Alert) error
	AppendAlertTransition(ctx context.Context, t *models.AlertTransition) error
	DeleteAlert(ctx context.Context, id string) error

	SaveProgress(ctx context.Context, p *models.AnalysisProgress) error
	EnqueueHeavy(ctx context.Context, e *models.HeavyQueueEntry) error
	RemoveHeavy(ctx context.Context, projectID string) error
}

// Tx is a unit of work. Writes become visible only when the enclosing
// WithTx returns nil.
type Tx interface {
	Reader
	Writer
}

// Store is a transactional store. Calls made directly on the Store run in
// their own implicit transaction.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

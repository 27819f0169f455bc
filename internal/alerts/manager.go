// Package alerts owns the reviewable record of every detected issue and its
// status history.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
)

// Typed errors for HTTP status mapping
var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrInvalidAlert      = errors.New("invalid alert")
)

// Actor recorded on transitions the engine makes on its own.
const SystemActor = "system"

// RedetectedNote is the history note of the system reopen edge.
const RedetectedNote = "detected again"

var knownCategories = map[string]struct{}{
	models.CategoryConsistency: {},
	models.CategoryStyle:       {},
	models.CategoryBehavioral:  {},
	models.CategoryStructural:  {},
	models.CategoryEntity:      {},
	models.CategoryOrthography: {},
	models.CategoryGrammar:     {},
	models.CategoryTimeline:    {},
	models.CategoryOther:       {},
}

// CreateRequest is everything a detector supplies for a new alert.
type CreateRequest struct {
	ProjectID   string                 `json:"project_id"`
	Category    string                 `json:"category"`
	Severity    models.Severity        `json:"severity"`
	AlertType   string                 `json:"alert_type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Explanation string                 `json:"explanation"`
	Suggestion  string                 `json:"suggestion,omitempty"`
	EntityIDs   []string               `json:"entity_ids,omitempty"`
	ChapterID   string                 `json:"chapter_id,omitempty"`
	StartChar   *int                   `json:"start_char,omitempty"`
	EndChar     *int                   `json:"end_char,omitempty"`
	Excerpt     string                 `json:"excerpt,omitempty"`
	Confidence  float64                `json:"confidence"`
	Source      string                 `json:"source"`
	ContentHash string                 `json:"content_hash,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// BulkResult reports a bulk operation alert by alert.
type BulkResult struct {
	Resolved []string          `json:"resolved"`
	Skipped  []string          `json:"skipped"`
	Failed   map[string]string `json:"failed"`
}

// Manager implements the alert lifecycle on a transactional store.
type Manager struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates an alert manager.
func NewManager(st store.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, logger: logger, now: time.Now}
}

// Hash returns the default content hash of a request: project, type, sorted
// entity ids, chapter, span and title.
func Hash(req *CreateRequest) string {
	ids := append([]string(nil), req.EntityIDs...)
	sort.Strings(ids)
	parts := []string{req.ProjectID, req.AlertType, strings.Join(ids, ","), req.ChapterID}
	if req.StartChar != nil {
		parts = append(parts, strconv.Itoa(*req.StartChar))
	}
	parts = append(parts, strings.ToLower(strings.TrimSpace(req.Title)))
	return ContentHash(parts...)
}

// ContentHash joins parts and returns the first 32 hex digits of their sha256.
func ContentHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])[:32]
}

func (m *Manager) validate(req *CreateRequest) error {
	if req.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidAlert)
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidAlert)
	}
	if req.Category == "" {
		req.Category = models.CategoryOther
	}
	if _, ok := knownCategories[req.Category]; !ok {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidAlert, req.Category)
	}
	if req.Severity == "" {
		req.Severity = models.SeverityWarning
	}
	if req.Severity.Rank() > models.SeverityHint.Rank() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidAlert, req.Severity)
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidAlert, req.Confidence)
	}
	if req.StartChar != nil && req.EndChar != nil && *req.EndChar < *req.StartChar {
		return fmt.Errorf("%w: end before start", ErrInvalidAlert)
	}
	if req.ContentHash == "" {
		req.ContentHash = Hash(req)
	}
	return nil
}

// Create stores a new alert with status new and its first history row.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Alert, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}
	var out *models.Alert
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := m.insert(ctx, tx, &req)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.AlertsCreated.WithLabelValues(out.Category, string(out.Severity)).Inc()
	return out, nil
}

// CreateIfAbsent creates the alert unless one with the same content hash
// already exists in the project. Resolved and dismissed alerts keep their
// status; an auto_resolved alert is moved back to open by the system since
// its cause is present again. The bool reports creation.
func (m *Manager) CreateIfAbsent(ctx context.Context, req CreateRequest) (*models.Alert, bool, error) {
	if err := m.validate(&req); err != nil {
		return nil, false, err
	}
	var (
		out      *models.Alert
		created  bool
		reopened bool
	)
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		existing, err := tx.FindAlertByHash(ctx, req.ProjectID, req.ContentHash)
		if err == nil {
			out = existing
			if existing.Status != models.AlertAutoResolved {
				return nil
			}
			reopened = true
			return m.apply(ctx, tx, existing, models.AlertOpen, RedetectedNote, SystemActor)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		out, err = m.insert(ctx, tx, &req)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	switch {
	case created:
		metrics.AlertsCreated.WithLabelValues(out.Category, string(out.Severity)).Inc()
	case reopened:
		metrics.RecordAlertTransition(string(models.AlertAutoResolved), string(models.AlertOpen))
		m.logger.Info("Alert detected again after auto-resolve",
			zap.String("project_id", out.ProjectID),
			zap.String("alert_id", out.ID),
		)
	}
	return out, created, nil
}

func (m *Manager) insert(ctx context.Context, tx store.Tx, req *CreateRequest) (*models.Alert, error) {
	if _, err := tx.GetProject(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	now := m.now()
	a := &models.Alert{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		Category:    req.Category,
		Severity:    req.Severity,
		Status:      models.AlertNew,
		AlertType:   req.AlertType,
		Title:       req.Title,
		Description: req.Description,
		Explanation: req.Explanation,
		Suggestion:  req.Suggestion,
		EntityIDs:   append(models.StringList(nil), req.EntityIDs...),
		ChapterID:   req.ChapterID,
		StartChar:   req.StartChar,
		EndChar:     req.EndChar,
		Excerpt:     truncate(req.Excerpt, models.MaxExcerptLength),
		Confidence:  req.Confidence,
		Source:      req.Source,
		ContentHash: req.ContentHash,
		Extra:       models.JSONB(req.Extra),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	tr := &models.AlertTransition{
		ID:        uuid.New().String(),
		AlertID:   a.ID,
		ProjectID: a.ProjectID,
		ToStatus:  models.AlertNew,
		Note:      "created",
		Actor:     SystemActor,
		CreatedAt: now,
	}
	if err := tx.AppendAlertTransition(ctx, tr); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (*models.Alert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, alertErr(id, err)
	}
	return a, nil
}

// History returns the transitions of an alert, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]models.AlertTransition, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListAlertTransitions(ctx, id)
}

// Filter returns one page of the project's alerts matching f.
func (m *Manager) Filter(ctx context.Context, projectID string, f Filter) (Page, error) {
	all, err := m.store.ListAlerts(ctx, projectID)
	if err != nil {
		return Page{}, err
	}
	return Apply(all, f), nil
}

// Transition moves an alert to status to and appends the history row in the
// same transaction.
func (m *Manager) Transition(ctx context.Context, id string, to models.AlertStatus, note, actor string) (*models.Alert, error) {
	if !ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if actor == "" {
		actor = SystemActor
	}
	var (
		out  *models.Alert
		from models.AlertStatus
	)
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAlert(ctx, id)
		if err != nil {
			return alertErr(id, err)
		}
		from = a.Status
		if err := m.apply(ctx, tx, a, to, note, actor); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordAlertTransition(string(from), string(to))
	m.logger.Debug("Alert transition",
		zap.String("alert_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return out, nil
}

// apply moves a to status to inside tx and appends the history row.
func (m *Manager) apply(ctx context.Context, tx store.Tx, a *models.Alert, to models.AlertStatus, note, actor string) error {
	from := a.Status
	if !CanTransitionAs(from, to, actor) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	now := m.now()
	a.Status = to
	a.UpdatedAt = now
	switch {
	case to.Closed():
		a.ResolvedAt = &now
		a.ResolutionNote = note
	case IsReopen(from, to), IsRedetect(from, to):
		a.ResolvedAt = nil
		a.ResolutionNote = ""
	}
	if err := tx.SaveAlert(ctx, a); err != nil {
		return err
	}
	return tx.AppendAlertTransition(ctx, &models.AlertTransition{
		ID:         uuid.New().String(),
		AlertID:    a.ID,
		ProjectID:  a.ProjectID,
		FromStatus: from,
		ToStatus:   to,
		Note:       note,
		Actor:      actor,
		CreatedAt:  now,
	})
}

// Resolve marks an alert fixed by the editor.
func (m *Manager) Resolve(ctx context.Context, id, note, actor string) (*models.Alert, error) {
	return m.Transition(ctx, id, models.AlertResolved, note, actor)
}

// Dismiss marks an alert as not an issue.
func (m *Manager) Dismiss(ctx context.Context, id, note, actor string) (*models.Alert, error) {
	return m.Transition(ctx, id, models.AlertDismissed, note, actor)
}

// Reopen moves a resolved or dismissed alert back to open.
func (m *Manager) Reopen(ctx context.Context, id, note, actor string) (*models.Alert, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !IsReopen(a.Status, models.AlertOpen) {
		return nil, fmt.Errorf("%w: cannot reopen %s alert", ErrInvalidTransition, a.Status)
	}
	return m.Transition(ctx, id, models.AlertOpen, note, actor)
}

// Acknowledge records that the editor has seen the alert.
func (m *Manager) Acknowledge(ctx context.Context, id, note, actor string) (*models.Alert, error) {
	return m.Transition(ctx, id, models.AlertAcknowledged, note, actor)
}

// Open moves a new alert into the review queue.
func (m *Manager) Open(ctx context.Context, id, note, actor string) (*models.Alert, error) {
	return m.Transition(ctx, id, models.AlertOpen, note, actor)
}

// StartProgress marks an alert as being worked on.
func (m *Manager) StartProgress(ctx context.Context, id, note, actor string) (*models.Alert, error) {
	return m.Transition(ctx, id, models.AlertInProgress, note, actor)
}

// AutoResolve closes an alert whose cause disappeared from the text.
func (m *Manager) AutoResolve(ctx context.Context, id, note string) (*models.Alert, error) {
	return m.Transition(ctx, id, models.AlertAutoResolved, note, SystemActor)
}

// ResolveAll resolves every alert of the project matching f. Each alert is
// its own transaction: closed alerts are skipped, and a failure is reported
// without stopping the others. Pagination fields of f are ignored.
func (m *Manager) ResolveAll(ctx context.Context, projectID string, f Filter, note, actor string) (*BulkResult, error) {
	all, err := m.store.ListAlerts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	f.Limit, f.Offset = 0, 0
	page := Apply(all, f)

	res := &BulkResult{Resolved: []string{}, Skipped: []string{}, Failed: map[string]string{}}
	for _, a := range page.Alerts {
		if err := ctx.Err(); err != nil {
			res.Failed[a.ID] = err.Error()
			continue
		}
		if a.Status.Closed() {
			res.Skipped = append(res.Skipped, a.ID)
			continue
		}
		if _, err := m.Resolve(ctx, a.ID, note, actor); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				res.Skipped = append(res.Skipped, a.ID)
				continue
			}
			res.Failed[a.ID] = err.Error()
			m.logger.Warn("Bulk resolve failed for alert",
				zap.String("project_id", projectID),
				zap.String("alert_id", a.ID),
				zap.Error(err),
			)
			continue
		}
		res.Resolved = append(res.Resolved, a.ID)
	}
	m.logger.Info("Bulk resolve finished",
		zap.String("project_id", projectID),
		zap.Int("resolved", len(res.Resolved)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// Purge deletes closed alerts, and their history, last updated before
// cutoff. It only runs when a user asks for it.
func (m *Manager) Purge(ctx context.Context, projectID string, cutoff time.Time) (int, error) {
	purged := 0
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		all, err := tx.ListAlerts(ctx, projectID)
		if err != nil {
			return err
		}
		for _, a := range all {
			if !a.Status.Closed() || !a.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := tx.DeleteAlert(ctx, a.ID); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("Alerts purged",
		zap.String("project_id", projectID),
		zap.Time("cutoff", cutoff),
		zap.Int("purged", purged),
	)
	return purged, nil
}

func alertErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

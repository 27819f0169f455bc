package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

// dbError marks a failure of the database itself, as opposed to a missing
// row or a constraint the caller can act on. Only these trip the breaker.
type dbError struct {
	op  string
	err error
}

func (e *dbError) Error() string { return e.op + ": " + e.err.Error() }
func (e *dbError) Unwrap() error { return e.err }

func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, store.ErrDuplicate)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}
	return &dbError{op: op, err: err}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

var (
	projectCols    = []string{"id", "name", "analysis_status", "created_at", "updated_at"}
	entityCols     = []string{"id", "project_id", "canonical_name", "aliases", "entity_type", "importance", "active", "mention_count", "merged_from", "created_at", "updated_at"}
	mentionCols    = []string{"id", "project_id", "entity_id", "surface_form", "start_char", "end_char", "chapter_id", "source_signal", "confidence", "created_at"}
	attributeCols  = []string{"id", "project_id", "entity_id", "category", "attr_key", "value", "normalized_value", "confidence", "created_at", "updated_at"}
	evidenceCols   = []string{"id", "attribute_id", "project_id", "chapter_id", "start_char", "end_char", "excerpt", "method", "keywords", "confidence", "created_at"}
	historyCols    = []string{"id", "project_id", "seq", "target_id", "source_ids", "snapshots", "result", "note", "created_at", "undone_at"}
	alertCols      = []string{"id", "project_id", "category", "severity", "status", "alert_type", "title", "description", "explanation", "suggestion", "entity_ids", "chapter_id", "start_char", "end_char", "excerpt", "confidence", "source", "content_hash", "extra", "created_at", "updated_at", "resolved_at", "resolution_note"}
	transitionCols = []string{"id", "alert_id", "project_id", "from_status", "to_status", "note", "actor", "created_at"}
	progressCols   = []string{"project_id", "status", "mode", "current_phase", "percent", "metrics", "phases_completed", "error", "cancel_reason", "degraded", "affected_chapters", "needs_resubmit", "started_at", "updated_at", "finished_at"}
	queueCols      = []string{"project_id", "mode", "completed_phases", "candidate_pairs", "ordinal", "enqueued_at"}

	upsertProject   = upsertSQL("projects", "id", projectCols, "created_at")
	upsertEntity    = upsertSQL("entities", "id", entityCols, "project_id", "created_at")
	upsertMention   = upsertSQL("mentions", "id", mentionCols, "project_id", "created_at")
	upsertAttribute = upsertSQL("attributes", "id", attributeCols, "project_id", "created_at")
	upsertEvidence  = upsertSQL("evidences", "id", evidenceCols, "project_id", "created_at")
	upsertHistory   = upsertSQL("merge_history", "id", historyCols, "project_id", "seq", "created_at")
	upsertAlert     = upsertSQL("alerts", "id", alertCols, "project_id", "created_at")
	upsertProgress  = upsertSQL("analysis_progress", "project_id", progressCols)
)

// upsertSQL builds a named INSERT ... ON CONFLICT DO UPDATE that leaves key
// and the keep columns untouched on update.
func upsertSQL(table, key string, cols []string, keep ...string) string {
	fixed := map[string]bool{key: true}
	for _, k := range keep {
		fixed[k] = true
	}
	names := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		names[i] = ":" + c
		if !fixed[c] {
			sets = append(sets, c+" = excluded."+c)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(names, ", "), key, strings.Join(sets, ", "))
}

func selectSQL(table string, cols []string) string {
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + table
}

type historyRow struct {
	models.MergeHistory
	SnapshotsJSON string `db:"snapshots"`
	ResultJSON    string `db:"result"`
}

func (r *historyRow) decode() (models.MergeHistory, error) {
	h := r.MergeHistory
	if err := json.Unmarshal([]byte(r.SnapshotsJSON), &h.Snapshots); err != nil {
		return h, fmt.Errorf("decode snapshots of %s: %w", h.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ResultJSON), &h.ResultSnapshot); err != nil {
		return h, fmt.Errorf("decode result of %s: %w", h.ID, err)
	}
	return h, nil
}

type progressRow struct {
	models.AnalysisProgress
	MetricsJSON string `db:"metrics"`
}

func (r *progressRow) decode() (models.AnalysisProgress, error) {
	p := r.AnalysisProgress
	p.Metrics = map[string]float64{}
	if r.MetricsJSON != "" {
		if err := json.Unmarshal([]byte(r.MetricsJSON), &p.Metrics); err != nil {
			return p, fmt.Errorf("decode metrics of %s: %w", p.ProjectID, err)
		}
	}
	return p, nil
}

type queueRow struct {
	models.HeavyQueueEntry
	Ordinal int64 `db:"ordinal"`
}

// Store implements store.Store over database/sql through sqlx. Every call
// goes through the database circuit breaker.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store over the wrapped pool.
func NewStore(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// WithTx runs fn in a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.withTx(ctx, func(tx *sqlTx) error { return fn(tx) })
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlTx) error) error {
	ctx, span := tracing.StartSpan(ctx, "store.tx")
	defer span.End()

	err := s.db.Execute(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return wrapErr("begin transaction", err)
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()
		if err := fn(&sqlTx{q: tx}); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
			return err
		}
		return wrapErr("commit", tx.Commit())
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *Store) read(ctx context.Context, fn func(t *sqlTx) error) error {
	return s.db.Execute(ctx, func(db *sqlx.DB) error { return fn(&sqlTx{q: db}) })
}

// Close is a no-op; the pool belongs to the Client.
func (s *Store) Close() error { return nil }

// sqlTx runs statements on either the pool or an open transaction.
type sqlTx struct {
	q sqlx.ExtContext
}

var _ store.Tx = (*sqlTx)(nil)

func (t *sqlTx) get(ctx context.Context, dest interface{}, kind, id, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, t.q, dest, t.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	return wrapErr("get "+kind, err)
}

func (t *sqlTx) list(ctx context.Context, dest interface{}, kind, query string, args ...interface{}) error {
	return wrapErr("list "+kind, sqlx.SelectContext(ctx, t.q, dest, t.q.Rebind(query), args...))
}

func (t *sqlTx) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := t.q.ExecContext(ctx, t.q.Rebind(query), args...)
	if err != nil {
		return 0, wrapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr(op, err)
	}
	return n, nil
}

func (t *sqlTx) named(ctx context.Context, op, query string, arg interface{}) error {
	_, err := sqlx.NamedExecContext(ctx, t.q, query, arg)
	return wrapErr(op, err)
}

func (t *sqlTx) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := t.get(ctx, &p, "project", id, selectSQL("projects", projectCols)+" WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *sqlTx) SaveProject(ctx context.Context, p *models.Project) error {
	return t.named(ctx, "save project", upsertProject, p)
}

func (t *sqlTx) DeleteProject(ctx context.Context, id string) error {
	if _, err := t.GetProject(ctx, id); err != nil {
		return err
	}
	for _, table := range []string{
		"evidences", "attributes", "mentions", "entities", "merge_history",
		"alert_transitions", "alerts", "analysis_progress", "heavy_queue",
	} {
		if _, err := t.exec(ctx, "delete "+table, "DELETE FROM "+table+" WHERE project_id = ?", id); err != nil {
			return err
		}
	}
	_, err := t.exec(ctx, "delete project", "DELETE FROM projects WHERE id = ?", id)
	return err
}

func (t *sqlTx) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	var e models.Entity
	if err := t.get(ctx, &e, "entity", id, selectSQL("entities", entityCols)+" WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *sqlTx) ListEntities(ctx context.Context, projectID string, includeInactive bool) ([]models.Entity, error) {
	query := selectSQL("entities", entityCols) + " WHERE project_id = ?"
	if !includeInactive {
		query += " AND active = ?"
	}
	query += " ORDER BY created_at, id"
	args := []interface{}{projectID}
	if !includeInactive {
		args = append(args, true)
	}
	out := make([]models.Entity, 0)
	if err := t.list(ctx, &out, "entities", query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *sqlTx) SaveEntity(ctx context.Context, e *models.Entity) error {
	return t.named(ctx, "save entity", upsertEntity, e)
}

func (t *sqlTx) GetMention(ctx context.Context, id string) (*models.Mention, error) {
	var m models.Mention
	if err := t.get(ctx, &m, "mention", id, selectSQL("mentions", mentionCols)+" WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *sqlTx) listMentions(ctx context.Context, column, value string) ([]models.Mention, error) {
	out := make([]models.Mention, 0)
	query := selectSQL("mentions", mentionCols) + " WHERE " + column + " = ? ORDER BY chapter_id, start_char, id"
	if err := t.list(ctx, &out, "mentions", query, value); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *sqlTx) ListMentions(ctx context.Context, projectID string) ([]models.Mention, error) {
	return t.listMentions(ctx, "project_id", projectID)
}

func (t *sqlTx) ListMentionsByEntity(ctx context.Context, entityID string) ([]models.Mention, error) {
	return t.listMentions(ctx, "entity_id", entityID)
}

func (t *sqlTx) SaveMention(ctx context.Context, m *models.Mention) error {
	return t.named(ctx, "save mention", upsertMention, m)
}

// attachEvidence loads the evidence matching where and hangs it on attrs.
func (t *sqlTx) attachEvidence(ctx context.Context, attrs []models.Attribute, where string, arg interface{}) error {
	if len(attrs) == 0 {
		return nil
	}
	var evs []models.Evidence
	query := selectSQL("evidences", evidenceCols) + " WHERE " + where + " ORDER BY chapter_id, start_char, id"
	if err := t.list(ctx, &evs, "evidence", query, arg); err != nil {
		return err
	}
	byAttr := make(map[string][]models.Evidence)
	for _, ev := range evs {
		byAttr[ev.AttributeID] = append(byAttr[ev.AttributeID], ev)
	}
	for i := range attrs {
		attrs[i].Evidence = byAttr[attrs[i].ID]
	}
	return nil
}

func (t *sqlTx) GetAttribute(ctx context.Context, id string) (*models.Attribute, error) {
	a := make([]models.Attribute, 1)
	if err := t.get(ctx, &a[0], "attribute", id, selectSQL("attributes", attributeCols)+" WHERE id = ?", id); err != nil {
		return nil, err
	}
	if err := t.attachEvidence(ctx, a, "attribute_id = ?", id); err != nil {
		return nil, err
	}
	return &a[0], nil
}

func (t *sqlTx) ListAttributes(ctx context.Context, projectID string) ([]models.Attribute, error) {
	out := make([]models.Attribute, 0)
	query := selectSQL("attributes", attributeCols) + " WHERE project_id = ? ORDER BY entity_id, attr_key, normalized_value"
	if err := t.list(ctx, &out, "attributes", query, projectID); err != nil {
		return nil, err
	}
	if err := t.attachEvidence(ctx, out, "project_id = ?", projectID); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *sqlTx) ListAttributesByEntity(ctx context.Context, entityID string) ([]models.Attribute, error) {
	out := make([]models.Attribute, 0)
	query := selectSQL("attributes", attributeCols) + " WHERE entity_id = ? ORDER BY attr_key, normalized_value"
	if err := t.list(ctx, &out, "attributes", query, entityID); err != nil {
		return nil, err
	}
	where := "attribute_id IN (SELECT id FROM attributes WHERE entity_id = ?)"
	if err := t.attachEvidence(ctx, out, where, entityID); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *sqlTx) SaveAttribute(ctx context.Context, a *models.Attribute) error {
	return t.named(ctx, "save attribute", upsertAttribute, a)
}

func (t *sqlTx) DeleteAttribute(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, "delete evidence", "DELETE FROM evidences WHERE attribute_id = ?", id); err != nil {
		return err
	}
	_, err := t.exec(ctx, "delete attribute", "DELETE FROM attributes WHERE id = ?", id)
	return err
}

func (t *sqlTx) SaveEvidence(ctx context.Context, e *models.Evidence) error {
	return t.named(ctx, "save evidence", upsertEvidence, e)
}

func (t *sqlTx) GetMergeHistory(ctx context.Context, id string) (*models.MergeHistory, error) {
	var row historyRow
	if err := t.get(ctx, &row, "merge history", id, selectSQL("merge_history", historyCols)+" WHERE id = ?", id); err != nil {
		return nil, err
	}
	h, err := row.decode()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *sqlTx) ListMergeHistory(ctx context.Context, projectID string) ([]models.MergeHistory, error) {
	var rows []historyRow
	query := selectSQL("merge_history", historyCols) + " WHERE project_id = ? ORDER BY seq"
	if err := t.list(ctx, &rows, "merge history", query, projectID); err != nil {
		return nil, err
	}
	out := make([]models.MergeHistory, 0, len(rows))
	for i := range rows {
		h, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (t *sqlTx) SaveMergeHistory(ctx context.Context, h *models.MergeHistory) error {
	var seq int64
	err := sqlx.GetContext(ctx, t.q, &seq, t.q.Rebind(`SELECT seq FROM merge_history WHERE id = ?`), h.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := sqlx.GetContext(ctx, t.q, &seq, `SELECT COALESCE(MAX(seq), 0) + 1 FROM merge_history`); err != nil {
			return wrapErr("next merge sequence", err)
		}
	case err != nil:
		return wrapErr("merge sequence", err)
	}
	h.Sequence = seq

	snapshots, err := json.Marshal(h.Snapshots)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	result, err := json.Marshal(h.ResultSnapshot)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	row := historyRow{MergeHistory: *h, SnapshotsJSON: string(snapshots), ResultJSON: string(result)}
	return t.named(ctx, "save merge history", upsertHistory, &row)
}

func (t *sqlTx) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var a models.Alert
	if err := t.get(ctx, &a, "alert", id, selectSQL("alerts", alertCols)+" WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *sqlTx) FindAlertByHash(ctx context.Context, projectID, contentHash string) (*models.Alert, error) {
	if contentHash == "" {
		return nil, notFound("alert hash", contentHash)
	}
	var a models.Alert
	query := selectSQL("alerts", alertCols) + " WHERE project_id = ? AND content_hash = ?"
	if err := t.get(ctx, &a, "alert hash", contentHash, query, projectID, contentHash); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *sqlTx) ListAlerts(ctx context.Context, projectID string) ([]models.Alert, error) {
	out := make([]models.Alert, 0)
	query := selectSQL("alerts", alertCols) + " WHERE project_id = ? ORDER BY created_at, id"
	if err := t.list(ctx, &out, "alerts", query, projectID); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *sqlTx) SaveAlert(ctx context.Context, a *models.Alert) error {
	return t.named(ctx, "save alert", upsertAlert, a)
}

func (t *sqlTx) DeleteAlert(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, "delete alert history", "DELETE FROM alert_transitions WHERE alert_id = ?", id); err != nil {
		return err
	}
	n, err := t.exec(ctx, "delete alert", "DELETE FROM alerts WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("alert", id)
	}
	return nil
}

func (t *sqlTx) ListAlertTransitions(ctx context.Context, alertID string) ([]models.AlertTransition, error) {
	out := make([]models.AlertTransition, 0)
	query := selectSQL("alert_transitions", transitionCols) + " WHERE alert_id = ? ORDER BY ordinal"
	if err := t.list(ctx, &out, "alert transitions", query, alertID); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *sqlTx) AppendAlertTransition(ctx context.Context, tr *models.AlertTransition) error {
	if _, err := t.GetAlert(ctx, tr.AlertID); err != nil {
		return err
	}
	var next int64
	if err := sqlx.GetContext(ctx, t.q, &next,
		t.q.Rebind(`SELECT COALESCE(MAX(ordinal), 0) + 1 FROM alert_transitions WHERE alert_id = ?`), tr.AlertID,
	); err != nil {
		return wrapErr("next transition ordinal", err)
	}
	_, err := t.exec(ctx, "append alert transition",
		`INSERT INTO alert_transitions (id, alert_id, project_id, from_status, to_status, note, actor, ordinal, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.AlertID, tr.ProjectID, tr.FromStatus, tr.ToStatus, tr.Note, tr.Actor, next, tr.CreatedAt,
	)
	return err
}

func (t *sqlTx) GetProgress(ctx context.Context, projectID string) (*models.AnalysisProgress, error) {
	var row progressRow
	if err := t.get(ctx, &row, "progress", projectID, selectSQL("analysis_progress", progressCols)+" WHERE project_id = ?", projectID); err != nil {
		return nil, err
	}
	p, err := row.decode()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *sqlTx) ListProgress(ctx context.Context) ([]models.AnalysisProgress, error) {
	var rows []progressRow
	if err := t.list(ctx, &rows, "progress", selectSQL("analysis_progress", progressCols)+" ORDER BY project_id"); err != nil {
		return nil, err
	}
	out := make([]models.AnalysisProgress, 0, len(rows))
	for i := range rows {
		p, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *sqlTx) SaveProgress(ctx context.Context, p *models.AnalysisProgress) error {
	metrics := p.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	b, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	row := progressRow{AnalysisProgress: *p, MetricsJSON: string(b)}
	return t.named(ctx, "save progress", upsertProgress, &row)
}

func (t *sqlTx) ListHeavyQueue(ctx context.Context) ([]models.HeavyQueueEntry, error) {
	var rows []queueRow
	if err := t.list(ctx, &rows, "heavy queue", selectSQL("heavy_queue", queueCols)+" ORDER BY ordinal"); err != nil {
		return nil, err
	}
	out := make([]models.HeavyQueueEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].HeavyQueueEntry
	}
	return out, nil
}

func (t *sqlTx) EnqueueHeavy(ctx context.Context, e *models.HeavyQueueEntry) error {
	var next int64
	if err := sqlx.GetContext(ctx, t.q, &next, `SELECT COALESCE(MAX(ordinal), 0) + 1 FROM heavy_queue`); err != nil {
		return wrapErr("next queue ordinal", err)
	}
	row := queueRow{HeavyQueueEntry: *e, Ordinal: next}
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now()
	}
	err := t.named(ctx, "enqueue heavy",
		`INSERT INTO heavy_queue (project_id, mode, completed_phases, candidate_pairs, ordinal, enqueued_at)
		 VALUES (:project_id, :mode, :completed_phases, :candidate_pairs, :ordinal, :enqueued_at)`, &row)
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("heavy queue %s: %w", e.ProjectID, store.ErrDuplicate)
	}
	return err
}

func (t *sqlTx) RemoveHeavy(ctx context.Context, projectID string) error {
	_, err := t.exec(ctx, "remove heavy", "DELETE FROM heavy_queue WHERE project_id = ?", projectID)
	return err
}

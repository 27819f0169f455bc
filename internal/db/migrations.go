package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// migration is an ordered, additive schema change. {{ts}} expands to the
// driver's timestamp type.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{1, "core tables", []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			analysis_status TEXT NOT NULL DEFAULT 'idle',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			aliases TEXT NOT NULL DEFAULT '[]',
			entity_type TEXT NOT NULL,
			importance TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			mention_count INTEGER NOT NULL DEFAULT 0,
			merged_from TEXT NOT NULL DEFAULT '[]',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mentions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			surface_form TEXT NOT NULL,
			start_char INTEGER NOT NULL,
			end_char INTEGER NOT NULL,
			chapter_id TEXT NOT NULL,
			source_signal TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attributes (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			attr_key TEXT NOT NULL,
			value TEXT NOT NULL,
			normalized_value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evidences (
			id TEXT PRIMARY KEY,
			attribute_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			chapter_id TEXT NOT NULL,
			start_char INTEGER NOT NULL,
			end_char INTEGER NOT NULL,
			excerpt TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS merge_history (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			target_id TEXT NOT NULL,
			source_ids TEXT NOT NULL DEFAULT '[]',
			snapshots TEXT NOT NULL DEFAULT '[]',
			result TEXT NOT NULL DEFAULT '{}',
			note TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			undone_at {{ts}}
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			alert_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			explanation TEXT NOT NULL DEFAULT '',
			suggestion TEXT NOT NULL DEFAULT '',
			entity_ids TEXT NOT NULL DEFAULT '[]',
			chapter_id TEXT NOT NULL DEFAULT '',
			start_char INTEGER,
			end_char INTEGER,
			excerpt TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			extra TEXT NOT NULL DEFAULT '{}',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			resolved_at {{ts}},
			resolution_note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS alert_transitions (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			ordinal INTEGER NOT NULL,
			created_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_progress (
			project_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			current_phase TEXT NOT NULL DEFAULT '',
			percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			metrics TEXT NOT NULL DEFAULT '{}',
			phases_completed TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			affected_chapters TEXT NOT NULL DEFAULT '[]',
			needs_resubmit BOOLEAN NOT NULL DEFAULT FALSE,
			started_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			finished_at {{ts}}
		)`,
		`CREATE TABLE IF NOT EXISTS heavy_queue (
			project_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			completed_phases TEXT NOT NULL DEFAULT '[]',
			candidate_pairs TEXT NOT NULL DEFAULT '[]',
			ordinal BIGINT NOT NULL,
			enqueued_at {{ts}} NOT NULL
		)`,
	}},
	{2, "indexes", []string{
		`CREATE INDEX IF NOT EXISTS idx_entities_project ON entities (project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_project ON mentions (project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_entity ON mentions (entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attributes_entity ON attributes (entity_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_attributes_value ON attributes (entity_id, attr_key, normalized_value)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_evidences_location ON evidences (attribute_id, chapter_id, start_char, end_char)`,
		`CREATE INDEX IF NOT EXISTS idx_merge_history_project ON merge_history (project_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_project ON alerts (project_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_hash ON alerts (project_id, content_hash) WHERE content_hash <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_alert_transitions_alert ON alert_transitions (alert_id, ordinal)`,
	}},
}

func timestampType(driver string) string {
	if driver == DriverPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// Migrate applies every migration not yet recorded in schema_migrations and
// returns how many ran.
func (c *Client) Migrate(ctx context.Context) (int, error) {
	applied := 0
	err := c.db.Execute(ctx, func(db *sqlx.DB) error {
		ts := timestampType(db.DriverName())
		create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at %s NOT NULL
		)`, ts)
		if _, err := db.ExecContext(ctx, create); err != nil {
			return wrapErr("create schema_migrations", err)
		}

		var done []int
		if err := db.SelectContext(ctx, &done, `SELECT version FROM schema_migrations`); err != nil {
			return wrapErr("list migrations", err)
		}
		seen := make(map[int]bool, len(done))
		for _, v := range done {
			seen[v] = true
		}

		for _, m := range migrations {
			if seen[m.version] {
				continue
			}
			tx, err := db.BeginTxx(ctx, nil)
			if err != nil {
				return wrapErr("begin migration", err)
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, strings.ReplaceAll(stmt, "{{ts}}", ts)); err != nil {
					_ = tx.Rollback()
					return wrapErr(fmt.Sprintf("migration %d (%s)", m.version, m.name), err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				db.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				m.version, m.name, time.Now().UTC(),
			); err != nil {
				_ = tx.Rollback()
				return wrapErr("record migration", err)
			}
			if err := tx.Commit(); err != nil {
				return wrapErr("commit migration", err)
			}
			applied++
			c.logger.Info("Applied migration",
				zap.Int("version", m.version),
				zap.String("name", m.name),
			)
		}
		return nil
	})
	if err != nil {
		return applied, fmt.Errorf("migrate: %w", err)
	}
	return applied, nil
}

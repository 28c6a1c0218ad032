package catalog

import (
	"context"

	"github.com/ajitpratap0/atlas/pkg/errors"
)

// Times are stored as unix nanoseconds (0 for unset) so the same DDL works on
// every engine.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		asset_id       TEXT PRIMARY KEY,
		source_id      TEXT NOT NULL,
		location       TEXT NOT NULL,
		name           TEXT NOT NULL,
		asset_type     TEXT NOT NULL,
		size           BIGINT NOT NULL,
		created_at     BIGINT NOT NULL,
		modified_at    BIGINT NOT NULL,
		schema_json    TEXT NOT NULL,
		tags_json      TEXT NOT NULL,
		metadata_json  TEXT NOT NULL,
		quality_score  DOUBLE PRECISION,
		pii_risk       TEXT NOT NULL,
		identity_hash  TEXT NOT NULL,
		content_hash   TEXT NOT NULL,
		first_seen_at  BIGINT NOT NULL,
		last_seen_at   BIGINT NOT NULL,
		last_run_id    TEXT NOT NULL,
		removed        INTEGER NOT NULL DEFAULT 0,
		removed_at     BIGINT NOT NULL DEFAULT 0,
		search_text    TEXT NOT NULL,
		UNIQUE (source_id, location)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assets_source ON assets (source_id, removed)`,
	`CREATE INDEX IF NOT EXISTS idx_assets_type ON assets (asset_type)`,
	`CREATE TABLE IF NOT EXISTS asset_history (
		asset_id       TEXT NOT NULL,
		seq            BIGINT NOT NULL,
		observed_at    BIGINT NOT NULL,
		run_id         TEXT NOT NULL,
		previous_hash  TEXT NOT NULL,
		new_hash       TEXT NOT NULL,
		change_kind    TEXT NOT NULL,
		PRIMARY KEY (asset_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS scan_runs (
		run_id           TEXT PRIMARY KEY,
		started_at       BIGINT NOT NULL,
		finished_at      BIGINT NOT NULL,
		triggered_by     TEXT NOT NULL,
		status           TEXT NOT NULL,
		detect_removals  INTEGER NOT NULL,
		sources_json     TEXT NOT NULL,
		outcomes_json    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_runs_started ON scan_runs (started_at)`,
}

func (c *Catalog) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to create catalog tables")
		}
	}
	return nil
}

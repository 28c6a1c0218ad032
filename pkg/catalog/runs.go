package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/models"
)

const runColumns = `run_id, started_at, finished_at, triggered_by, status, detect_removals, sources_json, outcomes_json`

// SaveRun inserts or replaces a scan run record.
func (c *Catalog) SaveRun(ctx context.Context, run *models.ScanRun) error {
	sources, err := json.Marshal(nonNilStrings(run.Sources))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to encode run sources")
	}
	outcomes := run.Outcomes
	if outcomes == nil {
		outcomes = []models.SourceOutcome{}
	}
	outcomesJSON, err := json.Marshal(outcomes)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to encode run outcomes")
	}

	q := c.dialect.rebind(`INSERT INTO scan_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			sources_json = excluded.sources_json,
			outcomes_json = excluded.outcomes_json`)
	_, err = c.db.ExecContext(ctx, q,
		run.RunID, toNanos(run.StartedAt), toNanos(run.FinishedAt), string(run.TriggeredBy), string(run.Status),
		boolInt(run.DetectRemovals), string(sources), string(outcomesJSON))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to save scan run").WithDetail("run_id", run.RunID)
	}
	return nil
}

// GetRun returns a run by id.
func (c *Catalog) GetRun(ctx context.Context, runID string) (*models.ScanRun, error) {
	q := c.dialect.rebind(`SELECT ` + runColumns + ` FROM scan_runs WHERE run_id = ?`)
	run, err := scanRun(c.db.QueryRowContext(ctx, q, runID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("scan run", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load scan run")
	}
	return run, nil
}

// LatestRun returns the most recently started run.
func (c *Catalog) LatestRun(ctx context.Context) (*models.ScanRun, error) {
	runs, err := c.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.NotFound("scan run", "latest")
	}
	return runs[0], nil
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (c *Catalog) ListRuns(ctx context.Context, limit int) ([]*models.ScanRun, error) {
	q := `SELECT ` + runColumns + ` FROM scan_runs ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query scan runs")
	}
	defer rows.Close()

	var out []*models.ScanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode scan run")
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query scan runs")
	}
	return out, nil
}

func scanRun(s rowScanner) (*models.ScanRun, error) {
	var (
		run                   models.ScanRun
		started, finished     int64
		trigger, status       string
		detect                int
		sources, outcomesJSON string
	)
	if err := s.Scan(&run.RunID, &started, &finished, &trigger, &status, &detect, &sources, &outcomesJSON); err != nil {
		return nil, err
	}
	run.StartedAt = fromNanos(started)
	run.FinishedAt = fromNanos(finished)
	run.TriggeredBy = models.Trigger(trigger)
	run.Status = models.RunStatus(status)
	run.DetectRemovals = detect != 0
	if err := json.Unmarshal([]byte(sources), &run.Sources); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomesJSON), &run.Outcomes); err != nil {
		return nil, err
	}
	return &run, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

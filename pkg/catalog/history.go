package catalog

import (
	"context"
	"database/sql"

	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// appendHistory adds an entry with the next sequence number of its asset.
// It must run in the transaction that changed the asset.
func (c *Catalog) appendHistory(ctx context.Context, tx *sql.Tx, e models.HistoryEntry) error {
	var seq int64
	q := c.dialect.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM asset_history WHERE asset_id = ?`)
	if err := tx.QueryRowContext(ctx, q, e.AssetID).Scan(&seq); err != nil {
		return err
	}

	q = c.dialect.rebind(`INSERT INTO asset_history
		(asset_id, seq, observed_at, run_id, previous_hash, new_hash, change_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, q,
		e.AssetID, seq, toNanos(e.ObservedAt), e.RunID, e.PreviousHash, e.NewHash, string(e.ChangeKind))
	return err
}

// History returns every entry of an asset, oldest first. It includes
// removed assets. An asset with no history fails with not_found.
func (c *Catalog) History(ctx context.Context, assetID string) ([]models.HistoryEntry, error) {
	q := c.dialect.rebind(`SELECT asset_id, seq, observed_at, run_id, previous_hash, new_hash, change_kind
		FROM asset_history WHERE asset_id = ? ORDER BY seq`)
	rows, err := c.db.QueryContext(ctx, q, assetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query history")
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e        models.HistoryEntry
			observed int64
			kind     string
		)
		if err := rows.Scan(&e.AssetID, &e.Seq, &observed, &e.RunID, &e.PreviousHash, &e.NewHash, &kind); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode history")
		}
		e.ObservedAt = fromNanos(observed)
		e.ChangeKind = models.ChangeKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query history")
	}
	if len(out) == 0 {
		return nil, errors.NotFound("asset", assetID)
	}
	return out, nil
}

// HistoryCount returns the number of history entries recorded, across all assets.
func (c *Catalog) HistoryCount(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM asset_history`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to count history")
	}
	return n, nil
}

package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/fingerprint"
	"github.com/ajitpratap0/atlas/pkg/models"
)

const assetColumns = `asset_id, source_id, location, name, asset_type, size, created_at, modified_at,
	schema_json, tags_json, metadata_json, quality_score, pii_risk, identity_hash, content_hash,
	first_seen_at, last_seen_at, last_run_id, removed, removed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(s rowScanner) (*models.CatalogedAsset, error) {
	var (
		a                              models.CatalogedAsset
		created, modified, first, last int64
		removedAt                      int64
		removed                        int
		schemaJSON, tagsJSON, metaJSON string
		quality                        sql.NullFloat64
		risk                           string
	)
	err := s.Scan(&a.AssetID, &a.SourceID, &a.Location, &a.Name, &a.Type, &a.Size, &created, &modified,
		&schemaJSON, &tagsJSON, &metaJSON, &quality, &risk, &a.Fingerprint.IdentityHash, &a.Fingerprint.ContentHash,
		&first, &last, &a.LastRunID, &removed, &removedAt)
	if err != nil {
		return nil, err
	}

	a.CreatedAt = fromNanos(created)
	a.ModifiedAt = fromNanos(modified)
	a.FirstSeenAt = fromNanos(first)
	a.LastSeenAt = fromNanos(last)
	a.RemovedAt = fromNanos(removedAt)
	a.Removed = removed != 0
	if quality.Valid {
		q := quality.Float64
		a.QualityScore = &q
	}
	if a.PIIRisk, err = models.ParsePIIRisk(risk); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &a.Schema); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
		return nil, err
	}
	if len(a.Schema) == 0 {
		a.Schema = nil
	}
	if len(a.Tags) == 0 {
		a.Tags = nil
	}
	return &a, nil
}

// storedState is what Upsert needs to know about the current row.
type storedState struct {
	assetID      string
	identityHash string
	contentHash  string
	firstSeen    int64
	removed      bool
}

// Upsert writes one observation of an asset and reports whether it created,
// updated or left the asset unchanged. The whole row is replaced on every
// call; a history entry is appended only for created and updated outcomes.
// The asset id of an existing (source, location) is never changed, and a
// previously removed asset that reappears is revived as created under its
// original id.
func (c *Catalog) Upsert(ctx context.Context, asset *models.CatalogedAsset, runID string) (models.UpsertResult, error) {
	if asset.SourceID == "" || asset.Location == "" {
		return models.UpsertResult{}, errors.New(errors.ErrorTypeValidation, "asset source id and location are required")
	}
	fp := asset.Fingerprint
	if fp.IdentityHash == "" || fp.ContentHash == "" {
		fp = fingerprint.Compute(asset.Clone())
	}

	unlock := c.locks.Lock(identityKey(asset.SourceID, asset.Location))
	defer unlock()

	var result models.UpsertResult
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := c.loadState(ctx, tx, asset.SourceID, asset.Location)
		if err != nil {
			return err
		}

		now := toNanos(c.now())
		row := newAssetRow(asset, fp, runID, now)

		switch {
		case prev == nil:
			row.assetID = fingerprint.AssetID(fp.IdentityHash)
			row.firstSeen = now
			result = models.UpsertResult{AssetID: row.assetID, Kind: models.ChangeCreated}
			if err := c.insertAsset(ctx, tx, row); err != nil {
				return err
			}
		default:
			row.assetID = prev.assetID
			row.firstSeen = prev.firstSeen
			result.AssetID = prev.assetID
			switch {
			case prev.removed:
				result.Kind = models.ChangeCreated
			case prev.contentHash == fp.ContentHash && prev.identityHash == fp.IdentityHash:
				result.Kind = models.ChangeUnchanged
			default:
				result.Kind = models.ChangeUpdated
			}
			if err := c.updateAsset(ctx, tx, row); err != nil {
				return err
			}
		}

		if result.Kind == models.ChangeUnchanged {
			return nil
		}
		previous := ""
		if prev != nil {
			previous = prev.contentHash
		}
		return c.appendHistory(ctx, tx, models.HistoryEntry{
			AssetID:      result.AssetID,
			ObservedAt:   fromNanos(now),
			RunID:        runID,
			PreviousHash: previous,
			NewHash:      fp.ContentHash,
			ChangeKind:   result.Kind,
		})
	})
	if err != nil {
		return models.UpsertResult{}, errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to upsert asset").
			WithDetail("source_id", asset.SourceID).
			WithDetail("location", asset.Location)
	}

	c.invalidate(result.AssetID)
	c.logger.Debug("asset upserted",
		zap.String("asset_id", result.AssetID),
		zap.String("location", asset.Location),
		zap.String("change", string(result.Kind)))
	return result, nil
}

func (c *Catalog) loadState(ctx context.Context, tx *sql.Tx, sourceID, location string) (*storedState, error) {
	q := c.dialect.rebind(`SELECT asset_id, identity_hash, content_hash, first_seen_at, removed FROM assets
		WHERE source_id = ? AND location = ?` + c.dialect.lock)

	var (
		st      storedState
		removed int
	)
	err := tx.QueryRowContext(ctx, q, sourceID, location).Scan(&st.assetID, &st.identityHash, &st.contentHash, &st.firstSeen, &removed)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.removed = removed != 0
	return &st, nil
}

// assetRow is the column form of a CatalogedAsset.
type assetRow struct {
	assetID                        string
	asset                          *models.CatalogedAsset
	fp                             models.Fingerprint
	schemaJSON, tagsJSON, metaJSON string
	quality                        sql.NullFloat64
	runID                          string
	firstSeen, lastSeen            int64
	searchText                     string
}

func newAssetRow(a *models.CatalogedAsset, fp models.Fingerprint, runID string, now int64) *assetRow {
	r := &assetRow{asset: a, fp: fp, runID: runID, lastSeen: now}

	schema := a.Schema
	if schema == nil {
		schema = []models.Field{}
	}
	tags := models.NormalizeTags(a.Tags)
	if tags == nil {
		tags = []string{}
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	r.schemaJSON = mustJSON(schema)
	r.tagsJSON = mustJSON(tags)
	r.metaJSON = mustJSON(meta)
	if a.QualityScore != nil {
		r.quality = sql.NullFloat64{Float64: *a.QualityScore, Valid: true}
	}
	r.searchText = searchText(a, tags)
	return r
}

func (c *Catalog) insertAsset(ctx context.Context, tx *sql.Tx, r *assetRow) error {
	a := r.asset
	q := c.dialect.rebind(`INSERT INTO assets (` + assetColumns + `, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`)
	_, err := tx.ExecContext(ctx, q,
		r.assetID, a.SourceID, a.Location, a.Name, a.Type, a.Size, toNanos(a.CreatedAt), toNanos(a.ModifiedAt),
		r.schemaJSON, r.tagsJSON, r.metaJSON, r.quality, riskOrUnknown(a.PIIRisk), r.fp.IdentityHash, r.fp.ContentHash,
		r.firstSeen, r.lastSeen, r.runID, r.searchText)
	return err
}

func (c *Catalog) updateAsset(ctx context.Context, tx *sql.Tx, r *assetRow) error {
	a := r.asset
	q := c.dialect.rebind(`UPDATE assets SET
		name = ?, asset_type = ?, size = ?, created_at = ?, modified_at = ?,
		schema_json = ?, tags_json = ?, metadata_json = ?, quality_score = ?, pii_risk = ?,
		identity_hash = ?, content_hash = ?, first_seen_at = ?, last_seen_at = ?, last_run_id = ?,
		removed = 0, removed_at = 0, search_text = ?
		WHERE asset_id = ?`)
	_, err := tx.ExecContext(ctx, q,
		a.Name, a.Type, a.Size, toNanos(a.CreatedAt), toNanos(a.ModifiedAt),
		r.schemaJSON, r.tagsJSON, r.metaJSON, r.quality, riskOrUnknown(a.PIIRisk),
		r.fp.IdentityHash, r.fp.ContentHash, r.firstSeen, r.lastSeen, r.runID,
		r.searchText, r.assetID)
	return err
}

// SoftDelete marks every live asset of sourceID whose location is not in
// present as removed and appends a removed history entry for each. Rows are
// never deleted. It returns the number of assets marked.
func (c *Catalog) SoftDelete(ctx context.Context, sourceID string, present []string, runID string) (int, error) {
	keep := make(map[string]struct{}, len(present))
	for _, loc := range present {
		keep[loc] = struct{}{}
	}

	q := c.dialect.rebind(`SELECT location FROM assets WHERE source_id = ? AND removed = 0`)
	rows, err := c.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to list assets for removal").
			WithDetail("source_id", sourceID)
	}
	var gone []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to list assets for removal")
		}
		if _, ok := keep[loc]; !ok {
			gone = append(gone, loc)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to list assets for removal")
	}

	removed := 0
	for _, loc := range gone {
		ok, err := c.markRemoved(ctx, sourceID, loc, runID)
		if err != nil {
			return removed, errors.Wrap(err, errors.ErrorTypeCatalogWrite, "failed to mark asset removed").
				WithDetail("source_id", sourceID).
				WithDetail("location", loc)
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("assets marked removed",
			zap.String("source_id", sourceID),
			zap.Int("removed", removed),
			zap.String("run_id", runID))
	}
	return removed, nil
}

func (c *Catalog) markRemoved(ctx context.Context, sourceID, location, runID string) (bool, error) {
	unlock := c.locks.Lock(identityKey(sourceID, location))
	defer unlock()

	var assetID string
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		st, err := c.loadState(ctx, tx, sourceID, location)
		if err != nil || st == nil || st.removed {
			// reappeared or already handled by a concurrent writer
			return err
		}
		now := toNanos(c.now())
		q := c.dialect.rebind(`UPDATE assets SET removed = 1, removed_at = ?, last_run_id = ? WHERE asset_id = ?`)
		if _, err := tx.ExecContext(ctx, q, now, runID, st.assetID); err != nil {
			return err
		}
		assetID = st.assetID
		return c.appendHistory(ctx, tx, models.HistoryEntry{
			AssetID:      st.assetID,
			ObservedAt:   fromNanos(now),
			RunID:        runID,
			PreviousHash: st.contentHash,
			ChangeKind:   models.ChangeRemoved,
		})
	})
	if err != nil || assetID == "" {
		return false, err
	}
	c.invalidate(assetID)
	return true, nil
}

// Get returns a live asset. Missing and removed assets both fail with a
// not_found error; removed assets remain visible through History.
func (c *Catalog) Get(ctx context.Context, assetID string) (*models.CatalogedAsset, error) {
	var gen uint64
	if c.cache != nil {
		if item := c.cache.Get(assetID); item != nil {
			return item.Value().Clone(), nil
		}
		gen = c.generation()
	}

	q := c.dialect.rebind(`SELECT ` + assetColumns + ` FROM assets WHERE asset_id = ? AND removed = 0`)
	a, err := scanAsset(c.db.QueryRowContext(ctx, q, assetID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("asset", assetID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load asset").WithDetail("asset_id", assetID)
	}

	if c.cache != nil {
		c.fill(assetID, gen, a)
	}
	return a, nil
}

// Lookup returns the asset at (sourceID, location), including removed ones.
func (c *Catalog) Lookup(ctx context.Context, sourceID, location string) (*models.CatalogedAsset, error) {
	q := c.dialect.rebind(`SELECT ` + assetColumns + ` FROM assets WHERE source_id = ? AND location = ?`)
	a, err := scanAsset(c.db.QueryRowContext(ctx, q, sourceID, location))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("asset", sourceID+":"+location)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load asset")
	}
	return a, nil
}

// ListBySource returns the live assets of a source ordered by location.
func (c *Catalog) ListBySource(ctx context.Context, sourceID string) ([]*models.CatalogedAsset, error) {
	q := c.dialect.rebind(`SELECT ` + assetColumns + ` FROM assets
		WHERE source_id = ? AND removed = 0 ORDER BY location`)
	return c.queryAssets(ctx, q, sourceID)
}

func (c *Catalog) queryAssets(ctx context.Context, q string, args ...any) ([]*models.CatalogedAsset, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query assets")
	}
	defer rows.Close()

	var out []*models.CatalogedAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode asset")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query assets")
	}
	return out, nil
}

func (c *Catalog) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// searchText is the lowercased haystack matched by Search.
func searchText(a *models.CatalogedAsset, tags []string) string {
	parts := make([]string, 0, 3+len(tags)+len(a.Schema))
	parts = append(parts, a.Name, a.Location)
	parts = append(parts, tags...)
	for _, f := range a.Schema {
		parts = append(parts, f.Name)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func riskOrUnknown(r models.PIIRisk) string {
	if r == "" {
		return string(models.PIIRiskUnknown)
	}
	return string(r)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// only called with slices and string maps
		panic(err)
	}
	return string(b)
}

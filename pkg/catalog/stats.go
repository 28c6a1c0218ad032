package catalog

import (
	"context"
	"database/sql"

	"github.com/ajitpratap0/atlas/pkg/errors"
)

// Stats summarizes the catalog.
type Stats struct {
	Assets    int            `json:"assets"`
	Removed   int            `json:"removed"`
	ByType    map[string]int `json:"by_type"`
	ByPIIRisk map[string]int `json:"by_pii_risk"`
	BySource  map[string]int `json:"by_source"`
	// QualityKnown counts live assets with a computed quality score
	QualityKnown   int      `json:"quality_known"`
	AverageQuality *float64 `json:"average_quality,omitempty"`
	Runs           int      `json:"runs"`
}

// Stats counts live assets by type, PII risk and source.
func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		ByType:    make(map[string]int),
		ByPIIRisk: make(map[string]int),
		BySource:  make(map[string]int),
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"asset_type", s.ByType},
		{"pii_risk", s.ByPIIRisk},
		{"source_id", s.BySource},
	}
	for _, g := range groups {
		if err := c.countBy(ctx, g.column, g.into); err != nil {
			return nil, err
		}
	}
	for _, n := range s.ByType {
		s.Assets += n
	}

	var avg sql.NullFloat64
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(quality_score), AVG(quality_score) FROM assets WHERE removed = 0`)
	if err := row.Scan(&s.QualityKnown, &avg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compute quality stats")
	}
	if avg.Valid {
		v := avg.Float64
		s.AverageQuality = &v
	}

	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets WHERE removed = 1`).Scan(&s.Removed); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to count removed assets")
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_runs`).Scan(&s.Runs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to count scan runs")
	}
	return s, nil
}

// countBy fills into with live asset counts grouped by a fixed column name.
func (c *Catalog) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := c.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM assets WHERE removed = 0 GROUP BY `+column)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to compute catalog stats")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to compute catalog stats")
		}
		into[key] = n
	}
	return rows.Err()
}

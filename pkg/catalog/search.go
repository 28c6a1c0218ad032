package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/ajitpratap0/atlas/pkg/models"
)

// Filter narrows a search. Empty fields match everything.
type Filter struct {
	Type     string
	SourceID string
	// Limit caps the number of results; zero means no limit
	Limit int
}

// Search matches every whitespace-separated term of query as a substring of
// an asset's name, location, tags or schema field names, case-insensitively.
// Removed assets are never returned. Results whose name or one of whose tags
// equals the query come first, then names containing it, then the rest;
// within a tier newer LastSeenAt wins.
func (c *Catalog) Search(ctx context.Context, query string, f Filter) ([]*models.CatalogedAsset, error) {
	q := `SELECT ` + assetColumns + ` FROM assets WHERE removed = 0`
	var args []any
	if f.Type != "" {
		q += ` AND asset_type = ?`
		args = append(args, f.Type)
	}
	if f.SourceID != "" {
		q += ` AND source_id = ?`
		args = append(args, f.SourceID)
	}
	terms := strings.Fields(strings.ToLower(query))
	for _, t := range terms {
		q += ` AND search_text LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(t)+"%")
	}

	assets, err := c.queryAssets(ctx, c.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	sort.SliceStable(assets, func(i, j int) bool {
		ri, rj := relevance(assets[i], needle), relevance(assets[j], needle)
		if ri != rj {
			return ri < rj
		}
		if !assets[i].LastSeenAt.Equal(assets[j].LastSeenAt) {
			return assets[i].LastSeenAt.After(assets[j].LastSeenAt)
		}
		if assets[i].SourceID != assets[j].SourceID {
			return assets[i].SourceID < assets[j].SourceID
		}
		return assets[i].Location < assets[j].Location
	})

	if f.Limit > 0 && len(assets) > f.Limit {
		assets = assets[:f.Limit]
	}
	return assets, nil
}

// relevance ranks an asset against a lowercased query; lower is better.
func relevance(a *models.CatalogedAsset, needle string) int {
	if needle == "" {
		return 2
	}
	name := strings.ToLower(a.Name)
	if name == needle {
		return 0
	}
	for _, t := range a.Tags {
		if t == needle {
			return 0
		}
	}
	if strings.Contains(name, needle) {
		return 1
	}
	return 2
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

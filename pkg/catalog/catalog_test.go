package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Second)
	return f.now
}

func openTestCatalog(t *testing.T, ttl time.Duration) *Catalog {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	cfg := config.CatalogConfig{
		Driver:   "sqlite",
		DSN:      "file:" + filepath.Join(t.TempDir(), "catalog.db"),
		CacheTTL: ttl,
	}
	c, err := Open(context.Background(), cfg, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func fileAsset(sourceID, location string, size int64) *models.CatalogedAsset {
	return &models.CatalogedAsset{
		Name:       filepath.Base(location),
		Type:       "file",
		SourceID:   sourceID,
		Location:   location,
		Size:       size,
		ModifiedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Tags:       []string{"format:csv"},
		PIIRisk:    models.PIIRiskNone,
		Metadata:   map[string]string{"owner": "ops"},
	}
}

func TestUpsertLifecycle(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, 0)

	created, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 100), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeCreated, created.Kind)
	assert.Len(t, created.AssetID, 32)

	again, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 100), "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeUnchanged, again.Kind)
	assert.Equal(t, created.AssetID, again.AssetID)

	grown, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 150), "run-3")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeUpdated, grown.Kind)
	assert.Equal(t, created.AssetID, grown.AssetID)

	got, err := c.Get(ctx, created.AssetID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.Size)
	assert.Equal(t, "run-3", got.LastRunID)
	assert.Equal(t, []string{"format:csv"}, got.Tags)
	assert.Equal(t, "ops", got.Metadata["owner"])
	assert.True(t, got.FirstSeenAt.Before(got.LastSeenAt))

	history, err := c.History(ctx, created.AssetID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ChangeCreated, history[0].ChangeKind)
	assert.Empty(t, history[0].PreviousHash)
	assert.Equal(t, models.ChangeUpdated, history[1].ChangeKind)
	assert.Equal(t, history[0].NewHash, history[1].PreviousHash)
	assert.NotEqual(t, history[0].NewHash, history[1].NewHash)
	assert.Equal(t, int64(1), history[0].Seq)
	assert.Equal(t, int64(2), history[1].Seq)
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, 0)

	score := 0.9
	a := fileAsset("fs1", "/a.csv", 100)
	a.QualityScore = &score
	a.Schema = []models.Field{{Name: "id", Type: models.TypeInteger}}

	_, err := c.Upsert(ctx, a, "run-1")
	require.NoError(t, err)
	first, err := c.Lookup(ctx, "fs1", "/a.csv")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := c.Upsert(ctx, a.Clone(), fmt.Sprintf("run-%d", i+2))
		require.NoError(t, err)
		assert.Equal(t, models.ChangeUnchanged, res.Kind)
	}
	last, err := c.Lookup(ctx, "fs1", "/a.csv")
	require.NoError(t, err)

	// only the observation bookkeeping moves
	first.LastSeenAt, last.LastSeenAt = time.Time{}, time.Time{}
	first.LastRunID, last.LastRunID = "", ""
	assert.Equal(t, first, last)

	n, err := c.HistoryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertTypeChangeKeepsID(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, 0)

	a := fileAsset("fs1", "/data", 10)
	first, err := c.Upsert(ctx, a, "run-1")
	require.NoError(t, err)

	a = fileAsset("fs1", "/data", 10)
	a.Type = "directory"
	second, err := c.Upsert(ctx, a, "run-2")
	require.NoError(t, err)
	assert.Equal(t, first.AssetID, second.AssetID)
	assert.Equal(t, models.ChangeUpdated, second.Kind)

	got, err := c.Get(ctx, first.AssetID)
	require.NoError(t, err)
	assert.Equal(t, "directory", got.Type)
}

func TestUpsertValidation(t *testing.T) {
	c := openTestCatalog(t, 0)
	_, err := c.Upsert(context.Background(), &models.CatalogedAsset{Location: "/x"}, "run")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSoftDeleteAndRevive(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, time.Minute)

	a, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 100), "run-1")
	require.NoError(t, err)
	b, err := c.Upsert(ctx, fileAsset("fs1", "/b.csv", 50), "run-1")
	require.NoError(t, err)
	other, err := c.Upsert(ctx, fileAsset("fs2", "/b.csv", 50), "run-1")
	require.NoError(t, err)

	// warm the cache so removal must invalidate it
	_, err = c.Get(ctx, b.AssetID)
	require.NoError(t, err)

	removed, err := c.SoftDelete(ctx, "fs1", []string{"/a.csv"}, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.Get(ctx, b.AssetID)
	assert.True(t, errors.IsNotFound(err))
	_, err = c.Get(ctx, a.AssetID)
	assert.NoError(t, err)
	_, err = c.Get(ctx, other.AssetID)
	assert.NoError(t, err, "other sources are untouched")

	row, err := c.Lookup(ctx, "fs1", "/b.csv")
	require.NoError(t, err)
	assert.True(t, row.Removed)
	assert.False(t, row.RemovedAt.IsZero())

	history, err := c.History(ctx, b.AssetID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ChangeRemoved, history[1].ChangeKind)
	assert.Equal(t, history[0].NewHash, history[1].PreviousHash)

	again, err := c.SoftDelete(ctx, "fs1", []string{"/a.csv"}, "run-3")
	require.NoError(t, err)
	assert.Zero(t, again, "already removed assets are not removed twice")

	revived, err := c.Upsert(ctx, fileAsset("fs1", "/b.csv", 50), "run-4")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeCreated, revived.Kind)
	assert.Equal(t, b.AssetID, revived.AssetID)

	got, err := c.Get(ctx, b.AssetID)
	require.NoError(t, err)
	assert.False(t, got.Removed)

	history, err = c.History(ctx, b.AssetID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestGetNotFound(t *testing.T) {
	c := openTestCatalog(t, time.Minute)
	_, err := c.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = c.History(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, time.Minute)

	res, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 100), "run-1")
	require.NoError(t, err)

	first, err := c.Get(ctx, res.AssetID)
	require.NoError(t, err)
	first.Tags[0] = "mutated"
	first.Metadata["owner"] = "mutated"

	second, err := c.Get(ctx, res.AssetID)
	require.NoError(t, err)
	assert.Equal(t, "format:csv", second.Tags[0])
	assert.Equal(t, "ops", second.Metadata["owner"])

	_, err = c.Upsert(ctx, fileAsset("fs1", "/a.csv", 200), "run-2")
	require.NoError(t, err)
	third, err := c.Get(ctx, res.AssetID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), third.Size, "upsert invalidates the cache")
}

func TestCacheSkipsReadsOverlappingWrites(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, time.Minute)

	res, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 100), "run-1")
	require.NoError(t, err)
	stale, err := c.Lookup(ctx, "fs1", "/a.csv")
	require.NoError(t, err)

	tests := []struct {
		name  string
		write func() error
	}{
		{
			name: "update",
			write: func() error {
				_, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 200), "run-2")
				return err
			},
		},
		{
			name: "removal",
			write: func() error {
				_, err := c.SoftDelete(ctx, "fs1", nil, "run-3")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// a read taken before the write must not be cached after it
			gen := c.generation()
			require.NoError(t, tt.write())
			assert.False(t, c.fill(res.AssetID, gen, stale))
			assert.Nil(t, c.cache.Get(res.AssetID))
		})
	}

	_, err = c.Get(ctx, res.AssetID)
	assert.True(t, errors.IsNotFound(err), "removed asset must not be served from cache")

	revived, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 300), "run-4")
	require.NoError(t, err)
	got, err := c.Get(ctx, revived.AssetID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Size)
	assert.NotNil(t, c.cache.Get(res.AssetID), "quiet reads are cached")
}

func TestRemovalScenario(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, time.Minute)

	a, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 100), "scan-1")
	require.NoError(t, err)
	b, err := c.Upsert(ctx, fileAsset("fs1", "/b.csv", 50), "scan-1")
	require.NoError(t, err)

	hits, err := c.Search(ctx, "csv", Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	updated, err := c.Upsert(ctx, fileAsset("fs1", "/a.csv", 150), "scan-2")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeUpdated, updated.Kind)
	assert.Equal(t, a.AssetID, updated.AssetID)
	_, err = c.SoftDelete(ctx, "fs1", []string{"/a.csv"}, "scan-2")
	require.NoError(t, err)

	hits, err = c.Search(ctx, "csv", Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "/a.csv", hits[0].Location)

	history, err := c.History(ctx, b.AssetID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeRemoved, history[len(history)-1].ChangeKind)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, 0)

	orders := &models.CatalogedAsset{
		Name: "orders", Type: "table", SourceID: "pg", Location: "public.orders",
		Schema: []models.Field{{Name: "customer_email", Type: models.TypeString}},
	}
	ordersArchive := &models.CatalogedAsset{
		Name: "orders_archive", Type: "table", SourceID: "pg", Location: "public.orders_archive",
	}
	export := &models.CatalogedAsset{
		Name: "export.csv", Type: "file", SourceID: "fs1", Location: "/exports/orders/export.csv",
		Tags: []string{"format:csv"},
	}
	pct := &models.CatalogedAsset{
		Name: "100%_done.txt", Type: "file", SourceID: "fs1", Location: "/misc/100%_done.txt",
	}
	// upsert order sets last seen: pct is newest
	for _, a := range []*models.CatalogedAsset{orders, export, ordersArchive, pct} {
		_, err := c.Upsert(ctx, a, "run-1")
		require.NoError(t, err)
	}

	locations := func(assets []*models.CatalogedAsset) []string {
		out := make([]string, len(assets))
		for i, a := range assets {
			out[i] = a.Location
		}
		return out
	}

	tests := []struct {
		name   string
		query  string
		filter Filter
		want   []string
	}{
		{
			name:  "exact name first then name substring then location",
			query: "orders",
			want:  []string{"public.orders", "public.orders_archive", "/exports/orders/export.csv"},
		},
		{
			name:  "case insensitive",
			query: "ORDERS",
			want:  []string{"public.orders", "public.orders_archive", "/exports/orders/export.csv"},
		},
		{
			name:  "schema field names",
			query: "email",
			want:  []string{"public.orders"},
		},
		{
			name:  "exact tag match",
			query: "format:csv",
			want:  []string{"/exports/orders/export.csv"},
		},
		{
			name:  "all terms must match",
			query: "orders csv",
			want:  []string{"/exports/orders/export.csv"},
		},
		{
			name:   "type filter",
			query:  "orders",
			filter: Filter{Type: "table"},
			want:   []string{"public.orders", "public.orders_archive"},
		},
		{
			name:   "source filter",
			query:  "",
			filter: Filter{SourceID: "fs1"},
			want:   []string{"/misc/100%_done.txt", "/exports/orders/export.csv"},
		},
		{
			name:   "limit",
			query:  "orders",
			filter: Filter{Limit: 1},
			want:   []string{"public.orders"},
		},
		{
			name:  "like wildcards are literal",
			query: "%_",
			want:  []string{"/misc/100%_done.txt"},
		},
		{
			name:  "no match",
			query: "invoices",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Search(ctx, tt.query, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, locations(got))
		})
	}
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, time.Minute)

	const writers, perWriter = 4, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			source := fmt.Sprintf("src%d", w%2)
			for i := 0; i < perWriter; i++ {
				// both writers of a source write the same locations
				_, err := c.Upsert(ctx, fileAsset(source, fmt.Sprintf("/f%02d", i), int64(i)), fmt.Sprintf("run-%d", w))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for _, source := range []string{"src0", "src1"} {
		assets, err := c.ListBySource(ctx, source)
		require.NoError(t, err)
		assert.Len(t, assets, perWriter)
	}
	n, err := c.HistoryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*perWriter, n, "one created entry per asset")
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, 0)

	_, err := c.LatestRun(ctx)
	assert.True(t, errors.IsNotFound(err))

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := &models.ScanRun{
		RunID:          "run-1",
		StartedAt:      start,
		TriggeredBy:    models.TriggerFull,
		DetectRemovals: true,
		Sources:        []string{"fs1", "pg"},
		Status:         models.RunRunning,
	}
	require.NoError(t, c.SaveRun(ctx, first))

	first.FinishedAt = start.Add(3 * time.Second)
	first.Outcomes = []models.SourceOutcome{
		{SourceID: "fs1", Status: models.OutcomeSucceeded, Discovered: 2, Created: 2, Duration: time.Second},
		{SourceID: "pg", Status: models.OutcomeFailed, Error: "refused", ErrorType: errors.ErrorTypeConnection},
	}
	first.Status = models.RunCompletedWithErrors
	require.NoError(t, c.SaveRun(ctx, first))

	second := &models.ScanRun{
		RunID:       "run-2",
		StartedAt:   start.Add(time.Minute),
		FinishedAt:  start.Add(2 * time.Minute),
		TriggeredBy: models.TriggerIncremental,
		Sources:     []string{"fs1"},
		Status:      models.RunCompleted,
	}
	require.NoError(t, c.SaveRun(ctx, second))

	got, err := c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	latest, err := c.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Empty(t, latest.Outcomes)

	runs, err := c.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[1].RunID)

	_, err = c.GetRun(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, 0)

	high, low := 0.9, 0.5
	a := fileAsset("fs1", "/a.csv", 1)
	a.QualityScore = &high
	a.PIIRisk = models.PIIRiskHigh
	b := fileAsset("fs1", "/b.csv", 1)
	b.QualityScore = &low
	tbl := &models.CatalogedAsset{Name: "t", Type: "table", SourceID: "pg", Location: "public.t"}
	gone := fileAsset("fs1", "/gone.csv", 1)

	for _, x := range []*models.CatalogedAsset{a, b, tbl, gone} {
		_, err := c.Upsert(ctx, x, "run-1")
		require.NoError(t, err)
	}
	_, err := c.SoftDelete(ctx, "fs1", []string{"/a.csv", "/b.csv"}, "run-2")
	require.NoError(t, err)

	s, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Assets)
	assert.Equal(t, 1, s.Removed)
	assert.Equal(t, map[string]int{"file": 2, "table": 1}, s.ByType)
	assert.Equal(t, map[string]int{"fs1": 2, "pg": 1}, s.BySource)
	assert.Equal(t, map[string]int{"high": 1, "none": 1, "unknown": 1}, s.ByPIIRisk)
	assert.Equal(t, 2, s.QualityKnown)
	require.NotNil(t, s.AverageQuality)
	assert.InDelta(t, 0.7, *s.AverageQuality, 1e-9)
}

func TestDialect(t *testing.T) {
	d, err := dialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", d.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	d, err = dialectFor("")
	require.NoError(t, err)
	assert.Equal(t, "x = ?", d.rebind("x = ?"))

	_, err = dialectFor("oracle")
	assert.True(t, errors.IsConfig(err))

	assert.Equal(t, "file:atlas.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN(""))
	assert.Equal(t, "file:x.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("file:x.db?mode=rwc"))
	assert.Equal(t, "file:y.db?_pragma=foreign_keys(1)", sqliteDSN("file:y.db?_pragma=foreign_keys(1)"))
}

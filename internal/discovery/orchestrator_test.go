package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/catalog"
	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/extract"
	"github.com/ajitpratap0/atlas/pkg/models"
	"github.com/ajitpratap0/atlas/pkg/testutil"
)

type fixture struct {
	reg  *registry.Registry
	cat  *catalog.Catalog
	orch *Orchestrator
}

func newFixture(t *testing.T, cfg config.MonitoringConfig, conns map[string]*testutil.StaticConnector) *fixture {
	t.Helper()
	cat, err := catalog.Open(context.Background(), config.CatalogConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	reg := registry.New()
	for id, c := range conns {
		require.NoError(t, reg.Register(id, c, nil))
	}
	return &fixture{
		reg:  reg,
		cat:  cat,
		orch: New(reg, extract.New(config.ExtractionConfig{}), cat, cfg),
	}
}

func defaultConfig() config.MonitoringConfig {
	cfg := config.DefaultMonitoringConfig()
	cfg.PerConnectorTimeout = 5 * time.Second
	return cfg
}

func historyCount(t *testing.T, cat *catalog.Catalog) int {
	t.Helper()
	n, err := cat.HistoryCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestRunFullScanIdempotent(t *testing.T) {
	fs1 := testutil.NewStaticConnector(
		testutil.Asset("fs1", "/a.csv", 100),
		testutil.Asset("fs1", "/b.csv", 50),
	)
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": fs1})
	ctx := context.Background()

	first, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, first.Status)
	assert.Equal(t, 2, first.Totals().Created)
	assert.Equal(t, 2, historyCount(t, f.cat))

	before, err := f.cat.ListBySource(ctx, "fs1")
	require.NoError(t, err)

	second, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, second.Status)
	assert.Equal(t, 2, second.Totals().Unchanged)
	assert.Zero(t, second.Totals().Created+second.Totals().Updated+second.Totals().Removed)
	assert.Equal(t, 2, historyCount(t, f.cat), "no history beyond the initial creation")

	after, err := f.cat.ListBySource(ctx, "fs1")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].AssetID, after[i].AssetID)
		assert.Equal(t, before[i].Fingerprint, after[i].Fingerprint)
	}
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestFailureIsolation(t *testing.T) {
	broken := testutil.NewStaticConnector()
	broken.SetDiscoverError(fmt.Errorf("dial tcp: connection refused"))
	b := testutil.NewStaticConnector(testutil.Asset("b", "/x.csv", 1))
	c := testutil.NewStaticConnector(testutil.Asset("c", "/y.csv", 2), testutil.Asset("c", "/z.csv", 3))

	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"a": broken, "b": b, "c": c})
	run, err := f.orch.RunFullScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunCompletedWithErrors, run.Status)
	assert.Equal(t, []string{"a"}, run.FailedSources())
	assert.True(t, errors.IsType(run.Err(), errors.ErrorTypePartialScan))

	a, ok := run.Outcome("a")
	require.True(t, ok)
	assert.Equal(t, models.OutcomeFailed, a.Status)
	assert.Equal(t, errors.ErrorTypeConnection, a.ErrorType)
	assert.Contains(t, a.Error, "connection refused")

	for id, want := range map[string]int{"b": 1, "c": 2} {
		o, ok := run.Outcome(id)
		require.True(t, ok)
		assert.Equal(t, models.OutcomeSucceeded, o.Status)
		assets, err := f.cat.ListBySource(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, assets, want)
	}

	persisted, err := f.cat.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompletedWithErrors, persisted.Status)
}

func TestAllSourcesFailed(t *testing.T) {
	a := testutil.NewStaticConnector()
	a.SetDiscoverError(fmt.Errorf("boom"))
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"a": a})

	run, err := f.orch.RunFullScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
}

func TestNoEnabledSources(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	run, err := f.orch.RunFullScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Empty(t, run.Outcomes)
}

func TestEmptySourceIsSuccess(t *testing.T) {
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"empty": testutil.NewStaticConnector()})
	run, err := f.orch.RunScan(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.TriggerManualSource, run.TriggeredBy)
}

func TestRemovalScenario(t *testing.T) {
	fs1 := testutil.NewStaticConnector(
		testutil.Asset("fs1", "/a.csv", 100),
		testutil.Asset("fs1", "/b.csv", 50),
	)
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": fs1})
	ctx := context.Background()

	_, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)
	a1, err := f.cat.Lookup(ctx, "fs1", "/a.csv")
	require.NoError(t, err)
	b1, err := f.cat.Lookup(ctx, "fs1", "/b.csv")
	require.NoError(t, err)

	fs1.SetAssets(testutil.Asset("fs1", "/a.csv", 150))
	run, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)
	o, _ := run.Outcome("fs1")
	assert.Equal(t, 1, o.Updated)
	assert.Equal(t, 1, o.Removed)

	a2, err := f.cat.Get(ctx, a1.AssetID)
	require.NoError(t, err)
	assert.Equal(t, a1.AssetID, a2.AssetID)
	assert.NotEqual(t, a1.Fingerprint.ContentHash, a2.Fingerprint.ContentHash)

	_, err = f.cat.Get(ctx, b1.AssetID)
	assert.True(t, errors.IsNotFound(err))
	hist, err := f.cat.History(ctx, b1.AssetID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, models.ChangeRemoved, hist[1].ChangeKind)

	found, err := f.cat.Search(ctx, "csv", catalog.Filter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "/a.csv", found[0].Location)
}

func TestIncrementalScanKeepsMissingAssets(t *testing.T) {
	fs1 := testutil.NewStaticConnector(testutil.Asset("fs1", "/a.csv", 1), testutil.Asset("fs1", "/b.csv", 1))
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": fs1})
	ctx := context.Background()

	_, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)

	fs1.SetAssets(testutil.Asset("fs1", "/a.csv", 1))
	run, err := f.orch.RunScan(ctx, "fs1", WithTrigger(models.TriggerIncremental))
	require.NoError(t, err)
	assert.False(t, run.DetectRemovals)
	o, _ := run.Outcome("fs1")
	assert.Zero(t, o.Removed)

	run, err = f.orch.RunScan(ctx, "fs1", WithRemovalDetection())
	require.NoError(t, err)
	o, _ = run.Outcome("fs1")
	assert.Equal(t, 1, o.Removed)
}

func TestNoRemovalAfterFailedScan(t *testing.T) {
	fs1 := testutil.NewStaticConnector(testutil.Asset("fs1", "/a.csv", 1), testutil.Asset("fs1", "/b.csv", 1))
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": fs1})
	ctx := context.Background()

	_, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)

	fs1.SetAssets(testutil.Asset("fs1", "/a.csv", 1))
	fs1.SetStreamError(fmt.Errorf("listing interrupted"))
	run, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)

	assets, err := f.cat.ListBySource(ctx, "fs1")
	require.NoError(t, err)
	assert.Len(t, assets, 2, "a failed scan never marks assets removed")
}

func TestPerConnectorTimeout(t *testing.T) {
	slow := testutil.NewStaticConnector(testutil.Asset("slow", "/a.csv", 1))
	slow.SetDelay(time.Minute)
	fast := testutil.NewStaticConnector(testutil.Asset("fast", "/a.csv", 1))

	cfg := defaultConfig()
	cfg.PerConnectorTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, map[string]*testutil.StaticConnector{"slow": slow, "fast": fast})

	start := time.Now()
	run, err := f.orch.RunFullScan(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, models.RunCompletedWithErrors, run.Status)
	o, _ := run.Outcome("slow")
	assert.Equal(t, models.OutcomeTimedOut, o.Status)
	assert.Equal(t, errors.ErrorTypeTimeout, o.ErrorType)
	o, _ = run.Outcome("fast")
	assert.Equal(t, models.OutcomeSucceeded, o.Status)
}

// stuckConnector delegates to seed until stuck is set. From then on it
// ignores its context: it blocks in Discover or in the stream for hang, then
// ends cleanly after emitting partial.
type stuckConnector struct {
	seed       core.Connector
	stuck      atomic.Bool
	hang       time.Duration
	inDiscover bool
	partial    []*core.RawAsset
}

func (c *stuckConnector) Name() string                     { return "stuck" }
func (c *stuckConnector) Capabilities() core.CapabilitySet { return nil }

func (c *stuckConnector) TestConnection(context.Context) core.ConnectionStatus {
	return core.ConnectionStatus{OK: true}
}

func (c *stuckConnector) Discover(ctx context.Context) (*core.AssetStream, error) {
	if !c.stuck.Load() {
		return c.seed.Discover(ctx)
	}
	if c.inDiscover {
		time.Sleep(c.hang)
	}
	assets := make(chan *core.RawAsset, len(c.partial))
	errs := make(chan error, 1)
	go func() {
		if !c.inDiscover {
			time.Sleep(c.hang)
		}
		for _, a := range c.partial {
			assets <- a
		}
		close(assets)
		close(errs)
	}()
	return &core.AssetStream{Assets: assets, Errors: errs}, nil
}

func TestTimeoutWithConnectorIgnoringContext(t *testing.T) {
	tests := []struct {
		name       string
		inDiscover bool
	}{
		{name: "stream blocks", inDiscover: false},
		{name: "discover blocks", inDiscover: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := testutil.NewStaticConnector(testutil.Asset("stuck", "/a.csv", 1), testutil.Asset("stuck", "/b.csv", 1))
			fast := testutil.NewStaticConnector(testutil.Asset("fast", "/a.csv", 1))
			cfg := defaultConfig()
			cfg.PerConnectorTimeout = 50 * time.Millisecond
			f := newFixture(t, cfg, map[string]*testutil.StaticConnector{"fast": fast})
			ctx := context.Background()

			conn := &stuckConnector{
				seed:       seed,
				hang:       time.Second,
				inDiscover: tt.inDiscover,
				partial:    []*core.RawAsset{testutil.Asset("stuck", "/a.csv", 1)},
			}
			require.NoError(t, f.reg.Register("stuck", conn, nil))
			_, err := f.orch.RunScan(ctx, "stuck")
			require.NoError(t, err)
			conn.stuck.Store(true)

			start := time.Now()
			run, err := f.orch.RunFullScan(ctx)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 800*time.Millisecond)

			assert.Equal(t, models.RunCompletedWithErrors, run.Status)
			o, _ := run.Outcome("stuck")
			assert.Equal(t, models.OutcomeTimedOut, o.Status)
			assert.Equal(t, errors.ErrorTypeTimeout, o.ErrorType)
			assert.Zero(t, o.Removed)
			o, _ = run.Outcome("fast")
			assert.Equal(t, models.OutcomeSucceeded, o.Status)

			assets, err := f.cat.ListBySource(ctx, "stuck")
			require.NoError(t, err)
			assert.Len(t, assets, 2, "a timed out source never marks assets removed")
		})
	}
}

func TestSourceTimeoutOverride(t *testing.T) {
	slow := testutil.NewStaticConnector(testutil.Asset("slow", "/a.csv", 1))
	slow.SetDelay(100 * time.Millisecond)

	cat, err := catalog.Open(context.Background(), config.CatalogConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	defer cat.Close()
	reg := registry.New()
	require.NoError(t, reg.Register("slow", slow, nil))

	cfg := defaultConfig()
	cfg.PerConnectorTimeout = 10 * time.Millisecond
	orch := New(reg, extract.New(config.ExtractionConfig{}), cat, cfg,
		WithSourceTimeouts(map[string]time.Duration{"slow": 5 * time.Second}))

	run, err := orch.RunScan(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestDuplicateLocations(t *testing.T) {
	dup := testutil.NewStaticConnector(
		testutil.Asset("fs1", "/a.csv", 1),
		testutil.Asset("fs1", "/a.csv", 2),
	)
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": dup})
	ctx := context.Background()

	run, err := f.orch.RunScan(ctx, "fs1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	o, _ := run.Outcome("fs1")
	assert.Equal(t, 2, o.Discovered)
	assert.Equal(t, 1, o.Duplicates)
	require.Len(t, o.Warnings, 1)

	got, err := f.cat.Lookup(ctx, "fs1", "/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Size, "last write wins")
}

func TestCancellation(t *testing.T) {
	gated := testutil.NewStaticConnector(testutil.Asset("fs1", "/a.csv", 1))
	gated.Gate()
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": gated})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for gated.InFlight() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	run, err := f.orch.RunFullScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)
	o, _ := run.Outcome("fs1")
	assert.Equal(t, models.OutcomeCancelled, o.Status)
	assert.True(t, errors.IsType(run.Err(), errors.ErrorTypeCancelled))

	persisted, err := f.cat.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, persisted.Status)
}

func TestConcurrentRunScan(t *testing.T) {
	mk := func(id string, n int) *testutil.StaticConnector {
		var assets []*core.RawAsset
		for i := 0; i < n; i++ {
			assets = append(assets, testutil.Asset(id, fmt.Sprintf("/f%03d.csv", i), int64(i)))
		}
		return testutil.NewStaticConnector(assets...)
	}
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{
		"left":  mk("left", 40),
		"right": mk("right", 60),
	})

	var wg sync.WaitGroup
	runs := make([]*models.ScanRun, 2)
	for i, id := range []string{"left", "right"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := f.orch.RunScan(context.Background(), id)
			assert.NoError(t, err)
			runs[i] = run
		}()
	}
	wg.Wait()

	for _, run := range runs {
		require.NotNil(t, run)
		assert.Equal(t, models.RunCompleted, run.Status)
	}
	for id, want := range map[string]int{"left": 40, "right": 60} {
		assets, err := f.cat.ListBySource(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, assets, want)
		ids := make(map[string]bool)
		for _, a := range assets {
			ids[a.AssetID] = true
			assert.Equal(t, id, a.SourceID)
		}
		assert.Len(t, ids, want)
	}
}

func TestRunScanConfigErrors(t *testing.T) {
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": testutil.NewStaticConnector()})
	ctx := context.Background()

	_, err := f.orch.RunScan(ctx, "nope")
	assert.True(t, errors.IsConfig(err))

	require.NoError(t, f.reg.Disable("fs1"))
	_, err = f.orch.RunScan(ctx, "fs1")
	assert.True(t, errors.IsConfig(err))

	require.NoError(t, f.reg.Enable("fs1"))
	_, err = f.orch.RunScan(ctx, "fs1", WithTrigger("sometimes"))
	assert.True(t, errors.IsConfig(err))

	runs, err := f.cat.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "config errors record no run")
}

func TestDisabledSourceSkippedByFullScan(t *testing.T) {
	on := testutil.NewStaticConnector(testutil.Asset("on", "/a", 1))
	off := testutil.NewStaticConnector(testutil.Asset("off", "/a", 1))
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"on": on, "off": off})
	require.NoError(t, f.reg.Disable("off"))

	run, err := f.orch.RunFullScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"on"}, run.Sources)
	assert.Zero(t, off.Calls())
}

func TestWorkerLimit(t *testing.T) {
	conns := make(map[string]*testutil.StaticConnector)
	var all []*testutil.StaticConnector
	for i := 0; i < 6; i++ {
		c := testutil.NewStaticConnector(testutil.Asset("s", "/a", 1))
		c.SetDelay(30 * time.Millisecond)
		conns[fmt.Sprintf("s%d", i)] = c
		all = append(all, c)
	}
	cfg := defaultConfig()
	cfg.MaxConcurrentConnectors = 2
	f := newFixture(t, cfg, conns)

	var mu sync.Mutex
	peak := 0
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := 0
			for _, c := range all {
				n += c.InFlight()
			}
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	run, err := f.orch.RunFullScan(context.Background())
	close(stop)
	<-done
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.LessOrEqual(t, peak, 2)
}

// failingCatalog rejects writes for one location.
type failingCatalog struct {
	*catalog.Catalog
	fail string
}

func (f *failingCatalog) Upsert(ctx context.Context, a *models.CatalogedAsset, runID string) (models.UpsertResult, error) {
	if a.Location == f.fail {
		return models.UpsertResult{}, errors.New(errors.ErrorTypeCatalogWrite, "disk full")
	}
	return f.Catalog.Upsert(ctx, a, runID)
}

func TestCatalogWriteErrorIsContained(t *testing.T) {
	fs1 := testutil.NewStaticConnector(
		testutil.Asset("fs1", "/a.csv", 1),
		testutil.Asset("fs1", "/bad.csv", 1),
		testutil.Asset("fs1", "/c.csv", 1),
	)
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": fs1})
	orch := New(f.reg, extract.New(config.ExtractionConfig{}), &failingCatalog{Catalog: f.cat, fail: "/bad.csv"}, defaultConfig())

	run, err := orch.RunFullScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	o, _ := run.Outcome("fs1")
	assert.Equal(t, 1, o.WriteErrors)
	assert.Equal(t, 2, o.Created)
	assert.Equal(t, run.RunID, orch.LatestRun().RunID)
}

func TestDegradedExtraction(t *testing.T) {
	bad := testutil.Asset("fs1", "/a.csv", 1)
	bad.Sample = &core.Sample{Err: fmt.Errorf("permission denied")}
	f := newFixture(t, defaultConfig(), map[string]*testutil.StaticConnector{"fs1": testutil.NewStaticConnector(bad)})
	ctx := context.Background()

	run, err := f.orch.RunScan(ctx, "fs1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	o, _ := run.Outcome("fs1")
	assert.Equal(t, 1, o.Degraded)
	assert.Equal(t, 1, o.Created)

	got, err := f.cat.Lookup(ctx, "fs1", "/a.csv")
	require.NoError(t, err)
	assert.Equal(t, models.PIIRiskUnknown, got.PIIRisk)
	assert.Nil(t, got.QualityScore)
}

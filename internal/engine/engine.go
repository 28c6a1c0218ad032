// Package engine assembles the discovery and cataloging engine from a
// config.Config: the connector registry, the asset catalog, the extractor,
// the discovery orchestrator and the monitoring scheduler. It is the single
// surface the CLI (or any host) drives.
//
// # Basic Usage
//
//	cfg, err := config.Load("atlas.yaml")
//	if err != nil {
//	    return err
//	}
//	eng, err := engine.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
//	run, err := eng.RunFullScan(ctx)
//	assets, err := eng.Search(ctx, "orders", catalog.Filter{Type: "table"})
package engine

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/atlas/internal/discovery"
	"github.com/ajitpratap0/atlas/internal/monitor"
	"github.com/ajitpratap0/atlas/pkg/catalog"
	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/extract"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/models"

	// connector variants register their factories on import
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources"
)

// Engine owns one registry, catalog, orchestrator and scheduler.
type Engine struct {
	cfg          *config.Config
	registry     *registry.Registry
	catalog      *catalog.Catalog
	orchestrator *discovery.Orchestrator
	monitor      *monitor.Monitor
	logger       *zap.Logger

	connTimeouts map[string]time.Duration
	closeOnce    sync.Once
	closeErr     error
}

type options struct {
	connectors map[string]core.Connector
	clock      func() time.Time
}

// Option configures New.
type Option func(*options)

// WithConnector registers an already-built connector in addition to the
// configured sources.
func WithConnector(sourceID string, conn core.Connector) Option {
	return func(o *options) { o.connectors[sourceID] = conn }
}

// WithClock replaces time.Now for catalog and run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// SourceStatus is the connection test result of one source.
type SourceStatus struct {
	SourceID string `json:"source_id"`
	Type     string `json:"type"`
	core.ConnectionStatus
	Error string `json:"error,omitempty"`
}

// New validates cfg, creates every configured connector and opens the
// catalog. A source that cannot be created fails New with a config error.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	o := options{connectors: make(map[string]core.Connector)}
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.Get().With(zap.String("component", "engine"))
	reg := registry.New()
	discoveryTimeouts := make(map[string]time.Duration)
	connTimeouts := make(map[string]time.Duration)
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if err := reg.RegisterConfig(src); err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
		if src.Timeouts.Discovery > 0 {
			discoveryTimeouts[src.ID] = src.Timeouts.Discovery
		}
		if src.Timeouts.Connection > 0 {
			connTimeouts[src.ID] = src.Timeouts.Connection
		}
	}
	ids := make([]string, 0, len(o.connectors))
	for id := range o.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := reg.Register(id, o.connectors[id], nil); err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
	}

	var catOpts []catalog.Option
	var orchOpts []discovery.Option
	orchOpts = append(orchOpts, discovery.WithSourceTimeouts(discoveryTimeouts))
	if o.clock != nil {
		catOpts = append(catOpts, catalog.WithClock(o.clock))
		orchOpts = append(orchOpts, discovery.WithClock(o.clock))
	}
	cat, err := catalog.Open(ctx, cfg.Catalog, catOpts...)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}

	orch := discovery.New(reg, extract.New(cfg.Extraction), cat, cfg.Monitoring, orchOpts...)
	e := &Engine{
		cfg:          cfg,
		registry:     reg,
		catalog:      cat,
		orchestrator: orch,
		monitor:      monitor.New(orch, reg, cfg.Monitoring),
		logger:       log,
		connTimeouts: connTimeouts,
	}
	log.Info("engine ready",
		zap.Int("sources", len(reg.Sources())),
		zap.String("catalog_driver", cfg.Catalog.Driver))
	return e, nil
}

// Registry exposes the connector registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// RunFullScan scans every enabled source with removal detection.
func (e *Engine) RunFullScan(ctx context.Context) (*models.ScanRun, error) {
	return e.orchestrator.RunFullScan(ctx)
}

// RunScan scans one source.
func (e *Engine) RunScan(ctx context.Context, sourceID string, opts ...discovery.ScanOption) (*models.ScanRun, error) {
	return e.orchestrator.RunScan(ctx, sourceID, opts...)
}

// StartMonitoring starts the scheduler.
func (e *Engine) StartMonitoring(ctx context.Context) error {
	return e.monitor.Start(ctx)
}

// StopMonitoring stops the scheduler and waits for in-flight scans.
func (e *Engine) StopMonitoring(ctx context.Context) error {
	return e.monitor.Stop(ctx)
}

// IsMonitoring reports whether the scheduler is running.
func (e *Engine) IsMonitoring() bool {
	return e.monitor.IsRunning()
}

// MonitorState returns the scheduler state of a source.
func (e *Engine) MonitorState(sourceID string) monitor.State {
	return e.monitor.State(sourceID)
}

// Notify reports an out-of-band change in a source to the scheduler.
func (e *Engine) Notify(sourceID string) error {
	return e.monitor.Notify(sourceID)
}

// Search queries live assets.
func (e *Engine) Search(ctx context.Context, query string, f catalog.Filter) ([]*models.CatalogedAsset, error) {
	return e.catalog.Search(ctx, query, f)
}

// Get returns a live asset by id.
func (e *Engine) Get(ctx context.Context, assetID string) (*models.CatalogedAsset, error) {
	return e.catalog.Get(ctx, assetID)
}

// ListBySource returns the live assets of a source.
func (e *Engine) ListBySource(ctx context.Context, sourceID string) ([]*models.CatalogedAsset, error) {
	return e.catalog.ListBySource(ctx, sourceID)
}

// History returns the change history of an asset, including removal.
func (e *Engine) History(ctx context.Context, assetID string) ([]models.HistoryEntry, error) {
	return e.catalog.History(ctx, assetID)
}

// LatestRun returns the most recent run of this process, falling back to the
// newest persisted run.
func (e *Engine) LatestRun(ctx context.Context) (*models.ScanRun, error) {
	if run := e.orchestrator.LatestRun(); run != nil {
		return run, nil
	}
	return e.catalog.LatestRun(ctx)
}

// GetRun returns a persisted run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.ScanRun, error) {
	return e.catalog.GetRun(ctx, runID)
}

// ListRuns returns up to limit runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]*models.ScanRun, error) {
	return e.catalog.ListRuns(ctx, limit)
}

// Stats summarizes the catalog.
func (e *Engine) Stats(ctx context.Context) (*catalog.Stats, error) {
	return e.catalog.Stats(ctx)
}

// Sources describes the registered sources.
func (e *Engine) Sources() []registry.SourceInfo {
	return e.registry.Sources()
}

// Enable re-enables a source.
func (e *Engine) Enable(sourceID string) error {
	return e.registry.Enable(sourceID)
}

// Disable excludes a source from scans and monitoring.
func (e *Engine) Disable(sourceID string) error {
	return e.registry.Disable(sourceID)
}

// TestConnection tests one enabled source.
func (e *Engine) TestConnection(ctx context.Context, sourceID string) (SourceStatus, error) {
	conn, err := e.registry.Get(sourceID)
	if err != nil {
		return SourceStatus{}, err
	}
	return e.testConnection(ctx, sourceID, conn), nil
}

// TestConnections tests every enabled source in parallel, each under its
// connection timeout. Results are sorted by source id.
func (e *Engine) TestConnections(ctx context.Context) []SourceStatus {
	ids := e.registry.Enabled()
	out := make([]SourceStatus, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i, id := range ids {
		g.Go(func() error {
			conn, err := e.registry.Get(id)
			if err != nil {
				out[i] = SourceStatus{SourceID: id, Error: err.Error()}
				return nil
			}
			out[i] = e.testConnection(gctx, id, conn)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) testConnection(ctx context.Context, sourceID string, conn core.Connector) SourceStatus {
	timeout, ok := e.connTimeouts[sourceID]
	if !ok {
		timeout = e.cfg.Monitoring.PerConnectorTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status := conn.TestConnection(ctx)
	if !status.OK && status.Err == nil && ctx.Err() != nil {
		status.Err = errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "connection test timed out")
	}
	res := SourceStatus{SourceID: sourceID, Type: conn.Name(), ConnectionStatus: status}
	if status.Err != nil {
		res.Error = status.Err.Error()
	}
	e.logger.Debug("connection tested",
		zap.String("source_id", sourceID),
		zap.Bool("ok", status.OK),
		zap.Duration("latency", status.Latency))
	return res
}

func (e *Engine) workers() int {
	if n := e.cfg.Monitoring.MaxConcurrentConnectors; n > 0 {
		return n
	}
	return config.DefaultMaxConcurrentConnectors
}

// Close stops monitoring, then releases connectors and the catalog.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.monitor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = stderrors.Join(errs...)
	})
	return e.closeErr
}

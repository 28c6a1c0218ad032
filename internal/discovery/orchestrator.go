// Package discovery runs scans: it fans out to the enabled connectors under
// a worker limit and a per-connector timeout, and streams every discovered
// asset through extraction, fingerprinting and the catalog.
//
// # Basic Usage
//
//	orch := discovery.New(registry, extract.New(cfg.Extraction), cat, cfg.Monitoring)
//
//	// Scan every enabled source, detecting removals
//	run, err := orch.RunFullScan(ctx)
//
//	// Rescan one source
//	run, err = orch.RunScan(ctx, "fs1", discovery.WithTrigger(models.TriggerIncremental))
//
// Only configuration errors (unknown or disabled source, invalid trigger)
// are returned as errors. Source failures are recorded in the run outcomes;
// use ScanRun.Err to turn a partial run into an error.
package discovery

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/metrics"
	"github.com/ajitpratap0/atlas/pkg/models"
	"github.com/ajitpratap0/atlas/pkg/observability"
)

// Sources resolves the connectors taking part in a scan.
type Sources interface {
	Enabled() []string
	Get(sourceID string) (core.Connector, error)
}

// Extractor enriches raw assets.
type Extractor interface {
	Extract(ctx context.Context, raw *core.RawAsset) (*models.CatalogedAsset, error)
}

// Catalog persists assets and runs.
type Catalog interface {
	Upsert(ctx context.Context, asset *models.CatalogedAsset, runID string) (models.UpsertResult, error)
	SoftDelete(ctx context.Context, sourceID string, present []string, runID string) (int, error)
	SaveRun(ctx context.Context, run *models.ScanRun) error
}

// Orchestrator runs scans. It is safe for concurrent use; concurrent scans
// of different sources are independent.
type Orchestrator struct {
	sources   Sources
	extractor Extractor
	catalog   Catalog

	workers       int
	timeout       time.Duration
	sourceTimeout map[string]time.Duration

	now    func() time.Time
	newID  func() string
	logger *zap.Logger

	mu     sync.Mutex
	latest *models.ScanRun
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSourceTimeouts overrides the per-connector timeout of some sources.
func WithSourceTimeouts(timeouts map[string]time.Duration) Option {
	return func(o *Orchestrator) {
		for id, d := range timeouts {
			if d > 0 {
				o.sourceTimeout[id] = d
			}
		}
	}
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an orchestrator bounded by the worker limit and per-connector
// timeout of cfg.
func New(sources Sources, extractor Extractor, catalog Catalog, cfg config.MonitoringConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sources:       sources,
		extractor:     extractor,
		catalog:       catalog,
		workers:       cfg.MaxConcurrentConnectors,
		timeout:       cfg.PerConnectorTimeout,
		sourceTimeout: make(map[string]time.Duration),
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        logger.Get().With(zap.String("component", "discovery")),
	}
	if o.workers <= 0 {
		o.workers = config.DefaultMaxConcurrentConnectors
	}
	if o.timeout <= 0 {
		o.timeout = config.DefaultPerConnectorTimeout
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type scanOptions struct {
	trigger        models.Trigger
	detectRemovals bool
}

// ScanOption configures RunScan.
type ScanOption func(*scanOptions)

// WithTrigger records what started the scan. The default is manual-source.
func WithTrigger(t models.Trigger) ScanOption {
	return func(s *scanOptions) { s.trigger = t }
}

// WithRemovalDetection soft-deletes assets of the source that the scan did
// not observe, provided the source scan succeeds.
func WithRemovalDetection() ScanOption {
	return func(s *scanOptions) { s.detectRemovals = true }
}

// RunFullScan scans every enabled source with removal detection. A registry
// with no enabled source yields a completed, empty run.
func (o *Orchestrator) RunFullScan(ctx context.Context) (*models.ScanRun, error) {
	ids := o.sources.Enabled()
	conns := make([]core.Connector, 0, len(ids))
	active := make([]string, 0, len(ids))
	for _, id := range ids {
		conn, err := o.sources.Get(id)
		if err != nil {
			// disabled between Enabled and Get
			o.logger.Debug("source left the scan", zap.String("source_id", id), zap.Error(err))
			continue
		}
		conns = append(conns, conn)
		active = append(active, id)
	}
	return o.run(ctx, models.TriggerFull, true, active, conns), nil
}

// RunScan scans a single source. Unknown or disabled sources fail fast with
// a config error and no run is recorded.
func (o *Orchestrator) RunScan(ctx context.Context, sourceID string, opts ...ScanOption) (*models.ScanRun, error) {
	so := scanOptions{trigger: models.TriggerManualSource}
	for _, opt := range opts {
		opt(&so)
	}
	if !so.trigger.Valid() {
		return nil, errors.New(errors.ErrorTypeConfig, "invalid scan trigger").WithDetail("trigger", string(so.trigger))
	}
	conn, err := o.sources.Get(sourceID)
	if err != nil {
		return nil, err
	}
	detect := so.detectRemovals || so.trigger == models.TriggerFull
	return o.run(ctx, so.trigger, detect, []string{sourceID}, []core.Connector{conn}), nil
}

// LatestRun returns the most recent run finished by this orchestrator, or
// nil before the first scan.
func (o *Orchestrator) LatestRun() *models.ScanRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest
}

func (o *Orchestrator) run(ctx context.Context, trigger models.Trigger, detect bool, ids []string, conns []core.Connector) *models.ScanRun {
	run := &models.ScanRun{
		RunID:          o.newID(),
		StartedAt:      o.now().UTC(),
		TriggeredBy:    trigger,
		DetectRemovals: detect,
		Sources:        append([]string{}, ids...),
		Status:         models.RunRunning,
	}
	ctx = logger.ContextWithRun(ctx, run.RunID, string(trigger))
	ctx, span := observability.NewSpan(ctx, "discovery.run")
	defer span.End()
	span.SetAttribute("run_id", run.RunID)
	span.SetAttribute("trigger", string(trigger))
	span.SetAttribute("sources", len(ids))

	log := logger.FromContext(ctx, o.logger)
	log.Info("scan run started", zap.Strings("sources", ids), zap.Bool("detect_removals", detect))
	o.saveRun(ctx, run)

	outcomes := make([]models.SourceOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i := range ids {
		g.Go(func() error {
			outcomes[i] = o.scanSource(ctx, run.RunID, ids[i], conns[i], detect)
			return nil
		})
	}
	_ = g.Wait()

	run.Outcomes = outcomes
	run.SortOutcomes()
	run.FinishedAt = o.now().UTC()
	run.Status = models.DeriveStatus(outcomes, ctx.Err() != nil)
	o.saveRun(ctx, run)

	metrics.ScanRuns.WithLabelValues(string(trigger), string(run.Status)).Inc()
	span.SetAttribute("status", string(run.Status))
	span.RecordError(run.Err())

	totals := run.Totals()
	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Duration("duration", run.Duration()),
		zap.Int("discovered", totals.Discovered),
		zap.Int("created", totals.Created),
		zap.Int("updated", totals.Updated),
		zap.Int("unchanged", totals.Unchanged),
		zap.Int("removed", totals.Removed),
		zap.Int("write_errors", totals.WriteErrors),
	}
	if failed := run.FailedSources(); len(failed) > 0 {
		fields = append(fields, zap.Strings("failed_sources", failed))
		log.Warn("scan run finished with errors", fields...)
	} else {
		log.Info("scan run finished", fields...)
	}

	o.mu.Lock()
	o.latest = run
	o.mu.Unlock()
	return run
}

// saveRun persists the run. The write is not cancelled with the scan so a
// cancelled run is still recorded.
func (o *Orchestrator) saveRun(ctx context.Context, run *models.ScanRun) {
	if err := o.catalog.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		logger.FromContext(ctx, o.logger).Error("failed to persist scan run", zap.Error(err))
	}
}

func (o *Orchestrator) timeoutFor(sourceID string) time.Duration {
	if d, ok := o.sourceTimeout[sourceID]; ok {
		return d
	}
	return o.timeout
}

// classify turns a source-level failure into an outcome status. Parent
// cancellation wins over the per-connector deadline.
func classify(parent, scoped context.Context, err error) (models.OutcomeStatus, error) {
	switch {
	case parent.Err() != nil:
		return models.OutcomeCancelled, errors.Wrap(parent.Err(), errors.ErrorTypeCancelled, "scan cancelled")
	case stderrors.Is(scoped.Err(), context.DeadlineExceeded):
		return models.OutcomeTimedOut, errors.Wrap(err, errors.ErrorTypeTimeout, "connector timed out")
	case errors.IsType(err, errors.ErrorTypeTimeout):
		return models.OutcomeTimedOut, err
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		return models.OutcomeFailed, err
	}
	return models.OutcomeFailed, errors.Wrap(err, errors.ErrorTypeConnection, "connector failed")
}

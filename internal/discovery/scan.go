package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/fingerprint"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/metrics"
	"github.com/ajitpratap0/atlas/pkg/models"
	"github.com/ajitpratap0/atlas/pkg/observability"
)

// maxWarnings bounds the warnings kept on one outcome.
const maxWarnings = 20

// scanSource runs one connector and streams its assets into the catalog.
// It never returns an error: every failure ends up in the outcome.
func (o *Orchestrator) scanSource(ctx context.Context, runID, sourceID string, conn core.Connector, detect bool) models.SourceOutcome {
	timer := metrics.NewTimer()
	outcome := models.SourceOutcome{SourceID: sourceID}

	ctx = logger.ContextWithSource(ctx, sourceID)
	ctx, span := observability.NewSpan(ctx, "discovery.source")
	defer span.End()
	span.SetAttribute("source_id", sourceID)
	span.SetAttribute("connector", conn.Name())
	log := logger.FromContext(ctx, o.logger)

	metrics.ScansInFlight.Inc()
	defer metrics.ScansInFlight.Dec()

	finish := func(status models.OutcomeStatus, err error) models.SourceOutcome {
		outcome.Status = status
		outcome.Duration = timer.Stop()
		if err != nil {
			outcome.Error = err.Error()
			var typed *errors.Error
			if errors.As(err, &typed) {
				outcome.ErrorType = typed.Type
			}
			span.RecordError(err)
			log.Warn("source scan failed",
				zap.String("status", string(status)),
				zap.Int("written", outcome.Written()),
				zap.Error(err))
		}
		metrics.SourceScanDuration.WithLabelValues(sourceID, string(status)).Observe(outcome.Duration.Seconds())
		span.SetAttribute("status", string(status))
		span.SetAttribute("discovered", outcome.Discovered)
		return outcome
	}

	if ctx.Err() != nil {
		return finish(models.OutcomeCancelled, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "scan cancelled"))
	}

	scoped, cancel := context.WithTimeout(ctx, o.timeoutFor(sourceID))
	defer cancel()

	stream, err := discover(scoped, conn)
	if err != nil {
		return finish(classify(ctx, scoped, err))
	}

	present := make(map[string]struct{})
consume:
	for {
		select {
		case raw, ok := <-stream.Assets:
			if !ok {
				break consume
			}
			outcome.Discovered++
			raw.SourceID = sourceID

			if _, dup := present[raw.Location]; dup {
				outcome.Duplicates++
				o.warn(&outcome, fmt.Sprintf("duplicate location %s: last write wins", raw.Location))
				log.Warn("duplicate location in scan", zap.String("location", raw.Location))
			}
			// observed assets count as present even when their write fails
			present[raw.Location] = struct{}{}
			o.ingest(scoped, log, runID, raw, &outcome)
		case <-scoped.Done():
			go abandon(stream)
			return finish(classify(ctx, scoped, scoped.Err()))
		}
	}

	var streamErr error
	select {
	case streamErr = <-stream.Errors:
	case <-scoped.Done():
		go abandon(stream)
		return finish(classify(ctx, scoped, scoped.Err()))
	}
	if streamErr != nil {
		return finish(classify(ctx, scoped, streamErr))
	}
	// a connector that ignores its context can end cleanly after the deadline
	// with a truncated listing
	if scoped.Err() != nil {
		return finish(classify(ctx, scoped, scoped.Err()))
	}

	if detect {
		locations := make([]string, 0, len(present))
		for loc := range present {
			locations = append(locations, loc)
		}
		removed, err := o.catalog.SoftDelete(context.WithoutCancel(ctx), sourceID, locations, runID)
		if err != nil {
			o.warn(&outcome, "removal detection failed: "+err.Error())
			log.Warn("removal detection failed", zap.Error(err))
		}
		outcome.Removed = removed
		if removed > 0 {
			metrics.AssetsObserved.WithLabelValues(sourceID, string(models.ChangeRemoved)).Add(float64(removed))
		}
	}

	out := finish(models.OutcomeSucceeded, nil)
	log.Info("source scan finished",
		zap.Int("discovered", out.Discovered),
		zap.Int("created", out.Created),
		zap.Int("updated", out.Updated),
		zap.Int("unchanged", out.Unchanged),
		zap.Int("removed", out.Removed),
		zap.Duration("duration", out.Duration))
	return out
}

// discover calls conn.Discover but stops waiting once ctx ends. A stream
// returned after that is abandoned.
func discover(ctx context.Context, conn core.Connector) (*core.AssetStream, error) {
	type result struct {
		stream *core.AssetStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := conn.Discover(ctx)
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.stream != nil {
				abandon(r.stream)
			}
		}()
		return nil, ctx.Err()
	}
}

// abandon drains a stream nobody reads anymore so its producer can exit.
func abandon(stream *core.AssetStream) {
	for range stream.Assets {
	}
	<-stream.Errors
}

// ingest extracts, fingerprints and upserts one asset. Writes are not
// cancelled with the scan: an asset that reached the catalog is committed
// whole.
func (o *Orchestrator) ingest(ctx context.Context, log *zap.Logger, runID string, raw *core.RawAsset, outcome *models.SourceOutcome) {
	asset, err := o.extractor.Extract(ctx, raw)
	switch {
	case errors.IsType(err, errors.ErrorTypeCancelled):
		return
	case err != nil:
		outcome.Degraded++
		metrics.ExtractionDegraded.WithLabelValues(outcome.SourceID).Inc()
		log.Warn("metadata extraction degraded", zap.String("location", raw.Location), zap.Error(err))
	}

	asset.Fingerprint = fingerprint.Compute(asset)
	res, err := o.catalog.Upsert(context.WithoutCancel(ctx), asset, runID)
	if err != nil {
		outcome.WriteErrors++
		metrics.CatalogWriteErrors.WithLabelValues(outcome.SourceID).Inc()
		o.warn(outcome, "catalog write failed for "+raw.Location+": "+err.Error())
		log.Warn("catalog write failed", zap.String("location", raw.Location), zap.Error(err))
		return
	}

	switch res.Kind {
	case models.ChangeCreated:
		outcome.Created++
	case models.ChangeUpdated:
		outcome.Updated++
	default:
		outcome.Unchanged++
	}
	metrics.AssetsObserved.WithLabelValues(outcome.SourceID, string(res.Kind)).Inc()
}

func (o *Orchestrator) warn(outcome *models.SourceOutcome, msg string) {
	if len(outcome.Warnings) < maxWarnings {
		outcome.Warnings = append(outcome.Warnings, msg)
	}
}

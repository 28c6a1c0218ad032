// Package extract enriches raw assets with schema, quality and PII
// classification derived from a bounded data sample.
//
// Extraction never drops an asset. When a sample cannot be read the asset is
// still returned with its identity fields intact, an unknown quality score
// and an unknown PII risk, together with an extraction_degraded error that
// callers record and move past.
package extract

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// Metadata keys written by the extractor.
const (
	MetaQualityCompleteness = "quality.completeness"
	MetaQualityConsistency  = "quality.consistency"
	MetaQualityUniqueness   = "quality.uniqueness"
	MetaPIICategories       = "pii.categories"
	MetaPIIConfidence       = "pii.confidence"
	MetaPIIFields           = "pii.fields"
	MetaSampleRows          = "sample.rows"
	MetaSampleTruncated     = "sample.truncated"
	MetaSampleSkipped       = "sample.skipped"
	MetaSampleFormat        = "sample.format"
	MetaDegraded            = "extraction.degraded"
)

// Extractor turns RawAssets into CatalogedAssets. It is safe for concurrent use.
type Extractor struct {
	sampler reader
	logger  *zap.Logger
}

// New creates an extractor bounded by cfg.
func New(cfg config.ExtractionConfig) *Extractor {
	rows, bytes := cfg.SampleRows, cfg.SampleBytes
	if rows <= 0 {
		rows = config.DefaultSampleRows
	}
	if bytes <= 0 {
		bytes = config.DefaultSampleBytes
	}
	return &Extractor{
		sampler: reader{maxRows: rows, maxBytes: bytes},
		logger:  logger.Get().With(zap.String("component", "extract")),
	}
}

// Extract builds the cataloged form of raw. The returned asset is always
// non-nil. A non-nil error is either extraction_degraded (the sample could
// not be read) or cancelled; in both cases the asset is still usable.
func (e *Extractor) Extract(ctx context.Context, raw *core.RawAsset) (*models.CatalogedAsset, error) {
	asset := &models.CatalogedAsset{
		Name:       raw.Name,
		Type:       raw.Type,
		SourceID:   raw.SourceID,
		Location:   raw.Location,
		Size:       raw.Size,
		CreatedAt:  raw.CreatedAt,
		ModifiedAt: raw.ModifiedAt,
		Tags:       models.NormalizeTags(raw.Tags),
		Metadata:   make(map[string]string, len(raw.Metadata)+8),
		PIIRisk:    models.PIIRiskUnknown,
	}
	for k, v := range raw.Metadata {
		asset.Metadata[k] = v
	}
	if len(raw.Schema) > 0 {
		asset.Schema = append([]models.Field(nil), raw.Schema...)
	}

	rows, err := e.sample(ctx, raw, asset)
	if err != nil {
		if ctx.Err() != nil {
			return asset, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "extraction cancelled").
				WithDetail("location", raw.Location)
		}
		return e.degrade(asset, err)
	}

	if len(asset.Schema) == 0 && len(rows) > 0 {
		asset.Schema = InferSchema(Columns(nil, rows), rows)
	}

	if rep, ok := AssessQuality(asset.Schema, rows); ok {
		score := rep.Score
		asset.QualityScore = &score
		asset.Metadata[MetaQualityCompleteness] = formatScore(rep.Completeness)
		asset.Metadata[MetaQualityConsistency] = formatScore(rep.Consistency)
		asset.Metadata[MetaQualityUniqueness] = formatScore(rep.Uniqueness)
	}

	pii := ClassifyPII(asset.Schema, rows)
	asset.PIIRisk = pii.Risk
	if pii.Risk != models.PIIRiskUnknown {
		asset.Metadata[MetaPIIConfidence] = formatScore(pii.Confidence)
	}
	if len(pii.Findings) > 0 {
		cats := pii.Categories()
		asset.Metadata[MetaPIICategories] = strings.Join(cats, ",")
		asset.Metadata[MetaPIIFields] = strings.Join(pii.Fields(), ",")
		for _, c := range cats {
			asset.Tags = append(asset.Tags, "pii:"+c)
		}
		asset.Tags = models.NormalizeTags(asset.Tags)
	}

	e.logger.Debug("asset extracted",
		zap.String("source_id", asset.SourceID),
		zap.String("location", asset.Location),
		zap.Int("fields", len(asset.Schema)),
		zap.Int("sample_rows", len(rows)),
		zap.String("pii_risk", string(asset.PIIRisk)))
	return asset, nil
}

// sample returns the rows to analyze. It records sample details in the
// asset metadata and, for file-like samples, may supply a native schema.
func (e *Extractor) sample(ctx context.Context, raw *core.RawAsset, asset *models.CatalogedAsset) ([]map[string]any, error) {
	s := raw.Sample
	if s == nil {
		return nil, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}

	if s.Open == nil {
		rows := s.Rows
		if len(rows) > e.sampler.maxRows {
			rows = rows[:e.sampler.maxRows]
		}
		asset.Metadata[MetaSampleRows] = strconv.Itoa(len(rows))
		return rows, nil
	}

	data, err := e.sampler.read(ctx, raw.Name, s)
	if err != nil {
		if reason, ok := isSkipped(err); ok {
			asset.Metadata[MetaSampleSkipped] = reason
			return nil, nil
		}
		return nil, err
	}

	if len(asset.Schema) == 0 {
		switch {
		case len(data.schema) > 0:
			asset.Schema = data.schema
		case len(data.rows) > 0:
			asset.Schema = InferSchema(data.columns, data.rows)
		}
	}
	asset.Metadata[MetaSampleFormat] = data.format
	asset.Metadata[MetaSampleRows] = strconv.Itoa(len(data.rows))
	if data.truncated {
		asset.Metadata[MetaSampleTruncated] = "true"
	}
	return data.rows, nil
}

func (e *Extractor) degrade(asset *models.CatalogedAsset, cause error) (*models.CatalogedAsset, error) {
	asset.QualityScore = nil
	asset.PIIRisk = models.PIIRiskUnknown
	asset.Metadata[MetaDegraded] = cause.Error()

	e.logger.Warn("extraction degraded",
		zap.String("source_id", asset.SourceID),
		zap.String("location", asset.Location),
		zap.Error(cause))

	return asset, errors.Wrap(cause, errors.ErrorTypeExtractionDegraded, "metadata extraction degraded").
		WithDetail("source_id", asset.SourceID).
		WithDetail("location", asset.Location)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// Package base provides the BaseConnector that source variants embed, plus
// the helpers they share: asset streams, retry, error classification and
// native type mapping.
//
// # Usage
//
//	type MyConnector struct {
//	    *base.BaseConnector
//	    // connector-specific fields
//	}
//
//	func New(cfg *config.SourceConfig) (core.Connector, error) {
//	    return &MyConnector{
//	        BaseConnector: base.NewBaseConnector("my-connector", cfg,
//	            core.NewCapabilitySet(core.CapabilitySchema)),
//	    }, nil
//	}
package base

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
)

// DefaultSampleRows is used when a source does not configure sample_rows.
const DefaultSampleRows = 100

// BaseConnector holds the configuration, logger and retry policy shared by
// every connector variant.
type BaseConnector struct {
	name         string
	config       *config.SourceConfig
	logger       *zap.Logger
	retryPolicy  *RetryPolicy
	capabilities core.CapabilitySet
}

// NewBaseConnector creates a base connector for the connector type name.
func NewBaseConnector(name string, cfg *config.SourceConfig, caps core.CapabilitySet) *BaseConnector {
	if cfg == nil {
		cfg = config.NewSourceConfig(name, name)
	}
	return &BaseConnector{
		name:         name,
		config:       cfg,
		capabilities: caps,
		retryPolicy:  RetryPolicyFromConfig(cfg.Reliability),
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("source_id", cfg.ID),
		),
	}
}

// Name returns the connector type name.
func (bc *BaseConnector) Name() string {
	return bc.name
}

// SourceID returns the configured source id.
func (bc *BaseConnector) SourceID() string {
	return bc.config.ID
}

// Config returns the source configuration.
func (bc *BaseConnector) Config() *config.SourceConfig {
	return bc.config
}

// Logger returns the connector logger.
func (bc *BaseConnector) Logger() *zap.Logger {
	return bc.logger
}

// Capabilities returns the connector capabilities.
func (bc *BaseConnector) Capabilities() core.CapabilitySet {
	return bc.capabilities
}

// SampleRows returns the per-source sample size. Zero disables sampling.
func (bc *BaseConnector) SampleRows() int {
	n, err := bc.config.IntSetting("sample_rows", DefaultSampleRows)
	if err != nil || n < 0 {
		return DefaultSampleRows
	}
	return n
}

// ConnectTimeout bounds connection establishment and TestConnection.
func (bc *BaseConnector) ConnectTimeout() time.Duration {
	if bc.config.Timeouts.Connection > 0 {
		return bc.config.Timeouts.Connection
	}
	return 10 * time.Second
}

// ExecuteWithRetry runs fn with the configured retry policy, retrying only
// connection-class failures.
func (bc *BaseConnector) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	return bc.retryPolicy.ExecuteWithCondition(ctx, fn, ShouldRetry)
}

// Connect establishes a connection under ConnectTimeout with retry, wrapping
// the failure as a connection error.
func (bc *BaseConnector) Connect(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	err := bc.ExecuteWithRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, bc.ConnectTimeout())
		defer cancel()
		return fn(cctx)
	})
	if err != nil {
		return ClassifyError(err, "failed to connect to "+what)
	}
	return nil
}

// NewAsset creates a raw asset owned by this source.
func (bc *BaseConnector) NewAsset(name, assetType, location string) *core.RawAsset {
	return &core.RawAsset{
		Name:     name,
		Type:     assetType,
		SourceID: bc.config.ID,
		Location: location,
		Metadata: map[string]string{"connector": bc.name},
	}
}

// Status builds a ConnectionStatus from a probe that started at start.
func (bc *BaseConnector) Status(start time.Time, err error, details map[string]string) core.ConnectionStatus {
	status := core.ConnectionStatus{
		OK:        err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
		Details:   details,
		Err:       err,
	}
	if err != nil {
		status.Message = err.Error()
		bc.logger.Warn("connection test failed", zap.Error(err))
	} else {
		status.Message = "connected"
	}
	return status
}

// Validate checks the base configuration.
func (bc *BaseConnector) Validate() error {
	if err := bc.config.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid source configuration")
	}
	return nil
}

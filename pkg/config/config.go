// Package config provides the configuration system for Atlas.
//
// Config is the engine-wide record: catalog location, monitoring cadence,
// extraction sampling bounds, observability and the list of configured
// sources. SourceConfig is the opaque, already-validated per-source record
// handed to connector factories.
//
// Example usage:
//
//	cfg, err := config.Load("atlas.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Monitoring.MaxConcurrentConnectors = 4
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/atlas/pkg/logger"
)

const (
	// DefaultMaxConcurrentConnectors bounds the discovery worker pool
	DefaultMaxConcurrentConnectors = 8
	// DefaultPerConnectorTimeout bounds a single connector's discovery
	DefaultPerConnectorTimeout = 2 * time.Minute
	// DefaultWatchInterval is the reconciliation scan period
	DefaultWatchInterval = 15 * time.Minute
	// DefaultDebounceWindow coalesces bursts of filesystem events
	DefaultDebounceWindow = 2 * time.Second
	// DefaultSampleRows bounds rows read for inference, quality and PII
	DefaultSampleRows = 200
	// DefaultSampleBytes bounds bytes read from file-like assets
	DefaultSampleBytes = 1 << 20
	// DefaultCatalogDSN is the embedded catalog file
	DefaultCatalogDSN = "file:atlas.db"
)

// Config is the engine configuration.
type Config struct {
	// Catalog selects the relational engine backing the asset catalog
	Catalog CatalogConfig `yaml:"catalog" json:"catalog" mapstructure:"catalog"`

	// Monitoring drives the orchestrator worker pool and the scheduler
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring" mapstructure:"monitoring"`

	// Extraction bounds the sample read per asset
	Extraction ExtractionConfig `yaml:"extraction" json:"extraction" mapstructure:"extraction"`

	Logging logger.Config `yaml:"logging" json:"logging" mapstructure:"logging"`

	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing" mapstructure:"tracing"`

	// Sources are the configured connector instances
	Sources []SourceConfig `yaml:"sources" json:"sources" mapstructure:"sources"`
}

// CatalogConfig selects and tunes the catalog store.
type CatalogConfig struct {
	// Driver is "sqlite" (embedded) or "postgres"
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`
	// DSN is the driver-specific data source name
	DSN string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	// CacheTTL is how long Get results stay cached; zero disables the cache
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`
	// MaxOpenConns caps the pool for external engines
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
}

// MonitoringConfig is the monitoring configuration surface.
type MonitoringConfig struct {
	// WatchInterval is the period of full reconciliation scans
	WatchInterval time.Duration `yaml:"watch_interval" json:"watch_interval" mapstructure:"watch_interval"`
	// DebounceWindow coalesces change notifications per source
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window" mapstructure:"debounce_window"`
	// RealTimeEnabled turns filesystem notifications on
	RealTimeEnabled bool `yaml:"real_time_enabled" json:"real_time_enabled" mapstructure:"real_time_enabled"`
	// MaxConcurrentConnectors bounds parallel connector scans
	MaxConcurrentConnectors int `yaml:"max_concurrent_connectors" json:"max_concurrent_connectors" mapstructure:"max_concurrent_connectors"`
	// PerConnectorTimeout bounds each connector's discovery
	PerConnectorTimeout time.Duration `yaml:"per_connector_timeout" json:"per_connector_timeout" mapstructure:"per_connector_timeout"`
}

// ExtractionConfig bounds sampling.
type ExtractionConfig struct {
	SampleRows  int   `yaml:"sample_rows" json:"sample_rows" mapstructure:"sample_rows"`
	SampleBytes int64 `yaml:"sample_bytes" json:"sample_bytes" mapstructure:"sample_bytes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate" mapstructure:"sample_rate"`
}

// NewConfig returns a Config with production defaults.
func NewConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Driver:       "sqlite",
			DSN:          DefaultCatalogDSN,
			CacheTTL:     30 * time.Second,
			MaxOpenConns: 10,
		},
		Monitoring: DefaultMonitoringConfig(),
		Extraction: ExtractionConfig{
			SampleRows:  DefaultSampleRows,
			SampleBytes: DefaultSampleBytes,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "atlas",
			SampleRate:  0.1,
		},
	}
}

// DefaultMonitoringConfig returns the monitoring defaults.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		WatchInterval:           DefaultWatchInterval,
		DebounceWindow:          DefaultDebounceWindow,
		RealTimeEnabled:         true,
		MaxConcurrentConnectors: DefaultMaxConcurrentConnectors,
		PerConnectorTimeout:     DefaultPerConnectorTimeout,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Catalog.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("catalog.driver must be sqlite or postgres, got %q", c.Catalog.Driver)
	}
	if c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required")
	}
	if err := c.Monitoring.Validate(); err != nil {
		return err
	}
	if c.Extraction.SampleRows < 0 {
		return fmt.Errorf("extraction.sample_rows cannot be negative")
	}
	if c.Extraction.SampleBytes < 0 {
		return fmt.Errorf("extraction.sample_bytes cannot be negative")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate source id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return nil
}

// Validate checks the monitoring options.
func (m *MonitoringConfig) Validate() error {
	if m.MaxConcurrentConnectors <= 0 {
		return fmt.Errorf("monitoring.max_concurrent_connectors must be positive")
	}
	if m.PerConnectorTimeout <= 0 {
		return fmt.Errorf("monitoring.per_connector_timeout must be positive")
	}
	if m.WatchInterval < 0 {
		return fmt.Errorf("monitoring.watch_interval cannot be negative")
	}
	if m.DebounceWindow < 0 {
		return fmt.Errorf("monitoring.debounce_window cannot be negative")
	}
	return nil
}

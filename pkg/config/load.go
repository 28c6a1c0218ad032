package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ATLAS_MONITORING_WATCH_INTERVAL=5m.
const EnvPrefix = "ATLAS"

// Load reads the engine configuration from path (YAML or JSON) layered over
// defaults and ATLAS_* environment variables. An empty path yields defaults
// plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigType(configType(path))
		if err := v.ReadConfig(bytes.NewReader(substituteEnvVars(data))); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	for i := range cfg.Sources {
		normalizeSource(&cfg.Sources[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// sourcesFile is the document layout of a standalone sources file.
type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources strictly decodes a standalone YAML sources file. Unknown keys
// are rejected so typos in connector records fail fast.
func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}
	return ParseSources(data)
}

// ParseSources decodes YAML source records. ${VAR} references are replaced
// with environment values before decoding so credentials stay out of files.
func ParseSources(data []byte) ([]SourceConfig, error) {
	data = substituteEnvVars(data)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc sourcesFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse sources: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Sources))
	for i := range doc.Sources {
		src := &doc.Sources[i]
		normalizeSource(src)
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("sources[%d]: duplicate source id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return doc.Sources, nil
}

// normalizeSource fills zero-valued sections with defaults.
func normalizeSource(src *SourceConfig) {
	def := NewSourceConfig(src.ID, src.Type)
	if src.Timeouts.Connection <= 0 {
		src.Timeouts.Connection = def.Timeouts.Connection
	}
	if src.Reliability.RetryAttempts == 0 {
		src.Reliability.RetryAttempts = def.Reliability.RetryAttempts
	}
	if src.Reliability.RetryDelay <= 0 {
		src.Reliability.RetryDelay = def.Reliability.RetryDelay
	}
	if src.Settings == nil {
		src.Settings = make(map[string]string)
	}
	if src.Security.Credentials == nil {
		src.Security.Credentials = make(map[string]string)
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("catalog.driver", cfg.Catalog.Driver)
	v.SetDefault("catalog.dsn", cfg.Catalog.DSN)
	v.SetDefault("catalog.cache_ttl", cfg.Catalog.CacheTTL)
	v.SetDefault("catalog.max_open_conns", cfg.Catalog.MaxOpenConns)

	v.SetDefault("monitoring.watch_interval", cfg.Monitoring.WatchInterval)
	v.SetDefault("monitoring.debounce_window", cfg.Monitoring.DebounceWindow)
	v.SetDefault("monitoring.real_time_enabled", cfg.Monitoring.RealTimeEnabled)
	v.SetDefault("monitoring.max_concurrent_connectors", cfg.Monitoring.MaxConcurrentConnectors)
	v.SetDefault("monitoring.per_connector_timeout", cfg.Monitoring.PerConnectorTimeout)

	v.SetDefault("extraction.sample_rows", cfg.Extraction.SampleRows)
	v.SetDefault("extraction.sample_bytes", cfg.Extraction.SampleBytes)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.encoding", cfg.Logging.Encoding)
	v.SetDefault("logging.development", cfg.Logging.Development)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content []byte) []byte {
	return envRef.ReplaceAllFunc(content, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

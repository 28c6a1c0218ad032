package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceConfig is the per-source configuration record. The engine treats it
// as opaque: only the connector factory for Type interprets Settings and
// Security.Credentials.
type SourceConfig struct {
	// ID is the stable source id used as catalog key
	ID string `yaml:"id" json:"id" mapstructure:"id"`
	// Type selects the connector factory (e.g. "filesystem", "postgresql", "s3")
	Type string `yaml:"type" json:"type" mapstructure:"type"`
	// Enabled is nil when unset, which means enabled
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`

	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts" mapstructure:"timeouts"`

	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability" mapstructure:"reliability"`

	Security SecurityConfig `yaml:"security" json:"security" mapstructure:"security"`

	// Settings holds connector-specific, non-secret options
	Settings map[string]string `yaml:"settings" json:"settings" mapstructure:"settings"`
}

// TimeoutConfig contains per-source timeouts.
type TimeoutConfig struct {
	// Connection bounds dialing and TestConnection
	Connection time.Duration `yaml:"connection" json:"connection" mapstructure:"connection"`
	// Discovery overrides the engine-wide per-connector timeout when set
	Discovery time.Duration `yaml:"discovery" json:"discovery" mapstructure:"discovery"`
}

// ReliabilityConfig contains retry settings for connection establishment.
type ReliabilityConfig struct {
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
}

// SecurityConfig carries credentials. Values should come from the environment in production.
type SecurityConfig struct {
	EnableTLS     bool              `yaml:"enable_tls" json:"enable_tls" mapstructure:"enable_tls"`
	TLSSkipVerify bool              `yaml:"tls_skip_verify" json:"tls_skip_verify" mapstructure:"tls_skip_verify"`
	Credentials   map[string]string `yaml:"credentials" json:"credentials" mapstructure:"credentials"`
}

// NewSourceConfig creates a SourceConfig with defaults.
func NewSourceConfig(id, connectorType string) *SourceConfig {
	return &SourceConfig{
		ID:   id,
		Type: connectorType,
		Timeouts: TimeoutConfig{
			Connection: 10 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		Security: SecurityConfig{
			EnableTLS:   true,
			Credentials: make(map[string]string),
		},
		Settings: make(map[string]string),
	}
}

// Validate checks required fields.
func (s *SourceConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(s.ID, " \t\n/") {
		return fmt.Errorf("id %q must not contain whitespace or '/'", s.ID)
	}
	if s.Type == "" {
		return fmt.Errorf("type is required for source %q", s.ID)
	}
	if s.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

// IsEnabled reports whether the source participates in scans.
func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Setting returns a setting or def when unset.
func (s *SourceConfig) Setting(key, def string) string {
	if v, ok := s.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// RequiredSetting returns a setting or an error naming the missing key.
func (s *SourceConfig) RequiredSetting(key string) (string, error) {
	v := s.Setting(key, "")
	if v == "" {
		return "", fmt.Errorf("source %q: settings.%s is required", s.ID, key)
	}
	return v, nil
}

// IntSetting parses an integer setting.
func (s *SourceConfig) IntSetting(key string, def int) (int, error) {
	raw := s.Setting(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("source %q: settings.%s: %w", s.ID, key, err)
	}
	return n, nil
}

// BoolSetting parses a boolean setting.
func (s *SourceConfig) BoolSetting(key string, def bool) (bool, error) {
	raw := s.Setting(key, "")
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("source %q: settings.%s: %w", s.ID, key, err)
	}
	return b, nil
}

// ListSetting splits a comma separated setting, trimming blanks.
func (s *SourceConfig) ListSetting(key string) []string {
	raw := s.Setting(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Credential returns a credential value or "".
func (s *SourceConfig) Credential(key string) string {
	if s.Security.Credentials == nil {
		return ""
	}
	return s.Security.Credentials[key]
}

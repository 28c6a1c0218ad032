// Package registry holds the connector factories, keyed by connector type, and
// the per-engine Registry of configured sources, keyed by source id.
//
// Variants register a factory from init():
//
//	func init() {
//	    registry.RegisterFactory("postgresql", New, registry.Info{...})
//	}
//
// and the binary blank-imports pkg/connector/sources to pull them in.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
)

// Factory creates a connector instance from an already-validated source record.
type Factory func(cfg *config.SourceConfig) (core.Connector, error)

// Info describes a connector type.
type Info struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Capabilities core.CapabilitySet `json:"-"`
	// Settings documents recognized settings keys
	Settings []string `json:"settings"`
}

type factoryEntry struct {
	factory Factory
	info    Info
}

var (
	factories   = make(map[string]factoryEntry)
	factoriesMu sync.RWMutex
)

// RegisterFactory registers a connector type. Registering a name twice is a config error.
func RegisterFactory(name string, factory Factory, info Info) error {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s already registered", name))
	}
	info.Name = name
	factories[name] = factoryEntry{factory: factory, info: info}
	return nil
}

// Create instantiates a connector for cfg using the factory for cfg.Type.
func Create(cfg *config.SourceConfig) (core.Connector, core.CapabilitySet, error) {
	factoriesMu.RLock()
	entry, exists := factories[cfg.Type]
	factoriesMu.RUnlock()

	if !exists {
		return nil, nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s not found", cfg.Type)).
			WithDetail("source_id", cfg.ID)
	}

	conn, err := entry.factory(cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig,
			fmt.Sprintf("failed to create %s connector for source %s", cfg.Type, cfg.ID))
	}
	caps := conn.Capabilities()
	if caps == nil {
		caps = entry.info.Capabilities
	}
	return conn, caps, nil
}

// Types lists registered connector types with their descriptions, sorted by name.
func Types() []Info {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	infos := make([]Info, 0, len(factories))
	for _, e := range factories {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// HasType reports whether a connector type is registered.
func HasType(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, exists := factories[name]
	return exists
}

// SourceInfo describes a registered source.
type SourceInfo struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

type entry struct {
	conn    core.Connector
	caps    core.CapabilitySet
	enabled bool
}

// Registry holds the configured connector instances of one engine.
type Registry struct {
	entries map[string]*entry
	mu      sync.RWMutex
	logger  *zap.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds an enabled connector for sourceID.
func (r *Registry) Register(sourceID string, conn core.Connector, caps core.CapabilitySet) error {
	if sourceID == "" || conn == nil {
		return errors.New(errors.ErrorTypeConfig, "source id and connector are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[sourceID]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s already registered", sourceID)).
			WithDetail("source_id", sourceID)
	}
	if caps == nil {
		caps = conn.Capabilities()
	}
	r.entries[sourceID] = &entry{conn: conn, caps: caps, enabled: true}
	r.logger.Info("source registered",
		zap.String("source_id", sourceID),
		zap.String("connector", conn.Name()),
		zap.Strings("capabilities", caps.List()))
	return nil
}

// RegisterConfig creates the connector for cfg and registers it, honoring cfg.Enabled.
func (r *Registry) RegisterConfig(cfg *config.SourceConfig) error {
	conn, caps, err := Create(cfg)
	if err != nil {
		return err
	}
	if err := r.Register(cfg.ID, conn, caps); err != nil {
		return err
	}
	if !cfg.IsEnabled() {
		return r.Disable(cfg.ID)
	}
	return nil
}

// Get returns the connector for sourceID. Unknown ids fail with an
// UnknownSource error and disabled ones with a SourceDisabled error.
func (r *Registry) Get(sourceID string) (core.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sourceID]
	if !ok {
		return nil, errors.UnknownSource(sourceID)
	}
	if !e.enabled {
		return nil, errors.SourceDisabled(sourceID)
	}
	return e.conn, nil
}

// Enabled returns the ids of enabled sources, sorted.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Enable turns a registered source on.
func (r *Registry) Enable(sourceID string) error {
	return r.setEnabled(sourceID, true)
}

// Disable turns a registered source off without removing it.
func (r *Registry) Disable(sourceID string) error {
	return r.setEnabled(sourceID, false)
}

func (r *Registry) setEnabled(sourceID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sourceID]
	if !ok {
		return errors.UnknownSource(sourceID)
	}
	if e.enabled != enabled {
		e.enabled = enabled
		r.logger.Info("source toggled", zap.String("source_id", sourceID), zap.Bool("enabled", enabled))
	}
	return nil
}

// Capabilities returns the capability set of a registered source.
func (r *Registry) Capabilities(sourceID string) (core.CapabilitySet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sourceID]
	if !ok {
		return nil, errors.UnknownSource(sourceID)
	}
	return e.caps, nil
}

// Sources describes every registered source, sorted by id.
func (r *Registry) Sources() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SourceInfo, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, SourceInfo{
			ID:           id,
			Type:         e.conn.Name(),
			Enabled:      e.enabled,
			Capabilities: e.caps.List(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every connector holding resources.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, e := range r.entries {
		c, ok := e.conn.(core.Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			r.logger.Warn("failed to close connector", zap.String("source_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

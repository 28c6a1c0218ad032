package postgresql

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("postgresql", New, registry.Info{
		Description:  "PostgreSQL tables and views with connection pooling",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize),
		Settings:     []string{"schemas", "include_views", "max_connections", "sample_rows"},
	})
}

package snowflake

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("snowflake", New, registry.Info{
		Description:  "Snowflake tables and views",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize),
		Settings:     []string{"database", "warehouse", "role", "schemas", "sample_rows"},
	})
}

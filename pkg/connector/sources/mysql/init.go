package mysql

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("mysql", New, registry.Info{
		Description:  "MySQL and MariaDB tables and views",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize),
		Settings:     []string{"schemas", "sample_rows"},
	})
}

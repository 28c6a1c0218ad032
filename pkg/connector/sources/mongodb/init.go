package mongodb

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("mongodb", New, registry.Info{
		Description:  "MongoDB collections and views",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize),
		Settings:     []string{"databases", "sample_rows"},
	})
}

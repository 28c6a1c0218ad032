package bigquery

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("bigquery", New, registry.Info{
		Description:  "Google BigQuery datasets, tables and views",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize),
		Settings:     []string{"project", "datasets", "endpoint", "sample_rows"},
	})
}

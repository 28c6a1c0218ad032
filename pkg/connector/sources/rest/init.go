package rest

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("rest", New, registry.Info{
		Description:  "JSON HTTP API endpoints",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize),
		Settings:     []string{"base_url", "endpoints", "records_path", "health_path", "api_key_header", "scopes", "requests_per_second", "sample_rows"},
	})
}

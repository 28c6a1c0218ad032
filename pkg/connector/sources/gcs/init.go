package gcs

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("gcs", New, registry.Info{
		Description:  "Google Cloud Storage buckets",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize),
		Settings:     []string{"bucket", "prefix", "endpoint", "sample_bytes"},
	})
}

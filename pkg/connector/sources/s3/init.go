package s3

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("s3", New, registry.Info{
		Description:  "Amazon S3 and S3 compatible object storage",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize),
		Settings:     []string{"bucket", "prefix", "region", "endpoint", "path_style", "sample_bytes"},
	})
}

package filesystem

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

var settings = []string{"root", "include", "exclude", "include_hidden", "max_depth"}

func init() {
	caps := core.NewCapabilitySet(core.CapabilityRealtime, core.CapabilitySampling, core.CapabilitySize)

	_ = registry.RegisterFactory("filesystem", New, registry.Info{
		Description:  "Local directory tree",
		Capabilities: caps,
		Settings:     settings,
	})
	_ = registry.RegisterFactory("nfs", NewNFS, registry.Info{
		Description:  "Mounted NFS export",
		Capabilities: caps,
		Settings:     settings,
	})
	_ = registry.RegisterFactory("smb", NewSMB, registry.Info{
		Description:  "Mounted SMB/CIFS share",
		Capabilities: caps,
		Settings:     settings,
	})
}

package sftp

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("sftp", New, registry.Info{
		Description:  "Files on a remote host over SFTP",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize),
		Settings:     []string{"host", "port", "root", "include", "include_hidden", "known_hosts", "insecure_ignore_host_key"},
	})
}

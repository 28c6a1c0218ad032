package kafka

import (
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterFactory("kafka", New, registry.Info{
		Description:  "Apache Kafka topics",
		Capabilities: core.NewCapabilitySet(core.CapabilitySampling),
		Settings:     []string{"brokers", "topics", "version", "tls", "sasl_mechanism", "sample_timeout_ms", "sample_rows"},
	})
}

// Package core defines the connector capability shared by every source
// variant: discovery of raw assets and connection testing.
package core

import (
	"context"
	"io"
	"time"

	"github.com/ajitpratap0/atlas/pkg/models"
)

// Connector is the interface every source variant implements. Connectors hold
// no persistent state and may be invoked concurrently for different sources.
type Connector interface {
	// Name returns the connector type name (e.g. "postgresql")
	Name() string

	// Discover starts listing the assets of the source. An error returned
	// here means discovery could not start (unreachable source, bad
	// credentials). Failures after the stream started are delivered on
	// AssetStream.Errors once Assets is closed.
	Discover(ctx context.Context) (*AssetStream, error)

	// TestConnection checks reachability and credentials without listing assets.
	TestConnection(ctx context.Context) ConnectionStatus

	// Capabilities reports what the variant supports.
	Capabilities() CapabilitySet
}

// Watchable is implemented by connectors over local paths that can be
// watched for filesystem change notifications.
type Watchable interface {
	WatchPaths() []string
}

// Closer is implemented by connectors holding clients or pools.
type Closer interface {
	Close(ctx context.Context) error
}

// AssetStream is a stream of raw assets. Assets is closed when discovery ends;
// Errors then yields at most one terminal error and is closed.
type AssetStream struct {
	Assets <-chan *RawAsset
	Errors <-chan error
}

// RawAsset is the source-native description of one asset. It is ephemeral
// and never persisted directly.
type RawAsset struct {
	Name     string
	Type     string
	SourceID string
	// Location is unique within the source (URI-like)
	Location   string
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time

	// Schema is supplied by sources that know it (tables); nil when unknown
	Schema   []models.Field
	Metadata map[string]string
	Tags     []string

	// Sample gives the extractor bounded access to data; nil when sampling
	// is unsupported or disabled
	Sample *Sample
}

// Sample is a bounded view of an asset's data. Exactly one of Rows or Open is set.
type Sample struct {
	// Rows are decoded records (databases, APIs, streams)
	Rows []map[string]any

	// Open returns the raw bytes of a file-like asset. It stays valid until
	// the connector is closed.
	Open func(ctx context.Context) (io.ReadCloser, error)
	// Size of the object behind Open, or -1 when unknown
	Size int64
	// Format is csv, json, jsonl, parquet or avro; empty means detect from the name
	Format string
	// Compression is gzip, zstd or lz4; empty means detect from the name
	Compression string

	// Err records why the connector could not read a sample
	Err error
}

// ConnectionStatus is the result of TestConnection.
type ConnectionStatus struct {
	OK        bool              `json:"ok"`
	Message   string            `json:"message"`
	Latency   time.Duration     `json:"latency"`
	CheckedAt time.Time         `json:"checked_at"`
	Details   map[string]string `json:"details,omitempty"`
	Err       error             `json:"-"`
}

// Capability is a feature a connector variant may support.
type Capability string

const (
	// CapabilityRealtime means the source can be watched for change notifications
	CapabilityRealtime Capability = "realtime"
	// CapabilitySampling means assets carry a data sample
	CapabilitySampling Capability = "sampling"
	// CapabilitySchema means the source reports schemas natively
	CapabilitySchema Capability = "schema"
	// CapabilitySize means the source reports asset sizes
	CapabilitySize Capability = "size"
)

// CapabilitySet is the set of capabilities of a connector.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// List returns the capabilities in a stable order.
func (s CapabilitySet) List() []string {
	var out []string
	for _, c := range []Capability{CapabilityRealtime, CapabilitySampling, CapabilitySchema, CapabilitySize} {
		if s[c] {
			out = append(out, string(c))
		}
	}
	return out
}

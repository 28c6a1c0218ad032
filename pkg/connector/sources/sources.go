// Package sources links every source connector variant into the binary.
// Importing it registers the factories with the connector registry.
package sources

import (
	"github.com/ajitpratap0/atlas/pkg/connector/registry"

	// Import all source connectors to trigger init() registration
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/bigquery"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/filesystem"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/gcs"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/kafka"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/mongodb"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/mysql"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/postgresql"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/rest"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/s3"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/sftp"
	_ "github.com/ajitpratap0/atlas/pkg/connector/sources/snowflake"
)

// Available lists the linked connector types.
func Available() []registry.Info {
	return registry.Types()
}

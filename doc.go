// Package atlas discovers, fingerprints and catalogs data assets (tables,
// files, buckets, streams and API endpoints) across heterogeneous sources so
// that a data estate can be searched, audited and monitored from one place.
//
// # Architecture
//
// A scan flows through four stages:
//
//  1. ConnectorRegistry resolves the configured, enabled connectors. Each
//     source type is one connector variant implementing Discover and
//     TestConnection.
//
//  2. The discovery Orchestrator fans out to the connectors under a worker
//     limit and a per-connector timeout. A failing source is recorded in the
//     run outcome and never stops the others.
//
//  3. The Extractor infers schema, scores quality and classifies PII risk
//     from a bounded sample of every asset. Extraction that cannot read the
//     sample degrades to unknown fields instead of failing.
//
//  4. The Catalog upserts each asset under a stable id derived from
//     (source, location), appends history on every change and soft-deletes
//     assets a full scan no longer observes.
//
// The monitoring scheduler drives the orchestrator: filesystem events are
// debounced into incremental scans, and a fixed interval triggers full
// reconciliation scans.
//
// # Quick Start
//
//	cfg, err := config.Load("atlas.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := engine.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	run, err := eng.RunFullScan(ctx)
//	if err != nil {
//	    log.Fatal(err) // configuration errors only
//	}
//	if err := run.Err(); err != nil {
//	    log.Printf("partial scan: %v", err)
//	}
//
//	assets, _ := eng.Search(ctx, "customers", catalog.Filter{})
//
// # Key Packages
//
//	internal/discovery       - Scan orchestration, worker pool, removal detection
//	internal/monitor         - Filesystem watch, debounce, interval reconciliation
//	internal/engine          - Wiring and the query surface
//	pkg/catalog              - SQLite/PostgreSQL asset catalog with history
//	pkg/extract              - Schema inference, quality and PII analysis
//	pkg/fingerprint          - Identity and content hashes
//	pkg/connector/registry   - Connector factories and per-engine registry
//	pkg/connector/sources    - Connector variants
//	pkg/config               - Engine and source configuration
//	pkg/errors               - Structured, typed errors
//	pkg/logger               - Structured logging
//	pkg/metrics              - Prometheus metrics
//
// # Connectors
//
// Available source connectors:
//   - Local filesystem, NFS and SMB mounts, SFTP
//   - PostgreSQL, MySQL, MongoDB
//   - Snowflake, BigQuery
//   - Amazon S3, Google Cloud Storage
//   - Kafka topics
//   - JSON HTTP APIs
//
// # Command Line
//
//	atlas scan --config atlas.yaml
//	atlas monitor --config atlas.yaml
//	atlas search customers --type table
//	atlas history <asset-id>
package atlas

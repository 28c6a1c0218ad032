// Package gcs discovers objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

const defaultSampleBytes = 1 << 20

// Connector lists objects under a bucket prefix.
type Connector struct {
	*base.BaseConnector

	bucket      string
	prefix      string
	sampleBytes int64
	opts        []option.ClientOption

	mu     sync.Mutex
	client *storage.Client
}

// New creates a GCS connector. Credentials come from
// security.credentials.credentials_json or credentials_file, falling back to
// application default credentials. settings.endpoint targets an emulator and
// disables authentication.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	bucket, err := cfg.RequiredSetting("bucket")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid gcs source")
	}
	sampleBytes, err := cfg.IntSetting("sample_bytes", defaultSampleBytes)
	if err != nil || sampleBytes < 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "settings.sample_bytes must be a non-negative integer")
	}

	return &Connector{
		BaseConnector: base.NewBaseConnector("gcs", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize)),
		bucket:      bucket,
		prefix:      strings.TrimPrefix(cfg.Setting("prefix", ""), "/"),
		sampleBytes: int64(sampleBytes),
		opts:        ClientOptions(cfg),
	}, nil
}

// ClientOptions builds Google API client options from a source record. It is
// shared with the BigQuery connector.
func ClientOptions(cfg *config.SourceConfig) []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case cfg.Credential("credentials_json") != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.Credential("credentials_json"))))
	case cfg.Credential("credentials_file") != "":
		opts = append(opts, option.WithCredentialsFile(cfg.Credential("credentials_file")))
	}
	if endpoint := cfg.Setting("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	return opts
}

func (c *Connector) getClient(ctx context.Context) (*storage.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	// the client outlives ctx, which may be a per-scan deadline
	client, err := storage.NewClient(context.WithoutCancel(ctx), c.opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create gcs client")
	}
	c.client = client
	return client, nil
}

// TestConnection reads the bucket attributes.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"bucket": c.bucket}
	client, err := c.getClient(ctx)
	if err == nil {
		err = c.Connect(ctx, "gcs bucket "+c.bucket, func(ctx context.Context) error {
			attrs, err := client.Bucket(c.bucket).Attrs(ctx)
			if err == nil {
				details["location"] = attrs.Location
				details["storage_class"] = attrs.StorageClass
			}
			return err
		})
	}
	return c.Status(start, err, details)
}

// Discover iterates over the bucket listing.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	bucket := client.Bucket(c.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: c.prefix})

	// fetch the first object eagerly so a missing bucket fails discovery
	first, err := it.Next()
	if err != nil && err != iterator.Done {
		return nil, base.ClassifyError(err, "failed to list bucket "+c.bucket)
	}

	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for attrs := first; err != iterator.Done; attrs, err = it.Next() {
			if err != nil {
				return base.ClassifyError(err, "failed to list bucket "+c.bucket)
			}
			if strings.HasSuffix(attrs.Name, "/") {
				continue
			}
			if err := emit(c.objectAsset(bucket, attrs)); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Connector) objectAsset(bucket *storage.BucketHandle, attrs *storage.ObjectAttrs) *core.RawAsset {
	a := c.NewAsset(path.Base(attrs.Name), "object", fmt.Sprintf("gs://%s/%s", c.bucket, attrs.Name))
	a.Size = attrs.Size
	a.CreatedAt = attrs.Created.UTC()
	a.ModifiedAt = attrs.Updated.UTC()
	a.Metadata["bucket"] = c.bucket
	a.Metadata["key"] = attrs.Name
	if attrs.ContentType != "" {
		a.Metadata["content_type"] = attrs.ContentType
	}
	if attrs.StorageClass != "" {
		a.Metadata["storage_class"] = attrs.StorageClass
	}
	if attrs.Generation != 0 {
		a.Metadata["generation"] = fmt.Sprint(attrs.Generation)
	}

	format, compression := base.DetectFormat(attrs.Name)
	a.Tags = append(base.FormatTags(format, compression), "storage:gcs")
	for k, v := range attrs.Metadata {
		a.Metadata["label."+k] = v
	}
	if !base.Sampleable(format) || attrs.Size == 0 || c.sampleBytes == 0 {
		return a
	}

	obj := bucket.Object(attrs.Name)
	length := c.sampleBytes
	if format == "parquet" {
		length = -1
	}
	a.Sample = &core.Sample{
		Size:        attrs.Size,
		Format:      format,
		Compression: compression,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return obj.NewRangeReader(ctx, 0, length)
		},
	}
	return a
}

// Close closes the client.
func (c *Connector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Package s3 discovers objects in an S3 bucket, or any S3 compatible store
// reachable through a custom endpoint.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

const defaultSampleBytes = 1 << 20

// Connector lists the objects under a bucket prefix.
type Connector struct {
	*base.BaseConnector

	bucket      string
	prefix      string
	region      string
	endpoint    string
	pathStyle   bool
	sampleBytes int64

	mu         sync.Mutex
	client     *s3.Client
	downloader *manager.Downloader
}

// New creates an S3 connector. Static keys are read from
// security.credentials (access_key_id, secret_access_key, session_token);
// without them the default AWS credential chain applies.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	bucket, err := cfg.RequiredSetting("bucket")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid s3 source")
	}
	pathStyle, err := cfg.BoolSetting("path_style", false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid s3 source")
	}
	sampleBytes, err := cfg.IntSetting("sample_bytes", defaultSampleBytes)
	if err != nil || sampleBytes < 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "settings.sample_bytes must be a non-negative integer")
	}
	if (cfg.Credential("access_key_id") == "") != (cfg.Credential("secret_access_key") == "") {
		return nil, errors.New(errors.ErrorTypeConfig, "access_key_id and secret_access_key must be set together")
	}

	return &Connector{
		BaseConnector: base.NewBaseConnector("s3", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize)),
		bucket:      bucket,
		prefix:      strings.TrimPrefix(cfg.Setting("prefix", ""), "/"),
		region:      cfg.Setting("region", "us-east-1"),
		endpoint:    cfg.Setting("endpoint", ""),
		pathStyle:   pathStyle,
		sampleBytes: int64(sampleBytes),
	}, nil
}

func (c *Connector) getClient(ctx context.Context) (*s3.Client, *manager.Downloader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, c.downloader, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.region)}
	cfg := c.Config()
	if key := cfg.Credential("access_key_id"); key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			key, cfg.Credential("secret_access_key"), cfg.Credential("session_token"))))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load aws configuration")
	}

	c.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
		o.UsePathStyle = c.pathStyle
	})
	c.downloader = manager.NewDownloader(c.client, func(d *manager.Downloader) {
		d.Concurrency = 1
	})
	return c.client, c.downloader, nil
}

// TestConnection checks access to the bucket.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"bucket": c.bucket, "region": c.region}
	client, _, err := c.getClient(ctx)
	if err == nil {
		err = c.Connect(ctx, "s3 bucket "+c.bucket, func(ctx context.Context) error {
			_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
			return err
		})
	}
	return c.Status(start, err, details)
}

// Discover pages through the bucket listing.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	client, downloader, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	})

	// the first page decides whether discovery can start at all
	var first *s3.ListObjectsV2Output
	err = c.ExecuteWithRetry(ctx, func() error {
		var err error
		first, err = pages.NextPage(ctx)
		return err
	})
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list bucket "+c.bucket)
	}

	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		page := first
		for {
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if key == "" || strings.HasSuffix(key, "/") {
					continue
				}
				if err := emit(c.objectAsset(client, downloader, obj)); err != nil {
					return err
				}
			}
			if !pages.HasMorePages() {
				return nil
			}
			var err error
			if page, err = pages.NextPage(ctx); err != nil {
				return base.ClassifyError(err, "failed to list bucket "+c.bucket)
			}
		}
	}), nil
}

func (c *Connector) objectAsset(client *s3.Client, downloader *manager.Downloader, obj types.Object) *core.RawAsset {
	key := aws.ToString(obj.Key)
	size := aws.ToInt64(obj.Size)

	a := c.NewAsset(path.Base(key), "object", fmt.Sprintf("s3://%s/%s", c.bucket, key))
	a.Size = size
	a.ModifiedAt = aws.ToTime(obj.LastModified).UTC()
	a.Metadata["bucket"] = c.bucket
	a.Metadata["key"] = key
	if obj.ETag != nil {
		a.Metadata["etag"] = strings.Trim(aws.ToString(obj.ETag), `"`)
	}
	if obj.StorageClass != "" {
		a.Metadata["storage_class"] = string(obj.StorageClass)
	}

	format, compression := base.DetectFormat(key)
	a.Tags = append(base.FormatTags(format, compression), "storage:s3")
	if !base.Sampleable(format) || size == 0 || c.sampleBytes == 0 {
		return a
	}

	a.Sample = &core.Sample{Size: size, Format: format, Compression: compression}
	if format == "parquet" {
		// the footer is at the end, so the whole object is streamed
		a.Sample.Open = func(ctx context.Context) (io.ReadCloser, error) {
			out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
			if err != nil {
				return nil, err
			}
			return out.Body, nil
		}
		return a
	}

	n := c.sampleBytes
	if size < n {
		n = size
	}
	a.Sample.Open = func(ctx context.Context) (io.ReadCloser, error) {
		buf := manager.NewWriteAtBuffer(make([]byte, 0, n))
		_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
		})
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
	}
	return a
}

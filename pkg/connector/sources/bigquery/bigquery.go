// Package bigquery discovers datasets and tables of a BigQuery project.
// Samples are read through the tabledata API, which does not bill queries.
package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/connector/sources/gcs"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// Connector lists tables of one project.
type Connector struct {
	*base.BaseConnector

	project  string
	datasets []string

	mu     sync.Mutex
	client *bigquery.Client
}

// New creates a BigQuery connector for settings.project.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	project, err := cfg.RequiredSetting("project")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid bigquery source")
	}
	return &Connector{
		BaseConnector: base.NewBaseConnector("bigquery", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize)),
		project:  project,
		datasets: cfg.ListSetting("datasets"),
	}, nil
}

func (c *Connector) getClient(ctx context.Context) (*bigquery.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := bigquery.NewClient(context.WithoutCancel(ctx), c.project, gcs.ClientOptions(c.Config())...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create bigquery client")
	}
	c.client = client
	return client, nil
}

// TestConnection lists the first dataset of the project.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"project": c.project}
	client, err := c.getClient(ctx)
	if err == nil {
		err = c.Connect(ctx, "bigquery", func(ctx context.Context) error {
			_, err := client.Datasets(ctx).Next()
			if err == iterator.Done {
				return nil
			}
			return err
		})
	}
	return c.Status(start, err, details)
}

// Discover lists every table of the selected datasets.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	datasets, err := c.listDatasets(ctx, client)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list datasets")
	}

	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, ds := range datasets {
			tables := client.Dataset(ds).Tables(ctx)
			for {
				t, err := tables.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					return base.ClassifyError(err, "failed to list tables of "+ds)
				}
				md, err := t.Metadata(ctx)
				if err != nil {
					c.Logger().Warn("failed to read table metadata",
						zap.String("table", t.FullyQualifiedName()), zap.Error(err))
					continue
				}
				a := c.tableAsset(t, md)
				if limit > 0 && md.Type == bigquery.RegularTable {
					a.Sample = sample(ctx, t, limit)
				}
				if err := emit(a); err != nil {
					return err
				}
			}
		}
		return nil
	}), nil
}

func (c *Connector) listDatasets(ctx context.Context, client *bigquery.Client) ([]string, error) {
	if len(c.datasets) > 0 {
		return c.datasets, nil
	}
	var out []string
	it := client.Datasets(ctx)
	for {
		ds, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ds.DatasetID)
	}
}

func (c *Connector) tableAsset(t *bigquery.Table, md *bigquery.TableMetadata) *core.RawAsset {
	kind := "table"
	switch md.Type {
	case bigquery.ViewTable, bigquery.MaterializedView:
		kind = "view"
	case bigquery.ExternalTable:
		kind = "external_table"
	}

	a := c.NewAsset(t.TableID, kind, fmt.Sprintf("%s.%s.%s", t.ProjectID, t.DatasetID, t.TableID))
	a.Size = md.NumBytes
	a.CreatedAt = md.CreationTime.UTC()
	a.ModifiedAt = md.LastModifiedTime.UTC()
	a.Schema = Fields(md.Schema)
	a.Metadata["project"] = t.ProjectID
	a.Metadata["dataset"] = t.DatasetID
	a.Metadata["row_count"] = strconv.FormatUint(md.NumRows, 10)
	if md.Location != "" {
		a.Metadata["location"] = md.Location
	}
	if md.Description != "" {
		a.Metadata["description"] = md.Description
	}
	for k, v := range md.Labels {
		a.Tags = append(a.Tags, k+":"+v)
	}
	return a
}

// Fields flattens a BigQuery schema. Nested record fields are named with
// dotted paths after their parent.
func Fields(schema bigquery.Schema) []models.Field {
	var out []models.Field
	var walk func(prefix string, s bigquery.Schema)
	walk = func(prefix string, s bigquery.Schema) {
		for _, f := range s {
			name := prefix + f.Name
			typ := base.NormalizeSQLType(strings.ToLower(string(f.Type)))
			if f.Repeated {
				typ = models.TypeArray
			}
			out = append(out, models.Field{
				Name:        name,
				Type:        typ,
				Nullable:    !f.Required,
				Description: f.Description,
			})
			if f.Type == bigquery.RecordFieldType && !f.Repeated {
				walk(name+".", f.Schema)
			}
		}
	}
	walk("", schema)
	return out
}

func sample(ctx context.Context, t *bigquery.Table, limit int) *core.Sample {
	it := t.Read(ctx)
	it.PageInfo().MaxSize = limit

	var rows []map[string]any
	for len(rows) < limit {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return &core.Sample{Err: err}
		}
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = normalize(v)
		}
		rows = append(rows, out)
	}
	return &core.Sample{Rows: rows}
}

// normalize converts BigQuery values into plain Go values.
func normalize(v bigquery.Value) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *big.Rat:
		if x == nil {
			return nil
		}
		f, _ := x.Float64()
		return f
	case []byte:
		return x
	case []bigquery.Value:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]bigquery.Value:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case fmt.Stringer:
		// civil.Date, civil.Time and civil.DateTime
		return x.String()
	default:
		return fmt.Sprint(x)
	}
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

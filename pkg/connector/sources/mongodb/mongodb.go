// Package mongodb discovers collections of a MongoDB deployment. Schemas are
// not declared by the server; they are inferred from sampled documents.
package mongodb

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

var systemDatabases = map[string]bool{"admin": true, "local": true, "config": true}

// Connector lists collections.
type Connector struct {
	*base.BaseConnector

	uri       string
	databases []string

	mu     sync.Mutex
	client *mongo.Client
}

// New creates a MongoDB connector from security.credentials.uri.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	uri := cfg.Credential("uri")
	if uri == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "uri is required in security.credentials").
			WithDetail("source_id", cfg.ID)
	}
	if err := options.Client().ApplyURI(uri).Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mongodb uri")
	}
	return &Connector{
		BaseConnector: base.NewBaseConnector("mongodb", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize)),
		uri:       uri,
		databases: cfg.ListSetting("databases"),
	}, nil
}

func (c *Connector) getClient(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	opts := options.Client().ApplyURI(c.uri).
		SetConnectTimeout(c.ConnectTimeout()).
		SetServerSelectionTimeout(c.ConnectTimeout())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to connect to mongodb")
	}
	if err := c.Connect(ctx, "mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	c.client = client
	return client, nil
}

// TestConnection pings the primary.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	client, err := c.getClient(ctx)
	details := map[string]string{}
	if err == nil {
		var info bson.M
		if derr := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); derr == nil {
			details["server_version"] = fmt.Sprint(info["version"])
		}
	}
	return c.Status(start, err, details)
}

// Discover lists collections of the configured databases, or of every
// non-system database.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	dbs := c.databases
	if len(dbs) == 0 {
		names, err := client.ListDatabaseNames(ctx, bson.D{})
		if err != nil {
			return nil, base.ClassifyError(err, "failed to list databases")
		}
		for _, n := range names {
			if !systemDatabases[n] {
				dbs = append(dbs, n)
			}
		}
	}

	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, dbName := range dbs {
			db := client.Database(dbName)
			specs, err := db.ListCollectionSpecifications(ctx, bson.D{})
			if err != nil {
				return base.ClassifyError(err, "failed to list collections of "+dbName)
			}
			for _, spec := range specs {
				a := c.collectionAsset(ctx, db, spec)
				if limit > 0 && spec.Type == "collection" {
					a.Sample = c.sample(ctx, db.Collection(spec.Name), limit)
				}
				if err := emit(a); err != nil {
					return err
				}
			}
		}
		return nil
	}), nil
}

func (c *Connector) collectionAsset(ctx context.Context, db *mongo.Database, spec *mongo.CollectionSpecification) *core.RawAsset {
	kind := "collection"
	if spec.Type == "view" {
		kind = "view"
	}
	a := c.NewAsset(spec.Name, kind, db.Name()+"."+spec.Name)
	a.Metadata["database"] = db.Name()
	if spec.ReadOnly {
		a.Metadata["read_only"] = "true"
	}
	if kind != "collection" {
		return a
	}

	var stats struct {
		Size        int64 `bson:"size"`
		Count       int64 `bson:"count"`
		StorageSize int64 `bson:"storageSize"`
		Indexes     int64 `bson:"nindexes"`
	}
	err := db.RunCommand(ctx, bson.D{{Key: "collStats", Value: spec.Name}}).Decode(&stats)
	if err != nil {
		c.Logger().Debug("collStats failed", zap.String("collection", a.Location), zap.Error(err))
		return a
	}
	a.Size = stats.Size
	a.Metadata["row_count"] = strconv.FormatInt(stats.Count, 10)
	a.Metadata["storage_size"] = strconv.FormatInt(stats.StorageSize, 10)
	a.Metadata["indexes"] = strconv.FormatInt(stats.Indexes, 10)
	return a
}

func (c *Connector) sample(ctx context.Context, coll *mongo.Collection, limit int) *core.Sample {
	cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return &core.Sample{Err: err}
	}
	defer cur.Close(ctx)

	var rows []map[string]any
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return &core.Sample{Err: err}
		}
		rows = append(rows, normalizeDoc(doc))
	}
	if err := cur.Err(); err != nil {
		return &core.Sample{Err: err}
	}
	return &core.Sample{Rows: rows}
}

func normalizeDoc(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalize(v)
	}
	return out
}

// normalize converts BSON values into plain Go values.
func normalize(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano)
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC().Format(time.RFC3339Nano)
	case primitive.Decimal128:
		return x.String()
	case primitive.Binary:
		return x.Data
	case primitive.M:
		return normalizeDoc(bson.M(x))
	case primitive.D:
		return normalizeDoc(bson.M(x.Map()))
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return v
	}
}

// Close disconnects the client.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client = nil
	return err
}

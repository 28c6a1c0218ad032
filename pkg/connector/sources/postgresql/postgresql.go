// Package postgresql discovers tables and views of a PostgreSQL database
// through a pgx connection pool.
package postgresql

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/models"
)

const (
	tablesQuery = `SELECT t.table_schema, t.table_name, t.table_type,
			COALESCE(c.reltuples, 0)::bigint,
			COALESCE(pg_total_relation_size(c.oid), 0)::bigint,
			COALESCE(obj_description(c.oid, 'pg_class'), '')
		FROM information_schema.tables t
		LEFT JOIN pg_catalog.pg_namespace n ON n.nspname = t.table_schema
		LEFT JOIN pg_catalog.pg_class c ON c.relname = t.table_name AND c.relnamespace = n.oid
		WHERE t.table_schema NOT IN ('pg_catalog', 'information_schema')
			AND t.table_schema NOT LIKE 'pg_toast%'
			AND ($1::text[] IS NULL OR t.table_schema = ANY($1))
		ORDER BY t.table_schema, t.table_name`

	columnsQuery = `SELECT table_schema, table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
			AND ($1::text[] IS NULL OR table_schema = ANY($1))
		ORDER BY table_schema, table_name, ordinal_position`
)

// Connector lists relations of one PostgreSQL database.
type Connector struct {
	*base.BaseConnector

	connString   string
	schemas      []string
	includeViews bool
	maxConns     int32

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New creates a PostgreSQL connector. The connection string is read from
// security.credentials.connection_string.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	connString := cfg.Credential("connection_string")
	if connString == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "connection_string is required in security.credentials").
			WithDetail("source_id", cfg.ID)
	}
	if _, err := pgxpool.ParseConfig(connString); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	views, err := cfg.BoolSetting("include_views", true)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgresql source")
	}
	maxConns, err := cfg.IntSetting("max_connections", 4)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgresql source")
	}

	return &Connector{
		BaseConnector: base.NewBaseConnector("postgresql", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize)),
		connString:   connString,
		schemas:      cfg.ListSetting("schemas"),
		includeViews: views,
		maxConns:     int32(maxConns),
	}, nil
}

// getPool lazily creates the pool. Failed attempts are not cached.
func (c *Connector) getPool(ctx context.Context) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		return c.pool, nil
	}

	poolConfig, err := pgxpool.ParseConfig(c.connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	if c.maxConns > 0 {
		poolConfig.MaxConns = c.maxConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	err = c.Connect(ctx, "postgresql", func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.pool = pool
	c.Logger().Info("connection pool created", zap.Int32("max_connections", poolConfig.MaxConns))
	return pool, nil
}

// TestConnection pings the server.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	pool, err := c.getPool(ctx)
	details := map[string]string{}
	if err == nil {
		var version string
		if qerr := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); qerr == nil {
			details["server_version"] = version
		}
		details["database"] = pool.Config().ConnConfig.Database
	}
	return c.Status(start, err, details)
}

// Discover lists tables (and views unless disabled) with their columns.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	pool, err := c.getPool(ctx)
	if err != nil {
		return nil, err
	}

	var schemas []string
	if len(c.schemas) > 0 {
		schemas = c.schemas
	}
	tables, err := c.listTables(ctx, pool, schemas)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list tables")
	}
	columns, err := c.listColumns(ctx, pool, schemas)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list columns")
	}

	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, t := range tables {
			if t.Kind == "view" && !c.includeViews {
				continue
			}
			a := c.TableAsset(t, columns[t.Key()])
			a.Metadata["database"] = pool.Config().ConnConfig.Database
			if limit > 0 {
				a.Sample = c.sample(ctx, pool, t, limit)
			}
			if err := emit(a); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Connector) listTables(ctx context.Context, pool *pgxpool.Pool, schemas []string) ([]base.Table, error) {
	rows, err := pool.Query(ctx, tablesQuery, schemas)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []base.Table
	for rows.Next() {
		var t base.Table
		var tableType string
		if err := rows.Scan(&t.Schema, &t.Name, &tableType, &t.Rows, &t.Bytes, &t.Comment); err != nil {
			return nil, err
		}
		t.Kind = base.TableKind(tableType)
		if t.Rows < 0 {
			// never analyzed
			t.Rows = 0
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (c *Connector) listColumns(ctx context.Context, pool *pgxpool.Pool, schemas []string) (map[string][]models.Field, error) {
	rows, err := pool.Query(ctx, columnsQuery, schemas)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]models.Field)
	for rows.Next() {
		var schema, table, column, native, nullable string
		if err := rows.Scan(&schema, &table, &column, &native, &nullable); err != nil {
			return nil, err
		}
		key := schema + "." + table
		out[key] = append(out[key], models.Field{
			Name:     column,
			Type:     base.NormalizeSQLType(native),
			Nullable: nullable == "YES",
		})
	}
	return out, rows.Err()
}

// sample reads up to limit rows. A failure is recorded on the sample so the
// asset is still cataloged.
func (c *Connector) sample(ctx context.Context, pool *pgxpool.Pool, t base.Table, limit int) *core.Sample {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", pgx.Identifier{t.Schema, t.Name}.Sanitize(), limit)
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return &core.Sample{Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return &core.Sample{Rows: out, Err: err}
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		c.Logger().Debug("sample query failed", zap.String("table", t.Key()), zap.Error(err))
		return &core.Sample{Err: err}
	}
	return &core.Sample{Rows: out}
}

// normalize converts pgx decoded values into plain Go values.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Time:
		if !x.Valid {
			return nil
		}
		return time.Duration(x.Microseconds * int64(time.Microsecond)).String()
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return fmt.Sprintf("%d months %d days %dus", x.Months, x.Days, x.Microseconds)
	case map[string]any, []any, string, bool, int16, int32, int64, float32, float64, nil:
		return v
	case time.Time, []byte:
		return base.NormalizeValue(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Close releases the pool.
func (c *Connector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// Package mysql discovers tables and views of MySQL and MariaDB schemas.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

var systemSchemas = []string{"mysql", "information_schema", "performance_schema", "sys"}

// Connector lists relations of a MySQL server.
type Connector struct {
	*base.BaseConnector

	dsn     *mysql.Config
	schemas []string
	db      *base.LazyDB
}

// New creates a MySQL connector from security.credentials.dsn, a
// go-sql-driver DSN such as "user:pw@tcp(host:3306)/app".
func New(cfg *config.SourceConfig) (core.Connector, error) {
	raw := cfg.Credential("dsn")
	if raw == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "dsn is required in security.credentials").
			WithDetail("source_id", cfg.ID)
	}
	dsn, err := mysql.ParseDSN(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse mysql dsn")
	}
	dsn.ParseTime = true
	if dsn.Timeout == 0 {
		dsn.Timeout = cfg.Timeouts.Connection
	}

	schemas := cfg.ListSetting("schemas")
	if len(schemas) == 0 && dsn.DBName != "" {
		schemas = []string{dsn.DBName}
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("mysql", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize)),
		dsn:     dsn,
		schemas: schemas,
	}
	c.db = base.NewLazyDB(func() (*sql.DB, error) {
		connector, err := mysql.NewConnector(c.dsn)
		if err != nil {
			return nil, err
		}
		db := sql.OpenDB(connector)
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(10 * time.Minute)
		return db, nil
	})
	return c, nil
}

// schemaFilter returns a WHERE fragment on column plus its arguments.
func (c *Connector) schemaFilter(column string) (string, []any) {
	list, names := systemSchemas, "NOT IN"
	if len(c.schemas) > 0 {
		list, names = c.schemas, "IN"
	}
	args := make([]any, len(list))
	for i, s := range list {
		args[i] = s
	}
	return fmt.Sprintf("%s %s (%s)", column, names, strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")), args
}

// TestConnection pings the server and reports its version.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	db, err := c.db.Get(ctx, c.BaseConnector, "mysql")
	details := map[string]string{"address": c.dsn.Addr}
	if err == nil {
		var version string
		if qerr := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); qerr == nil {
			details["server_version"] = version
		}
	}
	return c.Status(start, err, details)
}

// Discover lists tables and views with their columns.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	db, err := c.db.Get(ctx, c.BaseConnector, "mysql")
	if err != nil {
		return nil, err
	}

	tables, err := c.listTables(ctx, db)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list tables")
	}
	where, args := c.schemaFilter("table_schema")
	columns, err := base.LoadColumns(ctx, db, `SELECT table_schema, table_name, column_name, column_type, is_nullable
		FROM information_schema.columns WHERE `+where+`
		ORDER BY table_schema, table_name, ordinal_position`, args...)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list columns")
	}

	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, t := range tables {
			a := c.TableAsset(t, columns[t.Key()])
			if limit > 0 {
				rows, err := base.SampleSQL(ctx, db, "SELECT * FROM "+base.QuoteIdent("`", t.Schema, t.Name), limit)
				a.Sample = &core.Sample{Rows: rows, Err: err}
			}
			if err := emit(a); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Connector) listTables(ctx context.Context, db *sql.DB) ([]base.Table, error) {
	where, args := c.schemaFilter("table_schema")
	rows, err := db.QueryContext(ctx, `SELECT table_schema, table_name, table_type,
			COALESCE(table_rows, 0), COALESCE(data_length, 0) + COALESCE(index_length, 0),
			create_time, update_time, COALESCE(table_comment, '')
		FROM information_schema.tables WHERE `+where+`
		ORDER BY table_schema, table_name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []base.Table
	for rows.Next() {
		var (
			t                 base.Table
			tableType         string
			created, modified sql.NullTime
		)
		if err := rows.Scan(&t.Schema, &t.Name, &tableType, &t.Rows, &t.Bytes, &created, &modified, &t.Comment); err != nil {
			return nil, err
		}
		t.Kind = base.TableKind(tableType)
		if created.Valid {
			t.Created = created.Time.UTC()
		}
		if modified.Valid {
			t.Modified = modified.Time.UTC()
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// Close closes the pool.
func (c *Connector) Close(context.Context) error {
	return c.db.Close()
}

// Package snowflake discovers tables and views of a Snowflake database.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

// Connector lists relations of one Snowflake database.
type Connector struct {
	*base.BaseConnector

	sfConfig *sf.Config
	database string
	schemas  []string
	db       *base.LazyDB
}

// New creates a Snowflake connector. Credentials are either a complete dsn
// or account, user and password; settings.database selects the database.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	sfConfig, err := driverConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sfConfig.Database == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "database is required").WithDetail("source_id", cfg.ID)
	}
	dsn, err := sf.DSN(sfConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build snowflake dsn")
	}

	var schemas []string
	for _, s := range cfg.ListSetting("schemas") {
		schemas = append(schemas, strings.ToUpper(s))
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("snowflake", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySchema, core.CapabilitySize)),
		sfConfig: sfConfig,
		database: sfConfig.Database,
		schemas:  schemas,
	}
	c.db = base.NewLazyDB(func() (*sql.DB, error) {
		db, err := sql.Open("snowflake", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	})
	return c, nil
}

func driverConfig(cfg *config.SourceConfig) (*sf.Config, error) {
	var sfConfig *sf.Config
	if raw := cfg.Credential("dsn"); raw != "" {
		parsed, err := sf.ParseDSN(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse snowflake dsn")
		}
		sfConfig = parsed
	} else {
		sfConfig = &sf.Config{
			Account:  cfg.Credential("account"),
			User:     cfg.Credential("user"),
			Password: cfg.Credential("password"),
		}
		if sfConfig.Account == "" || sfConfig.User == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "dsn or account and user are required in security.credentials").
				WithDetail("source_id", cfg.ID)
		}
	}

	if v := cfg.Setting("database", ""); v != "" {
		sfConfig.Database = v
	}
	if v := cfg.Setting("warehouse", ""); v != "" {
		sfConfig.Warehouse = v
	}
	if v := cfg.Setting("role", ""); v != "" {
		sfConfig.Role = v
	}
	if sfConfig.LoginTimeout == 0 {
		sfConfig.LoginTimeout = cfg.Timeouts.Connection
	}
	if sfConfig.Params == nil {
		sfConfig.Params = make(map[string]*string)
	}
	// same session parameter as clientSessionKeepAlive=true in a dsn
	keepAlive := "true"
	sfConfig.Params["client_session_keep_alive"] = &keepAlive
	return sfConfig, nil
}

// schemaFilter returns a WHERE fragment on table_schema plus its arguments.
func (c *Connector) schemaFilter() (string, []any) {
	if len(c.schemas) == 0 {
		return "table_schema <> 'INFORMATION_SCHEMA'", nil
	}
	args := make([]any, len(c.schemas))
	for i, s := range c.schemas {
		args[i] = s
	}
	return fmt.Sprintf("table_schema IN (%s)", strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")), args
}

func (c *Connector) infoSchema(view string) string {
	return base.QuoteIdent(`"`, c.database) + ".INFORMATION_SCHEMA." + view
}

// TestConnection opens a session and reports the current warehouse.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"account": c.sfConfig.Account, "database": c.database}
	db, err := c.db.Get(ctx, c.BaseConnector, "snowflake")
	if err == nil {
		var version string
		var warehouse sql.NullString
		if qerr := db.QueryRowContext(ctx, "SELECT CURRENT_VERSION(), CURRENT_WAREHOUSE()").Scan(&version, &warehouse); qerr == nil {
			details["server_version"] = version
			if warehouse.Valid {
				details["warehouse"] = warehouse.String
			}
		}
	}
	return c.Status(start, err, details)
}

// Discover lists tables and views with their columns.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	db, err := c.db.Get(ctx, c.BaseConnector, "snowflake")
	if err != nil {
		return nil, err
	}
	tables, err := c.listTables(ctx, db)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list tables")
	}
	where, args := c.schemaFilter()
	columns, err := base.LoadColumns(ctx, db, `SELECT table_schema, table_name, column_name, data_type, is_nullable
		FROM `+c.infoSchema("COLUMNS")+` WHERE `+where+`
		ORDER BY table_schema, table_name, ordinal_position`, args...)
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list columns")
	}

	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, t := range tables {
			a := c.TableAsset(t, columns[t.Key()])
			a.Metadata["database"] = c.database
			if limit > 0 {
				rows, err := base.SampleSQL(ctx, db, "SELECT * FROM "+base.QuoteIdent(`"`, c.database, t.Schema, t.Name), limit)
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
	where, args := c.schemaFilter()
	rows, err := db.QueryContext(ctx, `SELECT table_schema, table_name, table_type,
			COALESCE(row_count, 0), COALESCE(bytes, 0), created, last_altered, COALESCE(comment, '')
		FROM `+c.infoSchema("TABLES")+` WHERE `+where+`
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

package base

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// NormalizeSQLType maps a native column type onto the normalized field types.
func NormalizeSQLType(native string) string {
	t := strings.ToLower(strings.TrimSpace(native))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSpace(strings.TrimSuffix(t, " unsigned"))

	switch {
	case t == "":
		return models.TypeUnknown
	case strings.HasSuffix(t, "[]") || t == "array" || t == "repeated":
		return models.TypeArray
	}

	switch t {
	case "smallint", "integer", "int", "int2", "int4", "int8", "int64", "bigint", "tinyint",
		"mediumint", "serial", "bigserial", "smallserial", "year":
		return models.TypeInteger
	case "real", "float", "float4", "float8", "float64", "double", "double precision":
		return models.TypeFloat
	case "numeric", "decimal", "number", "bignumeric", "money":
		return models.TypeDecimal
	case "boolean", "bool", "bit":
		return models.TypeBoolean
	case "date":
		return models.TypeDate
	case "timestamp", "timestamptz", "datetime", "timestamp with time zone",
		"timestamp without time zone", "timestamp_ntz", "timestamp_ltz", "timestamp_tz":
		return models.TypeTimestamp
	case "bytea", "blob", "binary", "varbinary", "longblob", "mediumblob", "tinyblob", "bytes":
		return models.TypeBinary
	case "json", "jsonb", "variant", "object", "record", "struct", "document":
		return models.TypeObject
	case "char", "character", "varchar", "character varying", "text", "string", "uuid", "citext",
		"tinytext", "mediumtext", "longtext", "enum", "set", "time", "interval", "inet", "xml":
		return models.TypeString
	}
	return models.TypeString
}

// QuoteIdent quotes a possibly qualified identifier with quote, doubling
// embedded quote characters.
func QuoteIdent(quote string, parts ...string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = quote + strings.ReplaceAll(p, quote, quote+quote) + quote
	}
	return strings.Join(quoted, ".")
}

// SampleSQL runs a bounded sample query and returns decoded rows.
func SampleSQL(ctx context.Context, db *sql.DB, query string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("%s LIMIT %d", query, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanRows(rows, limit)
}

// ScanRows decodes up to limit rows into maps keyed by column name.
func ScanRows(rows *sql.Rows, limit int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() && len(out) < limit {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return out, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// NormalizeValue converts driver values into plain Go values the extractor understands.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// Table is one relation listed from a SQL source's information schema.
type Table struct {
	Schema string
	Name   string
	// Kind is "table" or "view"
	Kind     string
	Rows     int64
	Bytes    int64
	Created  time.Time
	Modified time.Time
	Comment  string
}

// Key is the "schema.table" location of the relation.
func (t Table) Key() string {
	return t.Schema + "." + t.Name
}

// TableKind maps an information_schema table_type onto "table" or "view".
func TableKind(tableType string) string {
	if strings.Contains(strings.ToLower(tableType), "view") {
		return "view"
	}
	return "table"
}

// LoadColumns runs query, which must return schema, table, column, native
// type and nullability ("YES"/"NO") rows ordered by ordinal position, and
// groups the normalized fields by Table.Key.
func LoadColumns(ctx context.Context, db *sql.DB, query string, args ...any) (map[string][]models.Field, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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
			Type:     NormalizeSQLType(native),
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	return out, rows.Err()
}

// TableAsset builds the raw asset of a relation.
func (bc *BaseConnector) TableAsset(t Table, fields []models.Field) *core.RawAsset {
	a := bc.NewAsset(t.Name, t.Kind, t.Key())
	a.Size = t.Bytes
	a.CreatedAt = t.Created
	a.ModifiedAt = t.Modified
	a.Schema = fields
	a.Metadata["schema"] = t.Schema
	if t.Rows > 0 {
		a.Metadata["row_count"] = strconv.FormatInt(t.Rows, 10)
	}
	if t.Comment != "" {
		a.Metadata["description"] = t.Comment
	}
	return a
}

// LazyDB opens a database/sql pool on first use, verified with a ping under
// the connector's retry policy, and keeps it until Close.
type LazyDB struct {
	mu   sync.Mutex
	db   *sql.DB
	open func() (*sql.DB, error)
}

// NewLazyDB creates a LazyDB around open.
func NewLazyDB(open func() (*sql.DB, error)) *LazyDB {
	return &LazyDB{open: open}
}

// Get returns the pool, connecting if needed.
func (l *LazyDB) Get(ctx context.Context, bc *BaseConnector, what string) (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return l.db, nil
	}

	db, err := l.open()
	if err != nil {
		return nil, ClassifyError(err, "failed to open "+what)
	}
	if err := bc.Connect(ctx, what, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.db = db
	return db, nil
}

// Close closes the pool if it was opened.
func (l *LazyDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

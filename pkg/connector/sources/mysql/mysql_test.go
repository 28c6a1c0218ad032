package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

func newTestConnector(t *testing.T, dsn string, settings map[string]string) (*Connector, error) {
	t.Helper()
	cfg := config.NewSourceConfig("my", "mysql")
	cfg.Security.Credentials["dsn"] = dsn
	for k, v := range settings {
		cfg.Settings[k] = v
	}
	conn, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return conn.(*Connector), nil
}

func TestNew(t *testing.T) {
	c, err := newTestConnector(t, "app:secret@tcp(db:3306)/shop", nil)
	require.NoError(t, err)
	assert.True(t, c.dsn.ParseTime)
	assert.Equal(t, []string{"shop"}, c.schemas)

	_, err = newTestConnector(t, "", nil)
	assert.True(t, errors.IsConfig(err))

	_, err = newTestConnector(t, "app:secret@tcp(db:3306", nil)
	assert.True(t, errors.IsConfig(err))
}

func TestSchemaFilter(t *testing.T) {
	c, err := newTestConnector(t, "app@tcp(db:3306)/", nil)
	require.NoError(t, err)
	where, args := c.schemaFilter("table_schema")
	assert.Equal(t, "table_schema NOT IN (?, ?, ?, ?)", where)
	assert.Equal(t, []any{"mysql", "information_schema", "performance_schema", "sys"}, args)

	c, err = newTestConnector(t, "app@tcp(db:3306)/shop", map[string]string{"schemas": "shop, billing"})
	require.NoError(t, err)
	where, args = c.schemaFilter("table_schema")
	assert.Equal(t, "table_schema IN (?, ?)", where)
	assert.Equal(t, []any{"shop", "billing"}, args)
}

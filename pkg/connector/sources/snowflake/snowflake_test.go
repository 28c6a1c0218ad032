package snowflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		creds   map[string]string
		setting map[string]string
		wantErr bool
	}{
		{
			name:    "account credentials",
			creds:   map[string]string{"account": "acme-eu", "user": "svc", "password": "pw"},
			setting: map[string]string{"database": "analytics", "warehouse": "wh"},
		},
		{
			name:    "dsn with database",
			creds:   map[string]string{"dsn": "svc:pw@acme-eu/analytics"},
			setting: map[string]string{},
		},
		{
			name:    "missing database",
			creds:   map[string]string{"account": "acme-eu", "user": "svc"},
			setting: map[string]string{},
			wantErr: true,
		},
		{
			name:    "missing credentials",
			creds:   map[string]string{},
			setting: map[string]string{"database": "analytics"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewSourceConfig("sf", "snowflake")
			for k, v := range tt.creds {
				cfg.Security.Credentials[k] = v
			}
			for k, v := range tt.setting {
				cfg.Settings[k] = v
			}
			conn, err := New(cfg)
			if tt.wantErr {
				assert.True(t, errors.IsConfig(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			c := conn.(*Connector)
			assert.Equal(t, "analytics", c.database)
			assert.Equal(t, "acme-eu", c.sfConfig.Account)
		})
	}
}

func TestDriverConfig(t *testing.T) {
	tests := []struct {
		name  string
		creds map[string]string
	}{
		{name: "account credentials", creds: map[string]string{"account": "acme-eu", "user": "svc", "password": "pw"}},
		{name: "dsn", creds: map[string]string{"dsn": "svc:pw@acme-eu/analytics"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewSourceConfig("sf", "snowflake")
			for k, v := range tt.creds {
				cfg.Security.Credentials[k] = v
			}
			cfg.Settings["database"] = "analytics"
			cfg.Settings["warehouse"] = "wh"
			cfg.Settings["role"] = "reader"

			sfConfig, err := driverConfig(cfg)
			require.NoError(t, err)
			assert.Equal(t, "analytics", sfConfig.Database)
			assert.Equal(t, "wh", sfConfig.Warehouse)
			assert.Equal(t, "reader", sfConfig.Role)
			assert.NotZero(t, sfConfig.LoginTimeout)
			require.Contains(t, sfConfig.Params, "client_session_keep_alive")
			require.NotNil(t, sfConfig.Params["client_session_keep_alive"])
			assert.Equal(t, "true", *sfConfig.Params["client_session_keep_alive"])
		})
	}
}

func TestSchemaFilter(t *testing.T) {
	c := &Connector{}
	where, args := c.schemaFilter()
	assert.Equal(t, "table_schema <> 'INFORMATION_SCHEMA'", where)
	assert.Empty(t, args)

	c = &Connector{schemas: []string{"PUBLIC", "RAW"}}
	where, args = c.schemaFilter()
	assert.Equal(t, "table_schema IN (?, ?)", where)
	assert.Equal(t, []any{"PUBLIC", "RAW"}, args)

	c = &Connector{database: "my\"db"}
	assert.Equal(t, `"my""db".INFORMATION_SCHEMA.TABLES`, c.infoSchema("TABLES"))
}

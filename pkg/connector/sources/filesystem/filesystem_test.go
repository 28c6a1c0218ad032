package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func sourceConfig(root string, settings map[string]string) *config.SourceConfig {
	cfg := config.NewSourceConfig("fs1", "filesystem")
	cfg.Settings["root"] = root
	for k, v := range settings {
		cfg.Settings[k] = v
	}
	return cfg
}

func discover(t *testing.T, conn core.Connector) map[string]*core.RawAsset {
	t.Helper()
	stream, err := conn.Discover(context.Background())
	require.NoError(t, err)
	assets, err := base.Drain(stream)
	require.NoError(t, err)
	out := make(map[string]*core.RawAsset, len(assets))
	for _, a := range assets {
		out[a.Location] = a
	}
	return out
}

func locations(m map[string]*core.RawAsset) []string {
	out := make([]string, 0, len(m))
	for loc := range m {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

func TestDiscover(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.csv":                "id,name\n1,x\n",
		"b.csv":                "id\n1\n",
		"logs/app.jsonl.gz":    "not really gzip",
		"docs/readme.pdf":      "%PDF",
		".git/config":          "[core]",
		".env":                 "SECRET=1",
		"nested/deep/data.tsv": "a\tb\n",
	})

	conn, err := New(sourceConfig(root, nil))
	require.NoError(t, err)
	assets := discover(t, conn)

	assert.Equal(t, []string{"/a.csv", "/b.csv", "/docs/readme.pdf", "/logs/app.jsonl.gz", "/nested/deep/data.tsv"}, locations(assets))

	a := assets["/a.csv"]
	assert.Equal(t, "a.csv", a.Name)
	assert.Equal(t, "file", a.Type)
	assert.Equal(t, "fs1", a.SourceID)
	assert.Equal(t, int64(12), a.Size)
	assert.False(t, a.ModifiedAt.IsZero())
	assert.Equal(t, "csv", a.Metadata["extension"])
	assert.Equal(t, filepath.Join(root, "a.csv"), a.Metadata["path"])
	assert.Contains(t, a.Tags, "format:csv")
	require.NotNil(t, a.Sample)
	assert.Equal(t, "csv", a.Sample.Format)

	rc, err := a.Sample.Open(context.Background())
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,x\n", string(data))

	gz := assets["/logs/app.jsonl.gz"]
	assert.Contains(t, gz.Tags, "format:jsonl")
	assert.Contains(t, gz.Tags, "compression:gzip")
	require.NotNil(t, gz.Sample)
	assert.Equal(t, "gzip", gz.Sample.Compression)

	assert.Nil(t, assets["/docs/readme.pdf"].Sample, "unsupported formats carry no sample")
}

func TestDiscoverFilters(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.csv":         "x",
		"b.json":        "{}",
		"tmp/c.csv":     "x",
		"sub/d.csv":     "x",
		".hidden/e.csv": "x",
	})

	tests := []struct {
		name     string
		settings map[string]string
		want     []string
	}{
		{
			name:     "include by extension",
			settings: map[string]string{"include": "*.csv"},
			want:     []string{"/a.csv", "/sub/d.csv", "/tmp/c.csv"},
		},
		{
			name:     "exclude by path",
			settings: map[string]string{"exclude": "tmp/*, *.json"},
			want:     []string{"/a.csv", "/sub/d.csv"},
		},
		{
			name:     "max depth",
			settings: map[string]string{"max_depth": "1"},
			want:     []string{"/a.csv", "/b.json"},
		},
		{
			name:     "hidden included",
			settings: map[string]string{"include_hidden": "true", "include": "e.csv"},
			want:     []string{"/.hidden/e.csv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := New(sourceConfig(root, tt.settings))
			require.NoError(t, err)
			assert.Equal(t, tt.want, locations(discover(t, conn)))
		})
	}
}

func TestNetworkShareAliases(t *testing.T) {
	root := writeTree(t, map[string]string{"a.csv": "x"})

	conn, err := NewSMB(sourceConfig(root, nil))
	require.NoError(t, err)
	assert.Equal(t, "smb", conn.Name())

	a := discover(t, conn)["/a.csv"]
	require.NotNil(t, a)
	assert.Contains(t, a.Tags, "network-share")
	assert.Contains(t, a.Tags, "share:smb")
}

func TestMissingRoot(t *testing.T) {
	conn, err := New(sourceConfig(filepath.Join(t.TempDir(), "nope"), nil))
	require.NoError(t, err)

	_, err = conn.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))

	status := conn.TestConnection(context.Background())
	assert.False(t, status.OK)
	assert.Error(t, status.Err)
}

func TestConnectionAndWatch(t *testing.T) {
	root := writeTree(t, map[string]string{"a.csv": "x"})
	conn, err := New(sourceConfig(root, nil))
	require.NoError(t, err)

	status := conn.TestConnection(context.Background())
	assert.True(t, status.OK, status.Message)
	assert.Equal(t, root, status.Details["root"])

	w, ok := conn.(core.Watchable)
	require.True(t, ok)
	assert.Equal(t, []string{root}, w.WatchPaths())
	assert.True(t, conn.Capabilities().Has(core.CapabilityRealtime))
}

func TestConfigErrors(t *testing.T) {
	_, err := New(config.NewSourceConfig("fs1", "filesystem"))
	assert.True(t, errors.IsConfig(err))

	_, err = New(sourceConfig(t.TempDir(), map[string]string{"include": "[bad"}))
	assert.True(t, errors.IsConfig(err))

	_, err = New(sourceConfig(t.TempDir(), map[string]string{"max_depth": "deep"}))
	assert.True(t, errors.IsConfig(err))
}

func TestDiscoverCancelled(t *testing.T) {
	files := make(map[string]string)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		files[n+".csv"] = "x"
	}
	conn, err := New(sourceConfig(writeTree(t, files), nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream, err := conn.Discover(ctx)
	require.NoError(t, err)
	_, err = base.Drain(stream)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

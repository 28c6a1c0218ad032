package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/catalog"
	"github.com/ajitpratap0/atlas/pkg/models"
)

func writeConfig(t *testing.T) (cfgPath, root string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "orders.csv"), []byte("id,total\n1,9.5\n2,3.0\n"), 0o644))

	cfg := `catalog:
  driver: sqlite
  dsn: "file:` + filepath.ToSlash(filepath.Join(dir, "catalog.db")) + `"
logging:
  level: error
metrics:
  enabled: false
sources:
  - id: local
    type: filesystem
    settings:
      root: "` + filepath.ToSlash(root) + `"
`
	cfgPath = filepath.Join(dir, "atlas.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, root
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionAndConnectors(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Atlas v"+version)

	out, err = run(t, "connectors", "-o", "json")
	require.NoError(t, err)
	var types []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &types))
	names := make([]string, 0, len(types))
	for _, ty := range types {
		names = append(names, ty.Name)
	}
	assert.Contains(t, names, "filesystem")
	assert.Contains(t, names, "postgresql")
}

func TestScanSearchGetHistory(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "scan", "-o", "json")
	require.NoError(t, err)
	var scan models.ScanRun
	require.NoError(t, json.Unmarshal([]byte(out), &scan))
	assert.Equal(t, models.RunCompleted, scan.Status)
	assert.Equal(t, 1, scan.Totals().Created)

	out, err = run(t, "-c", cfgPath, "search", "orders", "-o", "json")
	require.NoError(t, err)
	var assets []models.CatalogedAsset
	require.NoError(t, json.Unmarshal([]byte(out), &assets))
	require.Len(t, assets, 1)
	id := assets[0].AssetID

	out, err = run(t, "-c", cfgPath, "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "/orders.csv")

	out, err = run(t, "-c", cfgPath, "history", id, "-o", "json")
	require.NoError(t, err)
	var hist []models.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(out), &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, models.ChangeCreated, hist[0].ChangeKind)

	out, err = run(t, "-c", cfgPath, "runs", "--latest", "-o", "json")
	require.NoError(t, err)
	var latest models.ScanRun
	require.NoError(t, json.Unmarshal([]byte(out), &latest))
	assert.Equal(t, scan.RunID, latest.RunID)

	out, err = run(t, "-c", cfgPath, "stats", "-o", "json")
	require.NoError(t, err)
	var stats catalog.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Assets)
	assert.Equal(t, 1, stats.BySource["local"])
}

func TestScanSingleSource(t *testing.T) {
	cfgPath, root := writeConfig(t)
	_, err := run(t, "-c", cfgPath, "scan")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "orders.csv")))
	out, err := run(t, "-c", cfgPath, "scan", "--source", "local", "--detect-removals")
	require.NoError(t, err)
	assert.Contains(t, out, "local")

	out, err = run(t, "-c", cfgPath, "search", "orders")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")
}

func TestSourcesAndTest(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "sources")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "filesystem")

	out, err = run(t, "-c", cfgPath, "test")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
}

func TestSourcesFile(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "events.jsonl"), []byte(`{"id":1}`+"\n"), 0o644))

	sourcesPath := filepath.Join(t.TempDir(), "sources.yaml")
	doc := `sources:
  - id: archive
    type: filesystem
    settings:
      root: "` + filepath.ToSlash(extra) + `"
`
	require.NoError(t, os.WriteFile(sourcesPath, []byte(doc), 0o644))

	out, err := run(t, "-c", cfgPath, "--sources", sourcesPath, "sources")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "archive")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sources:\n  - id: x\n    type: filesystem\n    colour: red\n"), 0o644))
	_, err = run(t, "-c", cfgPath, "--sources", bad, "sources")
	require.Error(t, err)

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("sources:\n  - id: local\n    type: filesystem\n    settings:\n      root: /tmp\n"), 0o644))
	_, err = run(t, "-c", cfgPath, "--sources", dup, "sources")
	require.Error(t, err)
}

func TestCommandErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := run(t, "-c", cfgPath, "scan", "--source", "nope")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "nope"))

	_, err = run(t, "-c", cfgPath, "get", "missing-id")
	require.Error(t, err)

	_, err = run(t, "-c", cfgPath, "stats", "-o", "yaml")
	require.Error(t, err)

	_, err = run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "stats")
	require.Error(t, err)
}

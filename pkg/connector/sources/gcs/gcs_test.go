package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

const objectsJSON = `{
  "kind": "storage#objects",
  "items": [
    {"kind": "storage#object", "name": "raw/", "bucket": "lake", "size": "0",
     "updated": "2024-01-02T03:04:05Z", "timeCreated": "2024-01-02T03:04:05Z"},
    {"kind": "storage#object", "name": "raw/events.jsonl.gz", "bucket": "lake", "size": "512",
     "generation": "7", "contentType": "application/gzip", "storageClass": "STANDARD",
     "metadata": {"team": "growth"},
     "updated": "2024-01-02T03:04:05Z", "timeCreated": "2024-01-01T00:00:00Z"}
  ]
}`

// fakeGCS serves the JSON API calls used for listing and bucket attributes.
func fakeGCS(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/b/lake/o"):
			_, _ = io.WriteString(w, objectsJSON)
		case strings.HasSuffix(r.URL.Path, "/b/lake"):
			_, _ = io.WriteString(w, `{"kind": "storage#bucket", "name": "lake", "location": "EU", "storageClass": "STANDARD"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error": {"code": 404, "message": "The specified bucket does not exist."}}`)
		}
	}))
}

func sourceConfig(endpoint, bucket string) *config.SourceConfig {
	cfg := config.NewSourceConfig("gcs1", "gcs")
	cfg.Reliability.RetryAttempts = 1
	cfg.Settings["bucket"] = bucket
	cfg.Settings["prefix"] = "raw/"
	cfg.Settings["endpoint"] = endpoint + "/storage/v1/"
	return cfg
}

func TestDiscover(t *testing.T) {
	srv := fakeGCS(t)
	defer srv.Close()

	conn, err := New(sourceConfig(srv.URL, "lake"))
	require.NoError(t, err)
	defer conn.(*Connector).Close(context.Background())

	stream, err := conn.Discover(context.Background())
	require.NoError(t, err)
	assets, err := base.Drain(stream)
	require.NoError(t, err)
	require.Len(t, assets, 1)

	a := assets[0]
	assert.Equal(t, "gs://lake/raw/events.jsonl.gz", a.Location)
	assert.Equal(t, "events.jsonl.gz", a.Name)
	assert.Equal(t, int64(512), a.Size)
	assert.Equal(t, "7", a.Metadata["generation"])
	assert.Equal(t, "growth", a.Metadata["label.team"])
	assert.ElementsMatch(t, []string{"format:jsonl", "compression:gzip", "storage:gcs"}, a.Tags)
	require.NotNil(t, a.Sample)
	assert.Equal(t, "gzip", a.Sample.Compression)
}

func TestConnection(t *testing.T) {
	srv := fakeGCS(t)
	defer srv.Close()

	conn, err := New(sourceConfig(srv.URL, "lake"))
	require.NoError(t, err)
	status := conn.TestConnection(context.Background())
	require.True(t, status.OK, status.Message)
	assert.Equal(t, "EU", status.Details["location"])

	missing, err := New(sourceConfig(srv.URL, "gone"))
	require.NoError(t, err)
	assert.False(t, missing.TestConnection(context.Background()).OK)
}

func TestNewValidation(t *testing.T) {
	cfg := config.NewSourceConfig("gcs1", "gcs")
	_, err := New(cfg)
	assert.True(t, errors.IsConfig(err))

	cfg.Settings["bucket"] = "lake"
	cfg.Settings["sample_bytes"] = "-1"
	_, err = New(cfg)
	assert.True(t, errors.IsConfig(err))
}

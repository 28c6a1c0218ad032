package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

func sourceConfig(brokers string) *config.SourceConfig {
	cfg := config.NewSourceConfig("events", "kafka")
	cfg.Settings["brokers"] = brokers
	cfg.Reliability.RetryAttempts = 1
	return cfg
}

func TestDiscover(t *testing.T) {
	broker := sarama.NewMockBroker(t, 1)
	defer broker.Close()

	broker.SetHandlerByMap(map[string]sarama.MockResponse{
		"MetadataRequest": sarama.NewMockMetadataResponse(t).
			SetBroker(broker.Addr(), broker.BrokerID()).
			SetLeader("orders", 0, broker.BrokerID()).
			SetLeader("__consumer_offsets", 0, broker.BrokerID()),
		"OffsetRequest": sarama.NewMockOffsetResponse(t).
			SetOffset("orders", 0, sarama.OffsetOldest, 0).
			SetOffset("orders", 0, sarama.OffsetNewest, 2),
		"FetchRequest": sarama.NewMockFetchResponse(t, 1).
			SetMessage("orders", 0, 0, sarama.StringEncoder(`{"id":1,"email":"a@example.com"}`)).
			SetMessage("orders", 0, 1, sarama.StringEncoder("not json")).
			SetHighWaterMark("orders", 0, 2),
	})

	conn, err := New(sourceConfig(broker.Addr()))
	require.NoError(t, err)
	defer conn.(*Connector).Close(context.Background())

	status := conn.TestConnection(context.Background())
	require.True(t, status.OK, status.Message)

	stream, err := conn.Discover(context.Background())
	require.NoError(t, err)
	assets, err := base.Drain(stream)
	require.NoError(t, err)
	require.Len(t, assets, 1, "internal topics are skipped")

	a := assets[0]
	assert.Equal(t, "orders", a.Name)
	assert.Equal(t, "stream", a.Type)
	assert.Equal(t, "kafka://orders", a.Location)
	assert.Equal(t, "1", a.Metadata["partitions"])
	assert.Equal(t, "2", a.Metadata["message_count"])
	require.NotNil(t, a.Sample)
	require.NoError(t, a.Sample.Err)
	assert.Equal(t, []map[string]any{
		{"id": float64(1), "email": "a@example.com"},
		{"value": "not json"},
	}, a.Sample.Rows)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		creds    map[string]string
		wantErr  bool
	}{
		{name: "brokers", settings: map[string]string{"brokers": "k1:9092, k2:9092"}},
		{name: "missing brokers", settings: map[string]string{}, wantErr: true},
		{name: "bad version", settings: map[string]string{"brokers": "k1:9092", "version": "banana"}, wantErr: true},
		{
			name:     "sasl plain",
			settings: map[string]string{"brokers": "k1:9092", "tls": "true"},
			creds:    map[string]string{"username": "svc", "password": "pw"},
		},
		{
			name:     "unsupported sasl",
			settings: map[string]string{"brokers": "k1:9092", "sasl_mechanism": "GSSAPI"},
			creds:    map[string]string{"username": "svc"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewSourceConfig("events", "kafka")
			for k, v := range tt.settings {
				cfg.Settings[k] = v
			}
			for k, v := range tt.creds {
				cfg.Security.Credentials[k] = v
			}
			conn, err := New(cfg)
			if tt.wantErr {
				assert.True(t, errors.IsConfig(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, conn.(*Connector).brokers)
		})
	}
}

func TestSelected(t *testing.T) {
	c := &Connector{}
	assert.True(t, c.selected("orders"))
	assert.False(t, c.selected("__consumer_offsets"))

	c.includeTopics = []string{"payments"}
	assert.False(t, c.selected("orders"))
	assert.True(t, c.selected("payments"))
}

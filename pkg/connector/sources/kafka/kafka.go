// Package kafka discovers the topics of a Kafka cluster. Each topic is a
// "stream" asset; samples are read from the tail of its partitions.
package kafka

import (
	"context"
	"crypto/tls"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

// Connector lists topics of one cluster.
type Connector struct {
	*base.BaseConnector

	brokers       []string
	saramaConfig  *sarama.Config
	includeTopics []string
	sampleWait    time.Duration

	mu     sync.Mutex
	client sarama.Client
}

// New creates a Kafka connector for settings.brokers.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	brokers := cfg.ListSetting("brokers")
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "settings.brokers is required").WithDetail("source_id", cfg.ID)
	}
	saramaConfig, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	waitMS, err := cfg.IntSetting("sample_timeout_ms", 2000)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka source")
	}

	return &Connector{
		BaseConnector: base.NewBaseConnector("kafka", cfg,
			core.NewCapabilitySet(core.CapabilitySampling)),
		brokers:       brokers,
		saramaConfig:  saramaConfig,
		includeTopics: cfg.ListSetting("topics"),
		sampleWait:    time.Duration(waitMS) * time.Millisecond,
	}, nil
}

func buildSaramaConfig(cfg *config.SourceConfig) (*sarama.Config, error) {
	c := sarama.NewConfig()
	c.ClientID = "atlas-discovery"
	c.Net.DialTimeout = cfg.Timeouts.Connection
	c.Metadata.Retry.Max = 1
	c.Consumer.Return.Errors = true

	if v := cfg.Setting("version", ""); v != "" {
		version, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
		}
		c.Version = version
	}

	useTLS, err := cfg.BoolSetting("tls", false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka source")
	}
	if useTLS {
		c.Net.TLS.Enable = true
		c.Net.TLS.Config = &tls.Config{InsecureSkipVerify: cfg.Security.TLSSkipVerify}
	}

	if user := cfg.Credential("username"); user != "" {
		mechanism := strings.ToUpper(cfg.Setting("sasl_mechanism", "PLAIN"))
		if mechanism != "PLAIN" {
			return nil, errors.New(errors.ErrorTypeConfig, "unsupported sasl mechanism").WithDetail("mechanism", mechanism)
		}
		c.Net.SASL.Enable = true
		c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		c.Net.SASL.User = user
		c.Net.SASL.Password = cfg.Credential("password")
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka client configuration")
	}
	return c, nil
}

func (c *Connector) getClient(ctx context.Context) (sarama.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	var client sarama.Client
	err := c.Connect(ctx, "kafka", func(context.Context) error {
		cl, err := sarama.NewClient(c.brokers, c.saramaConfig)
		if err != nil {
			return err
		}
		client = cl
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.client = client
	c.Logger().Info("connected to kafka", zap.Strings("brokers", c.brokers))
	return client, nil
}

// TestConnection refreshes cluster metadata.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"brokers": strings.Join(c.brokers, ",")}
	client, err := c.getClient(ctx)
	if err == nil {
		if err = client.RefreshMetadata(); err == nil {
			details["live_brokers"] = strconv.Itoa(len(client.Brokers()))
		} else {
			err = base.ClassifyError(err, "failed to refresh kafka metadata")
		}
	}
	return c.Status(start, err, details)
}

// Discover lists non-internal topics with their partition layout and
// retained message counts.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := client.RefreshMetadata(); err != nil {
		return nil, base.ClassifyError(err, "failed to refresh kafka metadata")
	}
	topics, err := client.Topics()
	if err != nil {
		return nil, base.ClassifyError(err, "failed to list topics")
	}
	sort.Strings(topics)

	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, topic := range topics {
			if !c.selected(topic) {
				continue
			}
			a, err := c.topicAsset(client, topic)
			if err != nil {
				c.Logger().Warn("failed to describe topic", zap.String("topic", topic), zap.Error(err))
				continue
			}
			if limit > 0 {
				a.Sample = c.sample(ctx, client, topic, limit)
			}
			if err := emit(a); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Connector) selected(topic string) bool {
	if strings.HasPrefix(topic, "__") {
		return false
	}
	if len(c.includeTopics) == 0 {
		return true
	}
	for _, t := range c.includeTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *Connector) topicAsset(client sarama.Client, topic string) (*core.RawAsset, error) {
	partitions, err := client.Partitions(topic)
	if err != nil {
		return nil, err
	}
	var messages int64
	for _, p := range partitions {
		oldest, err := client.GetOffset(topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, err
		}
		newest, err := client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		messages += newest - oldest
	}

	a := c.NewAsset(topic, "stream", "kafka://"+topic)
	a.Metadata["topic"] = topic
	a.Metadata["partitions"] = strconv.Itoa(len(partitions))
	a.Metadata["message_count"] = strconv.FormatInt(messages, 10)
	if len(partitions) > 0 {
		if replicas, err := client.Replicas(topic, partitions[0]); err == nil {
			a.Metadata["replication_factor"] = strconv.Itoa(len(replicas))
		}
	}
	a.Tags = append(a.Tags, "streaming:kafka")
	return a, nil
}

// sample reads up to limit recent messages spread over the partitions.
// Values that are JSON objects become rows; anything else is kept under
// "value". Keys are not sampled.
func (c *Connector) sample(ctx context.Context, client sarama.Client, topic string, limit int) *core.Sample {
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return &core.Sample{Err: err}
	}
	defer consumer.Close()

	partitions, err := client.Partitions(topic)
	if err != nil {
		return &core.Sample{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.sampleWait)
	defer cancel()

	var rows []map[string]any
	for _, p := range partitions {
		if len(rows) >= limit {
			break
		}
		got, err := c.samplePartition(ctx, client, consumer, topic, p, limit-len(rows))
		rows = append(rows, got...)
		if err != nil {
			return &core.Sample{Rows: rows, Err: err}
		}
	}
	return &core.Sample{Rows: rows}
}

func (c *Connector) samplePartition(ctx context.Context, client sarama.Client, consumer sarama.Consumer,
	topic string, partition int32, want int) ([]map[string]any, error) {
	oldest, err := client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return nil, err
	}
	newest, err := client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return nil, err
	}
	if newest <= oldest {
		return nil, nil
	}
	start := newest - int64(want)
	if start < oldest {
		start = oldest
	}

	pc, err := consumer.ConsumePartition(topic, partition, start)
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	var rows []map[string]any
	for len(rows) < want {
		select {
		case <-ctx.Done():
			// a quiet partition is not an error
			return rows, nil
		case perr := <-pc.Errors():
			if perr != nil {
				return rows, perr.Err
			}
		case msg := <-pc.Messages():
			if msg == nil {
				return rows, nil
			}
			rows = append(rows, decodeMessage(msg))
			if msg.Offset >= newest-1 {
				return rows, nil
			}
		}
	}
	return rows, nil
}

func decodeMessage(msg *sarama.ConsumerMessage) map[string]any {
	var row map[string]any
	if err := json.Unmarshal(msg.Value, &row); err != nil || row == nil {
		row = map[string]any{"value": string(msg.Value)}
	}
	return row
}

// Close closes the client.
func (c *Connector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

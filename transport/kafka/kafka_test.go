package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemabus/schemabus/transport"
)

func TestRegistered(t *testing.T) {
	// init() registers this transport with the default registry
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestPartitionKeyPrefersCurie(t *testing.T) {
	msg := message.NewMessage("01ARZ3NDEKTSV4RRFFQ69G5FAV", []byte("{}"))
	msg.Metadata.Set(transport.MetadataCurie, "acme:blog:event:article-created")

	key, err := PartitionKey("blog.events", msg)
	require.NoError(t, err)
	assert.Equal(t, "acme:blog:event:article-created", key)

	// Without a curie the message id keeps the key stable per message.
	bare := message.NewMessage("01ARZ3NDEKTSV4RRFFQ69G5FAV", []byte("{}"))
	key, err = PartitionKey("blog.events", bare)
	require.NoError(t, err)
	assert.Equal(t, bare.UUID, key)
}

func TestBuildDefaultsConsumerGroup(t *testing.T) {
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	defer func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	}()

	var subCfg kafka.SubscriberConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		assert.NotNil(t, cfg.Marshaler)
		return &capturingPublisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return &mockSubscriber{}, nil
	}

	_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConsumerGroup, subCfg.ConsumerGroup)

	_, err = Build(context.Background(), &mockConfig{
		brokers:       []string{"localhost:9092"},
		consumerGroup: "replicator-2",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "replicator-2", subCfg.ConsumerGroup)
}

func TestBuildStampsMessageID(t *testing.T) {
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	defer func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	}()

	pub := &capturingPublisher{}
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return &mockSubscriber{}, nil
	}

	tr, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	require.NoError(t, err)

	msg := message.NewMessage("01ARZ3NDEKTSV4RRFFQ69G5FAV", []byte("{}"))
	require.NoError(t, tr.Publisher.Publish("blog.events", msg))
	require.Len(t, pub.published, 1)
	assert.Equal(t, msg.UUID, pub.published[0].Metadata.Get(transport.MetadataMessageID))
}

func TestBuildFactoryErrors(t *testing.T) {
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	defer func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	}()

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &capturingPublisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
}

type mockConfig struct {
	brokers       []string
	consumerGroup string
}

func (m *mockConfig) GetPubSubSystem() string       { return "kafka" }
func (m *mockConfig) GetKafkaBrokers() []string     { return m.brokers }
func (m *mockConfig) GetKafkaConsumerGroup() string { return m.consumerGroup }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetIOFile() string             { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type capturingPublisher struct {
	published []*message.Message
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.published = append(p.published, messages...)
	return nil
}
func (p *capturingPublisher) Close() error { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

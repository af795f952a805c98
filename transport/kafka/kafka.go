// Package kafka provides an Apache Kafka transport. Replicated messages
// are keyed by curie, so every message of one type lands on the same
// partition and consumers see it in publish order.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/schemabus/schemabus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultConsumerGroup is used when the config names no consumer group.
// Gateways sharing the group split the replication stream between them.
const DefaultConsumerGroup = "schemabus"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey picks the Kafka partition key for a message: the curie
// when the replication bus stamped one, the message id otherwise.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	if curie := msg.Metadata.Get(transport.MetadataCurie); curie != "" {
		return curie, nil
	}
	return msg.UUID, nil
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: group,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  transport.StampMessageID(publisher),
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

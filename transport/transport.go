// Package transport defines the pluggable pub/sub backends the gateway
// replicates events through and replays lines from. Each backend lives
// in its own sub-package and registers itself with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves, returning the first error encountered.
func (t Transport) Close() error {
	var err error
	if t.Publisher != nil {
		err = t.Publisher.Close()
	}
	if t.Subscriber != nil {
		if serr := t.Subscriber.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// Builder creates a transport from config. Each backend package provides
// one and registers it under its name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values backends need. The interface
// keeps backend packages from depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the backend name to build.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS (core and JetStream)
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO (batch line files)
	GetIOFile() string

	// AWS SNS/SQS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by backends that report their
// capabilities at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

package transport

// Capabilities describes what a transport backend can do. The console
// surfaces these so operators can see what the configured backend
// guarantees before replaying a batch through it.
type Capabilities struct {
	// Name is the registered backend name.
	Name string

	// Version is the backend/driver version, when known.
	Version string

	// SupportsOrdering reports whether messages within a partition or
	// stream are delivered in order.
	SupportsOrdering bool

	// SupportsAck reports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack reports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsBatching reports whether the backend batches publishes.
	SupportsBatching bool

	// SupportsTracing reports native tracing header propagation.
	SupportsTracing bool

	// SupportsPartitioning reports message partitioning.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery semantics
// (ack and nack both supported).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets for the bundled backends.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsBatching:     true,
		SupportsTracing:      true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsTracing:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsBatching: true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsBatching: true,
		SupportsTracing:  true,
		MaxMessageSize:   262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities registered under a backend
// name. Unknown names get a zero set carrying only the name.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}

package transport

import (
	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys the gateway stamps on every replicated message. Backends
// translate them into their native header or attribute mechanism so a
// peer gateway can reconstruct the line without decoding the payload.
const (
	// MetadataCurie names the curie of the message carried in the payload.
	MetadataCurie = "schemabus_curie"

	// MetadataMessageID carries the message id across brokers that assign
	// their own ids on delivery.
	MetadataMessageID = "sb_msg_id"
)

// LineContentType is the media type of a serialized line payload, used
// by backends that speak a content-typed protocol.
const LineContentType = "application/x-schemabus-lines"

// StampMessageID wraps a publisher so every outgoing message carries its
// id under MetadataMessageID. Brokers that replace the delivery id (SQS,
// HTTP relays) would otherwise lose it.
func StampMessageID(pub message.Publisher) message.Publisher {
	return stampedPublisher{inner: pub}
}

type stampedPublisher struct {
	inner message.Publisher
}

func (p stampedPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata.Get(MetadataMessageID) == "" {
			msg.Metadata.Set(MetadataMessageID, msg.UUID)
		}
	}
	return p.inner.Publish(topic, messages...)
}

func (p stampedPublisher) Close() error {
	return p.inner.Close()
}

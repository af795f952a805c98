// Package channel provides an in-memory Go channel transport for tests
// and local development. It keeps published messages around, so a tail
// or replay consumer started after the publisher still sees the full
// stream within the process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/schemabus/schemabus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBuffer is the per-subscriber output buffer, sized so a slow
// line consumer does not stall the publishing dispatch path.
const DefaultBuffer = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: DefaultBuffer,
		Persistent:          true,
	}, logger)
	return transport.Transport{
		Publisher:  transport.StampMessageID(pub),
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

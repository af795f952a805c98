// Package http provides an HTTP transport. Each replicated line is
// POSTed to the peer gateway as a request body, with the curie and
// message id carried as headers so the receiver can rebuild the
// message without parsing the payload.
package http

import (
	"context"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/schemabus/schemabus/internal/gateway/ids"
	"github.com/schemabus/schemabus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// Headers carrying message identity across the wire.
const (
	HeaderCurie     = "Schemabus-Curie"
	HeaderMessageID = "Schemabus-Message-Id"
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// NewMarshalMessageFunc returns the marshal func for a publisher rooted
// at baseURL. The topic becomes the request path.
func NewMarshalMessageFunc(baseURL string) http.MarshalMessageFunc {
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		req, err := nethttp.NewRequest(nethttp.MethodPost, joinURL(baseURL, topic), strings.NewReader(string(msg.Payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", transport.LineContentType)
		req.Header.Set(HeaderMessageID, msg.UUID)
		if curie := msg.Metadata.Get(transport.MetadataCurie); curie != "" {
			req.Header.Set(HeaderCurie, curie)
		}
		return req, nil
	}
}

// UnmarshalMessage rebuilds a message from an incoming request. Requests
// from senders that do not stamp a message id get a fresh ulid.
func UnmarshalMessage(topic string, req *nethttp.Request) (*message.Message, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}

	id := req.Header.Get(HeaderMessageID)
	if id == "" {
		id = ids.CreateULID()
	}

	msg := message.NewMessage(id, body)
	msg.Metadata.Set(transport.MetadataMessageID, id)
	if curie := req.Header.Get(HeaderCurie); curie != "" {
		msg.Metadata.Set(transport.MetadataCurie, curie)
	}
	return msg, nil
}

func joinURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: NewMarshalMessageFunc(cfg.GetHTTPPublisherURL()),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: UnmarshalMessage,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	// The watermill subscriber only serves once its HTTP server runs.
	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil {
				logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	}

	return transport.Transport{
		Publisher:  transport.StampMessageID(publisher),
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Package bus defines the command, event, and request buses the gateway
// dispatches through, plus an in-process implementation backed by an
// explicit handler registry.
package bus

import (
	"context"

	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// CommandBus delivers a command to exactly one handler.
type CommandBus interface {
	Send(ctx context.Context, cmd *schema.Message) error
}

// EventBus publishes an event to all subscribers.
type EventBus interface {
	Publish(ctx context.Context, event *schema.Message) error
}

// RequestBus delivers a request to exactly one handler and returns its
// response message.
type RequestBus interface {
	Request(ctx context.Context, req *schema.Message) (*schema.Message, error)
}

// CommandHandler handles one command curie.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *schema.Message) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd *schema.Message) error

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd *schema.Message) error {
	return f(ctx, cmd)
}

// EventSubscriber receives published events for one curie.
type EventSubscriber interface {
	OnEvent(ctx context.Context, event *schema.Message) error
}

// EventSubscriberFunc adapts a function to EventSubscriber.
type EventSubscriberFunc func(ctx context.Context, event *schema.Message) error

func (f EventSubscriberFunc) OnEvent(ctx context.Context, event *schema.Message) error {
	return f(ctx, event)
}

// RequestHandler handles one request curie.
type RequestHandler interface {
	Handle(ctx context.Context, req *schema.Message) (*schema.Message, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *schema.Message) (*schema.Message, error)

func (f RequestHandlerFunc) Handle(ctx context.Context, req *schema.Message) (*schema.Message, error) {
	return f(ctx, req)
}

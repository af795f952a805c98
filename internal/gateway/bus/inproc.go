package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/schemabus/schemabus/internal/gateway/guard"
	"github.com/schemabus/schemabus/internal/gateway/ids"
	"github.com/schemabus/schemabus/internal/gateway/logging"
	"github.com/schemabus/schemabus/internal/gateway/schema"
	"github.com/schemabus/schemabus/transport"
)

// MetadataCurie is the watermill metadata key carrying the message curie
// on replicated messages.
const MetadataCurie = transport.MetadataCurie

// Options configures an in-process bus. Every field is optional.
type Options struct {
	// Guard authorizes root-level messages before dispatch.
	Guard *guard.Validator
	// Logger defaults to a no-op logger.
	Logger logging.ServiceLogger
	// Metrics records dispatch counters when set.
	Metrics *Metrics
	// Publisher and ReplicationTopic enable outbound replication of
	// published events. Both must be set for replication to run.
	Publisher        message.Publisher
	ReplicationTopic string
}

// InProcBus routes commands, events, and requests to handlers registered
// in this process. It implements CommandBus, EventBus, and RequestBus.
type InProcBus struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	events   map[string][]EventSubscriber
	requests map[string]RequestHandler

	guard            *guard.Validator
	logger           logging.ServiceLogger
	metrics          *Metrics
	publisher        message.Publisher
	replicationTopic string
	tracer           trace.Tracer
}

// NewInProcBus constructs an in-process bus.
func NewInProcBus(opts Options) *InProcBus {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &InProcBus{
		commands:         make(map[string]CommandHandler),
		events:           make(map[string][]EventSubscriber),
		requests:         make(map[string]RequestHandler),
		guard:            opts.Guard,
		logger:           logger,
		metrics:          opts.Metrics,
		publisher:        opts.Publisher,
		replicationTopic: opts.ReplicationTopic,
		tracer:           otel.Tracer("schemabus-bus"),
	}
}

// RegisterCommandHandler binds a handler to a command curie. At most one
// handler per curie.
func (b *InProcBus) RegisterCommandHandler(curie schema.Curie, h CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := curie.String()
	if _, ok := b.commands[key]; ok {
		return &AlreadyRegisteredError{Curie: curie}
	}
	b.commands[key] = h
	return nil
}

// SubscribeEvent adds a subscriber for an event curie. Events fan out to
// every subscriber.
func (b *InProcBus) SubscribeEvent(curie schema.Curie, s EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := curie.String()
	b.events[key] = append(b.events[key], s)
}

// RegisterRequestHandler binds a handler to a request curie. At most one
// handler per curie.
func (b *InProcBus) RegisterRequestHandler(curie schema.Curie, h RequestHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := curie.String()
	if _, ok := b.requests[key]; ok {
		return &AlreadyRegisteredError{Curie: curie}
	}
	b.requests[key] = h
	return nil
}

// Send delivers a command to its handler. The command is frozen before
// dispatch.
func (b *InProcBus) Send(ctx context.Context, cmd *schema.Message) (err error) {
	if err = b.authorize(ctx, cmd); err != nil {
		return err
	}
	cmd.Freeze()

	ctx, span := b.startSpan(ctx, "SendCommand", cmd)
	defer span.End()
	defer b.record("command", time.Now(), &err, span)

	b.mu.RLock()
	handler, ok := b.commands[cmd.Curie().String()]
	b.mu.RUnlock()
	if !ok {
		return &HandlerNotFoundError{Curie: cmd.Curie()}
	}
	return handler.Handle(guard.Nested(ctx), cmd)
}

// Publish delivers an event to all subscribers and, when replication is
// configured, to the outbound transport. Every subscriber runs even when
// an earlier one fails; failures are joined.
func (b *InProcBus) Publish(ctx context.Context, event *schema.Message) (err error) {
	if err = b.authorize(ctx, event); err != nil {
		return err
	}
	event.Freeze()

	ctx, span := b.startSpan(ctx, "PublishEvent", event)
	defer span.End()
	defer b.record("event", time.Now(), &err, span)

	b.mu.RLock()
	subscribers := b.events[event.Curie().String()]
	b.mu.RUnlock()

	nested := guard.Nested(ctx)
	var errs []error
	for _, s := range subscribers {
		if serr := s.OnEvent(nested, event); serr != nil {
			b.logger.Error("event subscriber failed", serr, logging.LogFields{
				"message_ref": event.Ref(),
			})
			errs = append(errs, serr)
		}
	}
	if rerr := b.replicate(event); rerr != nil {
		b.logger.Error("event replication failed", rerr, logging.LogFields{
			"message_ref": event.Ref(),
			"topic":       b.replicationTopic,
		})
		errs = append(errs, rerr)
	}
	err = errors.Join(errs...)
	return err
}

// Request delivers a request to its handler and returns the frozen
// response. A handler that fails with a structured response gets that
// response attached to the returned error.
func (b *InProcBus) Request(ctx context.Context, req *schema.Message) (resp *schema.Message, err error) {
	if err = b.authorize(ctx, req); err != nil {
		return nil, err
	}
	req.Freeze()

	ctx, span := b.startSpan(ctx, "HandleRequest", req)
	defer span.End()
	defer b.record("request", time.Now(), &err, span)

	b.mu.RLock()
	handler, ok := b.requests[req.Curie().String()]
	b.mu.RUnlock()
	if !ok {
		return nil, &HandlerNotFoundError{Curie: req.Curie()}
	}

	resp, herr := handler.Handle(guard.Nested(ctx), req)
	if herr != nil {
		if resp != nil {
			var failed *RequestFailedError
			if !errors.As(herr, &failed) {
				herr = &RequestFailedError{Response: resp, Cause: herr}
			}
		}
		err = herr
		return nil, err
	}
	if resp == nil {
		err = errors.New("schemabus: request handler returned no response for " + req.Ref())
		return nil, err
	}
	resp.Freeze()
	return resp, nil
}

func (b *InProcBus) authorize(ctx context.Context, msg *schema.Message) error {
	if b.guard == nil {
		return nil
	}
	return b.guard.Validate(ctx, msg)
}

func (b *InProcBus) replicate(event *schema.Message) error {
	if b.publisher == nil || b.replicationTopic == "" {
		return nil
	}
	line, err := EncodeLine(event)
	if err != nil {
		return err
	}
	wm := message.NewMessage(ids.CreateULID(), line)
	wm.Metadata.Set(MetadataCurie, event.Curie().String())
	return b.publisher.Publish(b.replicationTopic, wm)
}

func (b *InProcBus) startSpan(ctx context.Context, name string, msg *schema.Message) (context.Context, trace.Span) {
	ctx, span := b.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("message.ref", msg.Ref()),
		attribute.String("message.schema", msg.ID().String()),
	)
	return ctx, span
}

func (b *InProcBus) record(kind string, start time.Time, err *error, span trace.Span) {
	if *err != nil {
		span.RecordError(*err)
	}
	b.metrics.observe(kind, time.Since(start).Seconds(), *err)
}

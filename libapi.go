package schemabus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schemabus/schemabus/internal/gateway/batch"
	"github.com/schemabus/schemabus/internal/gateway/binder"
	"github.com/schemabus/schemabus/internal/gateway/bus"
	"github.com/schemabus/schemabus/internal/gateway/codes"
	configpkg "github.com/schemabus/schemabus/internal/gateway/config"
	"github.com/schemabus/schemabus/internal/gateway/dispatch"
	"github.com/schemabus/schemabus/internal/gateway/envelope"
	"github.com/schemabus/schemabus/internal/gateway/guard"
	"github.com/schemabus/schemabus/internal/gateway/ids"
	"github.com/schemabus/schemabus/internal/gateway/jsoncodec"
	"github.com/schemabus/schemabus/internal/gateway/logging"
	"github.com/schemabus/schemabus/internal/gateway/schema"
	"github.com/schemabus/schemabus/internal/gateway/store"
	"github.com/schemabus/schemabus/internal/gateway/token"
	transportpkg "github.com/schemabus/schemabus/transport"
)

type (
	Config        = configpkg.Config
	AppIdentity   = configpkg.AppIdentity
	CloudIdentity = configpkg.CloudIdentity

	Message  = schema.Message
	Curie    = schema.Curie
	SchemaID = schema.ID
	Kind     = schema.Kind
	Spec     = schema.Spec

	Envelope       = envelope.Envelope
	Classification = dispatch.Classification

	Code = codes.Code

	RequestContext        = guard.RequestContext
	Checker               = guard.Checker
	CheckerFunc           = guard.CheckerFunc
	PermissionDeniedError = guard.PermissionDeniedError

	CommandBus          = bus.CommandBus
	EventBus            = bus.EventBus
	RequestBus          = bus.RequestBus
	CommandHandler      = bus.CommandHandler
	CommandHandlerFunc  = bus.CommandHandlerFunc
	EventSubscriber     = bus.EventSubscriber
	EventSubscriberFunc = bus.EventSubscriberFunc
	RequestHandler      = bus.RequestHandler
	RequestHandlerFunc  = bus.RequestHandlerFunc

	EndUserError           = bus.EndUserError
	HTTPError              = bus.HTTPError
	RequestFailedError     = bus.RequestFailedError
	HandlerNotFoundError   = bus.HandlerNotFoundError
	AlreadyRegisteredError = bus.AlreadyRegisteredError
	Coder                  = bus.Coder

	TransportEnvelope = bus.TransportEnvelope

	BatchOptions = batch.Options
	BatchResult  = batch.Result
	LineResult   = batch.LineResult

	EventStore        = store.EventStore
	EventSearch       = store.EventSearch
	EventFilter       = store.Filter
	MemoryEventStore  = store.MemoryEventStore
	MemoryEventSearch = store.MemoryEventSearch

	Token         = token.Token
	Signer        = token.Signer
	SignerOptions = token.SignerOptions

	LogFields     = logging.LogFields
	ServiceLogger = logging.ServiceLogger

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

// Message kinds.
const (
	KindUnknown  = schema.KindUnknown
	KindCommand  = schema.KindCommand
	KindEvent    = schema.KindEvent
	KindRequest  = schema.KindRequest
	KindResponse = schema.KindResponse
)

const (
	// FieldSchema is the payload field carrying the explicit schema id.
	FieldSchema = schema.FieldSchema

	// FieldTenantID is the context field the tenant filters match on.
	FieldTenantID = schema.FieldTenantID

	// PayloadParam is the query/form parameter carrying a dispatch payload.
	PayloadParam = dispatch.PayloadParam

	// TokenHeader authenticates calls to the receive endpoint.
	TokenHeader = dispatch.TokenHeader

	// BearerKid resolves the token secret from the caller's context.
	BearerKid = token.BearerKid

	// MetadataCurie is the transport metadata key naming a line's curie.
	MetadataCurie = bus.MetadataCurie
)

var (
	ValidateConfig = configpkg.ValidateConfig

	ParseCurie = schema.ParseCurie
	ParseID    = schema.ParseID
	NewMessage = schema.NewMessage
	FromFields = schema.FromFields

	EncodeLine = bus.EncodeLine
	DecodeLine = bus.DecodeLine
	ResultCode = bus.ResultCode
	ErrorName  = bus.ErrorName

	Classify  = dispatch.Classify
	WriteHTTP = dispatch.WriteHTTP

	NewSigner  = token.NewSigner
	WithBearer = token.WithBearer

	ErrInvalidToken     = token.ErrInvalidToken
	ErrNoSecret         = token.ErrNoSecret
	ErrFrozen           = schema.ErrFrozen
	ErrNoRequestContext = guard.ErrNoRequestContext

	WithRequestContext = guard.WithRequestContext
	RequestContextFrom = guard.FromContext

	NewMemoryEventStore  = store.NewMemoryEventStore
	NewMemoryEventSearch = store.NewMemoryEventSearch
	EventOccurredAt      = store.OccurredAt

	NewSlogServiceLogger = logging.NewSlogServiceLogger

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	CreateULID = ids.CreateULID

	// Transport registry access. Import individual backends via
	// _ "github.com/schemabus/schemabus/transport/kafka" or the
	// transports package for all of them.
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetTransportCapabilities = transportpkg.GetCapabilities
)

// ConsoleContext marks the context as a trusted console caller: field
// restriction and the permission check are skipped for root messages
// dispatched under it.
func ConsoleContext(ctx context.Context) context.Context {
	return guard.WithRequestContext(ctx, &guard.RequestContext{Console: true})
}

// Dependencies carries the optional collaborators for a Gateway. Every
// field may be left nil.
type Dependencies struct {
	// Logger defaults to slog.Default().
	Logger ServiceLogger

	// Checker is the permission hook consulted for root messages from
	// untrusted callers. Nil allows everything that reaches the hook.
	Checker Checker

	// Store and Search receive every successfully published event. Nil
	// disables event persistence.
	Store  EventStore
	Search EventSearch

	// Registerer defaults to prometheus.DefaultRegisterer and is only
	// consulted when Config.MetricsEnabled is set.
	Registerer prometheus.Registerer
}

// Gateway assembles the registry, binder, guard, buses, batch processor,
// and HTTP surface over one Config. It implements CommandBus, EventBus,
// and RequestBus; events published through it are also written to the
// configured event store.
type Gateway struct {
	cfg    *Config
	logger ServiceLogger

	registry *schema.Registry
	binder   *binder.Binder
	bus      *bus.InProcBus
	metrics  *bus.Metrics
	signer   *token.Signer

	store  EventStore
	search EventSearch

	controller *dispatch.Controller
	receive    *dispatch.ReceiveHandler
	processor  *batch.Processor

	transport Transport
}

// New builds a Gateway. The context bounds transport construction only.
func New(ctx context.Context, cfg *Config, deps Dependencies) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("schemabus: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewSlogServiceLogger(slog.Default())
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: schema.NewRegistry(),
		binder:   binder.New(cfg.App, cfg.Cloud),
		signer:   token.NewSigner(cfg.TokenKeys, token.SignerOptions{TTL: cfg.TokenTTL}),
		store:    deps.Store,
		search:   deps.Search,
	}

	if cfg.PubSubSystem != "" {
		tr, err := transportpkg.Build(ctx, cfg, logging.NewWatermillAdapter(logger))
		if err != nil {
			return nil, err
		}
		g.transport = tr
	}

	if cfg.MetricsEnabled {
		g.metrics = bus.NewMetrics(deps.Registerer)
		if err := g.metrics.Register(); err != nil {
			g.transport.Close()
			return nil, err
		}
	}

	g.bus = bus.NewInProcBus(bus.Options{
		Guard:            guard.NewValidator(deps.Checker),
		Logger:           logger,
		Metrics:          g.metrics,
		Publisher:        g.transport.Publisher,
		ReplicationTopic: cfg.ReplicationTopic,
	})

	g.processor = g.NewProcessor(BatchOptions{
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
	})
	g.controller = dispatch.NewController(dispatch.Options{
		Registry: g.registry,
		Binder:   g.binder,
		Commands: g,
		Events:   g,
		Requests: g,
		Logger:   logger,
		AllowGET: cfg.AllowGET,
	})
	g.receive = dispatch.NewReceiveHandler(g.NewProcessor(BatchOptions{
		SkipInvalid:  true,
		SkipErrors:   true,
		CountIgnored: true,
		BatchSize:    cfg.BatchSize,
		BatchDelay:   cfg.BatchDelay,
	}), g.signer, logger)

	return g, nil
}

// RegisterSchema registers a schema id under its curie, e.g.
// "acme:blog:event:article-published:1-0-0".
func (g *Gateway) RegisterSchema(id string, kind Kind) error {
	parsed, err := schema.ParseID(id)
	if err != nil {
		return err
	}
	return g.registry.Register(parsed, kind)
}

// Curies returns all registered curies.
func (g *Gateway) Curies() []string {
	return g.registry.Curies()
}

// OnCommand binds a command handler to a curie.
func (g *Gateway) OnCommand(curie string, h CommandHandler) error {
	parsed, err := schema.ParseCurie(curie)
	if err != nil {
		return err
	}
	return g.bus.RegisterCommandHandler(parsed, h)
}

// OnEvent subscribes to an event curie. Subscribers fan out.
func (g *Gateway) OnEvent(curie string, s EventSubscriber) error {
	parsed, err := schema.ParseCurie(curie)
	if err != nil {
		return err
	}
	g.bus.SubscribeEvent(parsed, s)
	return nil
}

// OnRequest binds a request handler to a curie.
func (g *Gateway) OnRequest(curie string, h RequestHandler) error {
	parsed, err := schema.ParseCurie(curie)
	if err != nil {
		return err
	}
	return g.bus.RegisterRequestHandler(parsed, h)
}

// Send dispatches a command to its single handler.
func (g *Gateway) Send(ctx context.Context, cmd *Message) error {
	return g.bus.Send(ctx, cmd)
}

// Publish fans an event out to its subscribers and, when configured,
// persists it to the event store and search index. Store failures do not
// undo a delivered event; they are logged and surfaced to metrics via
// the next scrape of the store itself.
func (g *Gateway) Publish(ctx context.Context, event *Message) error {
	if err := g.bus.Publish(ctx, event); err != nil {
		return err
	}
	if g.store != nil {
		if err := g.store.Put(ctx, event); err != nil {
			g.logger.Error("event store put failed", err, LogFields{"message_ref": event.Ref()})
		}
	}
	if g.search != nil {
		if err := g.search.Index(ctx, event); err != nil {
			g.logger.Error("event index failed", err, LogFields{"message_ref": event.Ref()})
		}
	}
	return nil
}

// Request dispatches a request and returns its response.
func (g *Gateway) Request(ctx context.Context, req *Message) (*Message, error) {
	return g.bus.Request(ctx, req)
}

// NewProcessor builds a batch processor over this gateway's registry and
// buses. Zero options take the defaults; the error classifier is always
// the dispatch taxonomy.
func (g *Gateway) NewProcessor(opts BatchOptions) *batch.Processor {
	if opts.Logger == nil {
		opts.Logger = g.logger
	}
	if opts.Classify == nil {
		opts.Classify = func(err error) (codes.Code, string, string) {
			cls := dispatch.Classify(err)
			return cls.Code, cls.ErrorName, cls.ErrorMessage
		}
	}
	return batch.New(g.registry, g, g, opts)
}

// ProcessLines replays newline-delimited message lines through the
// buses using the gateway's default batch tuning.
func (g *Gateway) ProcessLines(ctx context.Context, r io.Reader) (*BatchResult, error) {
	return g.processor.Process(ctx, r)
}

// Handle runs the dispatch gate chain for one HTTP request.
func (g *Gateway) Handle(r *http.Request) *Envelope {
	return g.controller.Handle(r)
}

// Mount registers the dispatch and receive routes on a mux.
func (g *Gateway) Mount(mux *http.ServeMux) {
	g.controller.Mount(mux)
	mux.Handle("/pbjx/receive", g.receive)
}

// Signer returns the token signer backing the receive endpoint, for
// relays that need to sign outbound calls.
func (g *Gateway) Signer() *Signer {
	return g.signer
}

// Store returns the configured event store, or nil.
func (g *Gateway) Store() EventStore {
	return g.store
}

// Search returns the configured event search, or nil.
func (g *Gateway) Search() EventSearch {
	return g.search
}

// Transport returns the built transport. Both halves are nil when no
// pub/sub system is configured.
func (g *Gateway) Transport() Transport {
	return g.transport
}

// Close releases the transport.
func (g *Gateway) Close() error {
	return g.transport.Close()
}

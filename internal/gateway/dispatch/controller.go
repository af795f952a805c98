// Package dispatch is the HTTP edge of the gateway: it turns an inbound
// request into a typed message, pushes it through binder, guard, and
// buses, and renders the uniform result envelope.
package dispatch

import (
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"regexp"

	"github.com/schemabus/schemabus/internal/gateway/binder"
	"github.com/schemabus/schemabus/internal/gateway/bus"
	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/envelope"
	"github.com/schemabus/schemabus/internal/gateway/guard"
	"github.com/schemabus/schemabus/internal/gateway/jsoncodec"
	"github.com/schemabus/schemabus/internal/gateway/logging"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

const (
	// PayloadParam is the query parameter (GET) and form field
	// (multipart) carrying the base64 or raw JSON payload.
	PayloadParam = "pbj"

	maxBodySize      = 10 * 1024 * 1024
	redactedMessage  = "an internal error occurred"
	contentTypeJSON  = "application/json"
	contentTypeMulti = "multipart/form-data"
)

// Options wires a Controller.
type Options struct {
	Registry *schema.Registry
	Binder   *binder.Binder
	Commands bus.CommandBus
	Events   bus.EventBus
	Requests bus.RequestBus
	Logger   logging.ServiceLogger
	// AllowGET permits GET dispatch (and with it JSONP). Off by default.
	AllowGET bool
}

// Controller handles one dispatch call per request and always produces
// an envelope; transport-level failures never leak as bare HTTP errors.
type Controller struct {
	registry *schema.Registry
	binder   *binder.Binder
	commands bus.CommandBus
	events   bus.EventBus
	requests bus.RequestBus
	logger   logging.ServiceLogger
	allowGET bool
}

// NewController constructs a Controller.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		registry: opts.Registry,
		binder:   opts.Binder,
		commands: opts.Commands,
		events:   opts.Events,
		requests: opts.Requests,
		logger:   logger,
		allowGET: opts.AllowGET,
	}
}

// Handle runs the full gate chain for one request. Routing attributes
// come from the request's path values (vendor, package, category,
// message); a category of "_" means empty. Every gate is terminal on
// failure.
func (c *Controller) Handle(r *http.Request) *envelope.Envelope {
	env := envelope.New()

	rc, ok := guard.FromContext(r.Context())
	if !ok {
		rc = &guard.RequestContext{
			ClientIP:  clientIP(r),
			UserAgent: r.UserAgent(),
		}
		r = r.WithContext(guard.WithRequestContext(r.Context(), rc))
	}
	env.Redact = !rc.Console

	// Gate 1: method.
	if r.Method != http.MethodPost && !(c.allowGET && r.Method == http.MethodGet) {
		env.SetCodeWithHTTP(codes.Unimplemented, http.StatusMethodNotAllowed)
		env.ErrorName = "MethodNotAllowed"
		env.ErrorMessage = "method " + r.Method + " is not allowed"
		return env
	}

	// Gate 2: content type, skipped in JSONP mode.
	isMultipart := false
	if callback := r.URL.Query().Get("callback"); r.Method == http.MethodGet && callback != "" {
		env.JSONPCallback = callback
	} else {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || (mediaType != contentTypeJSON && mediaType != contentTypeMulti) {
			env.SetCodeWithHTTP(codes.InvalidArgument, http.StatusNotAcceptable)
			env.ErrorName = "NotAcceptable"
			env.ErrorMessage = "content type must be " + contentTypeJSON + " or " + contentTypeMulti
			return env
		}
		isMultipart = mediaType == contentTypeMulti
	}

	// Gate 3: payload extraction and JSON parse.
	payload, err := c.extractPayload(r, isMultipart)
	var fields map[string]any
	if err == nil {
		fields, err = jsoncodec.UnmarshalObject(payload)
	}
	if err != nil {
		env.SetCodeWithHTTP(codes.InvalidArgument, http.StatusUnsupportedMediaType)
		env.ErrorName = "UnsupportedMediaType"
		env.ErrorMessage = "payload is not valid JSON: " + err.Error()
		return env
	}

	// Gate 4: curie resolution.
	expected, err := routingCurie(r)
	var spec schema.Spec
	if err == nil {
		spec, err = c.resolve(fields, expected)
	}
	if err != nil {
		env.SetCode(codes.InvalidArgument)
		env.ErrorName = bus.ErrorName(err)
		env.ErrorMessage = err.Error()
		return env
	}

	// Gate 5: construction and binding.
	msg, err := c.build(spec, fields, rc, env)
	if err != nil {
		env.SetCode(codes.InvalidArgument)
		env.ErrorName = bus.ErrorName(err)
		env.ErrorMessage = err.Error()
		return env
	}

	// Gate 6: kind dispatch.
	ctx := r.Context()
	switch spec.Kind {
	case schema.KindCommand:
		if err := c.commands.Send(ctx, msg); err != nil {
			return c.fail(env, msg, err)
		}
		c.accepted(env, msg, rc)
	case schema.KindEvent:
		if err := c.events.Publish(ctx, msg); err != nil {
			return c.fail(env, msg, err)
		}
		c.accepted(env, msg, rc)
	case schema.KindRequest:
		resp, err := c.requests.Request(ctx, msg)
		if err != nil {
			return c.fail(env, msg, err)
		}
		env.SetCode(codes.OK)
		env.Message = resp
		env.MessageRef = resp.Ref()
		env.Etag = resp.GetString("etag")
	default:
		// Not sensitive; show the real reason.
		env.Redact = false
		env.SetCode(codes.InvalidArgument)
		env.ErrorName = "InvalidArgument"
		env.ErrorMessage = "cannot dispatch a " + spec.Kind.String() + " message"
	}
	return env
}

// accepted fills the success envelope for commands and events. The
// message is echoed back only to console callers.
func (c *Controller) accepted(env *envelope.Envelope, msg *schema.Message, rc *guard.RequestContext) {
	env.SetCodeWithHTTP(codes.OK, http.StatusAccepted)
	if rc.Console {
		env.Message = msg
	}
}

// fail classifies a dispatch failure into the envelope, redacting 5xx
// messages for untrusted callers. The raw failure is always logged.
func (c *Controller) fail(env *envelope.Envelope, msg *schema.Message, err error) *envelope.Envelope {
	c.logger.Error("dispatch failed", err, logging.LogFields{
		"message_ref": msg.Ref(),
		"envelope_id": env.ID,
	})

	cls := Classify(err)
	env.SetCodeWithHTTP(cls.Code, cls.HTTPCode)
	env.ErrorName = cls.ErrorName
	env.ErrorMessage = cls.ErrorMessage
	if env.Redact && !cls.Disclose && env.HTTPCode >= 500 {
		env.ErrorMessage = redactedMessage
	}
	return env
}

func (c *Controller) extractPayload(r *http.Request, isMultipart bool) ([]byte, error) {
	switch {
	case r.Method == http.MethodGet:
		return decodeQueryPayload(r.URL.Query().Get(PayloadParam))
	case isMultipart:
		if err := r.ParseMultipartForm(maxBodySize); err != nil {
			return nil, err
		}
		return []byte(r.FormValue(PayloadParam)), nil
	default:
		return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	}
}

func (c *Controller) resolve(fields map[string]any, expected schema.Curie) (schema.Spec, error) {
	raw, ok := fields[schema.FieldSchema]
	if !ok {
		return c.registry.ResolveCurie(expected)
	}
	s, ok := raw.(string)
	if !ok {
		return schema.Spec{}, &schema.InvalidError{Reason: schema.FieldSchema + " field must be a string"}
	}
	id, err := schema.ParseID(s)
	if err != nil {
		return schema.Spec{}, err
	}
	return c.registry.ResolveID(id, expected)
}

// build constructs the message, applies binding, and establishes the
// causal lineage by pointing the correlator at this envelope.
func (c *Controller) build(spec schema.Spec, fields map[string]any, rc *guard.RequestContext, env *envelope.Envelope) (*schema.Message, error) {
	msg, err := schema.FromFields(spec.ID, fields)
	if err != nil {
		return nil, err
	}
	msg, err = c.binder.Bind(msg, spec.Kind, binder.Input{
		Restricted: !rc.Console,
		Raw:        fields,
		ClientIP:   rc.ClientIP,
		UserAgent:  rc.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	if err := msg.SetIfAbsent(schema.FieldCorrelatorRef, env.Ref()); err != nil {
		return nil, err
	}
	return msg, nil
}

// routingCurie builds the expected curie from the request's routing
// attributes. Category "_" means empty.
func routingCurie(r *http.Request) (schema.Curie, error) {
	category := r.PathValue("category")
	if category == "_" {
		category = ""
	}
	curie := schema.Curie{
		Vendor:   r.PathValue("vendor"),
		Package:  r.PathValue("package"),
		Category: category,
		Message:  r.PathValue("message"),
	}
	return schema.ParseCurie(curie.String())
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var jsonpCallbackRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// WriteHTTP renders the envelope. JSONP responses are wrapped in the
// recorded callback and always served with HTTP 200 so browsers run the
// script; the real status stays in the body.
func WriteHTTP(w http.ResponseWriter, env *envelope.Envelope) {
	body, err := jsoncodec.Marshal(env)
	if err != nil {
		http.Error(w, `{"ok":false,"code":13}`, http.StatusInternalServerError)
		return
	}
	if env.JSONPCallback != "" && jsonpCallbackRe.MatchString(env.JSONPCallback) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(env.JSONPCallback + "("))
		w.Write(body)
		w.Write([]byte(");"))
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(env.HTTPCode)
	w.Write(body)
}

// Mount registers the dispatch route on a mux. The route shape is
// /pbjx/{vendor}/{package}/{category}/{message}.
func (c *Controller) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/pbjx/{vendor}/{package}/{category}/{message}", func(w http.ResponseWriter, r *http.Request) {
		WriteHTTP(w, c.Handle(r))
	})
}

// decodeQueryPayload base64-decodes a GET payload, accepting standard
// and url-safe alphabets, padded or not.
func decodeQueryPayload(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("missing " + PayloadParam + " query parameter")
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(raw); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New(PayloadParam + " query parameter is not valid base64")
}

package dispatch

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/schemabus/schemabus/internal/gateway/binder"
	"github.com/schemabus/schemabus/internal/gateway/bus"
	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/config"
	"github.com/schemabus/schemabus/internal/gateway/envelope"
	"github.com/schemabus/schemabus/internal/gateway/guard"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

const (
	commandID  = "acme:blog:command:create-article:1-0-0"
	eventID    = "acme:blog:event:article-created:1-0-0"
	requestID  = "acme:blog:request:get-article:1-0-0"
	responseID = "acme:blog:response:get-article-response:1-0-0"
)

type env struct {
	registry *schema.Registry
	bus      *bus.InProcBus
	ctrl     *Controller
	handled  []*schema.Message
}

func mustID(t *testing.T, s string) schema.ID {
	t.Helper()
	id, err := schema.ParseID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func newEnv(t *testing.T, allowGET bool) *env {
	t.Helper()
	e := &env{registry: schema.NewRegistry(), bus: bus.NewInProcBus(bus.Options{})}

	for id, kind := range map[string]schema.Kind{
		commandID:  schema.KindCommand,
		eventID:    schema.KindEvent,
		requestID:  schema.KindRequest,
		responseID: schema.KindResponse,
	} {
		if err := e.registry.Register(mustID(t, id), kind); err != nil {
			t.Fatal(err)
		}
	}

	err := e.bus.RegisterCommandHandler(mustID(t, commandID).Curie, bus.CommandHandlerFunc(func(ctx context.Context, m *schema.Message) error {
		e.handled = append(e.handled, m)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = e.bus.RegisterRequestHandler(mustID(t, requestID).Curie, bus.RequestHandlerFunc(func(ctx context.Context, m *schema.Message) (*schema.Message, error) {
		resp := schema.NewMessage(mustID(t, responseID))
		if err := resp.Set("etag", "abc123"); err != nil {
			return nil, err
		}
		return resp, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	e.ctrl = NewController(Options{
		Registry: e.registry,
		Binder: binder.New(
			config.AppIdentity{Vendor: "acme", Name: "blog", Version: "1.0"},
			config.CloudIdentity{},
		),
		Commands: e.bus,
		Events:   e.bus,
		Requests: e.bus,
		AllowGET: allowGET,
	})
	return e
}

func postJSON(path, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func withRoute(r *http.Request, vendor, pkg, category, message string) *http.Request {
	r.SetPathValue("vendor", vendor)
	r.SetPathValue("package", pkg)
	r.SetPathValue("category", category)
	r.SetPathValue("message", message)
	return r
}

func commandRequest(body string) *http.Request {
	return withRoute(postJSON("/pbjx/acme/blog/command/create-article", body), "acme", "blog", "command", "create-article")
}

func TestHandleRejectsGetByDefault(t *testing.T) {
	e := newEnv(t, false)
	r := httptest.NewRequest(http.MethodGet, "/pbjx/acme/blog/command/create-article", nil)
	r.Header.Set("Content-Type", "application/json")
	r = withRoute(r, "acme", "blog", "command", "create-article")

	got := e.ctrl.Handle(r)
	if got.Code != codes.Unimplemented || got.HTTPCode != http.StatusMethodNotAllowed {
		t.Fatalf("got code=%v http=%d, want UNIMPLEMENTED/405", got.Code, got.HTTPCode)
	}
	if got.OK {
		t.Fatal("envelope should not be ok")
	}
}

func TestHandleRejectsBadContentType(t *testing.T) {
	e := newEnv(t, false)
	r := commandRequest(`{}`)
	r.Header.Set("Content-Type", "text/plain")

	got := e.ctrl.Handle(r)
	if got.Code != codes.InvalidArgument || got.HTTPCode != http.StatusNotAcceptable {
		t.Fatalf("got code=%v http=%d, want INVALID_ARGUMENT/406", got.Code, got.HTTPCode)
	}
}

func TestHandleRejectsBadJSON(t *testing.T) {
	e := newEnv(t, false)
	got := e.ctrl.Handle(commandRequest(`{"broken`))
	if got.Code != codes.InvalidArgument || got.HTTPCode != http.StatusUnsupportedMediaType {
		t.Fatalf("got code=%v http=%d, want INVALID_ARGUMENT/415", got.Code, got.HTTPCode)
	}
	if got.ErrorMessage == "" {
		t.Fatal("parser error should be attached")
	}
}

func TestHandleRejectsCurieMismatch(t *testing.T) {
	e := newEnv(t, false)
	// Route says create-article, payload claims a different curie.
	got := e.ctrl.Handle(commandRequest(`{"_schema":"` + eventID + `"}`))
	if got.Code != codes.InvalidArgument || got.HTTPCode != http.StatusUnprocessableEntity {
		t.Fatalf("got code=%v http=%d, want INVALID_ARGUMENT/422", got.Code, got.HTTPCode)
	}
	if len(e.handled) != 0 {
		t.Fatal("mismatched message must never dispatch")
	}
}

func TestHandleCommandSuccess(t *testing.T) {
	e := newEnv(t, false)
	got := e.ctrl.Handle(commandRequest(`{"title":"hi","ctx_causator_ref":"acme:x::y:FORGED"}`))

	if !got.OK || got.Code != codes.OK || got.HTTPCode != http.StatusAccepted {
		t.Fatalf("got ok=%v code=%v http=%d, want OK/202", got.OK, got.Code, got.HTTPCode)
	}
	if got.Message != nil {
		t.Fatal("non-console callers should not get the message echoed")
	}
	if len(e.handled) != 1 {
		t.Fatalf("handler saw %d commands", len(e.handled))
	}

	msg := e.handled[0]
	if msg.GetString("title") != "hi" {
		t.Fatal("domain field should survive")
	}
	if msg.Has(schema.FieldCausatorRef) {
		t.Fatal("client-supplied causator must be stripped")
	}
	if msg.GetString(schema.FieldCorrelatorRef) != got.Ref() {
		t.Fatal("correlator should point at the envelope")
	}
	if !msg.Has(schema.FieldApp) {
		t.Fatal("app identity should be bound")
	}
}

func TestHandleConsoleEchoesMessage(t *testing.T) {
	e := newEnv(t, false)
	r := commandRequest(`{"title":"hi"}`)
	r = r.WithContext(guard.WithRequestContext(r.Context(), &guard.RequestContext{Console: true}))

	got := e.ctrl.Handle(r)
	if got.HTTPCode != http.StatusAccepted {
		t.Fatalf("got http=%d, want 202", got.HTTPCode)
	}
	if got.Message == nil {
		t.Fatal("console callers should get the message echoed")
	}
}

func TestHandleRequestSuccess(t *testing.T) {
	e := newEnv(t, false)
	r := withRoute(postJSON("/pbjx/acme/blog/request/get-article", `{"article_id":"123"}`),
		"acme", "blog", "request", "get-article")

	got := e.ctrl.Handle(r)
	if !got.OK || got.HTTPCode != http.StatusOK {
		t.Fatalf("got ok=%v http=%d, want OK/200", got.OK, got.HTTPCode)
	}
	if got.Message == nil || got.MessageRef == "" {
		t.Fatal("response message and ref should be attached")
	}
	if got.Etag != "abc123" {
		t.Fatalf("got etag %q", got.Etag)
	}
}

func TestHandleRejectsResponseKind(t *testing.T) {
	e := newEnv(t, false)
	r := withRoute(postJSON("/pbjx/acme/blog/response/get-article-response", `{}`),
		"acme", "blog", "response", "get-article-response")

	got := e.ctrl.Handle(r)
	if got.Code != codes.InvalidArgument || got.HTTPCode != http.StatusUnprocessableEntity {
		t.Fatalf("got code=%v http=%d, want INVALID_ARGUMENT/422", got.Code, got.HTTPCode)
	}
	if got.ErrorMessage != "cannot dispatch a response message" {
		t.Fatalf("got %q", got.ErrorMessage)
	}
}

func TestHandleRedactsInternalFailures(t *testing.T) {
	e := newEnv(t, false)
	// A registered command with no handler fails with UNIMPLEMENTED/501.
	id := mustID(t, "acme:blog:command:delete-article:1-0-0")
	if err := e.registry.Register(id, schema.KindCommand); err != nil {
		t.Fatal(err)
	}
	r := withRoute(postJSON("/pbjx/acme/blog/command/delete-article", `{}`),
		"acme", "blog", "command", "delete-article")

	got := e.ctrl.Handle(r)
	if got.Code != codes.Unimplemented || got.HTTPCode != http.StatusNotImplemented {
		t.Fatalf("got code=%v http=%d, want UNIMPLEMENTED/501", got.Code, got.HTTPCode)
	}
	if got.ErrorMessage != redactedMessage {
		t.Fatalf("5xx message should be redacted for external callers, got %q", got.ErrorMessage)
	}

	// The same failure from a console context keeps the raw message.
	r = withRoute(postJSON("/pbjx/acme/blog/command/delete-article", `{}`),
		"acme", "blog", "command", "delete-article")
	r = r.WithContext(guard.WithRequestContext(r.Context(), &guard.RequestContext{Console: true}))
	got = e.ctrl.Handle(r)
	if got.ErrorMessage == redactedMessage || got.ErrorMessage == "" {
		t.Fatalf("console callers should see the raw message, got %q", got.ErrorMessage)
	}
}

func TestHandleDiscloseableFailureIsNotRedacted(t *testing.T) {
	e := newEnv(t, false)
	id := mustID(t, "acme:blog:command:fail-article:1-0-0")
	if err := e.registry.Register(id, schema.KindCommand); err != nil {
		t.Fatal(err)
	}
	err := e.bus.RegisterCommandHandler(id.Curie, bus.CommandHandlerFunc(func(ctx context.Context, m *schema.Message) error {
		return &bus.EndUserError{Code: codes.Unavailable, Message: "try again shortly"}
	}))
	if err != nil {
		t.Fatal(err)
	}

	r := withRoute(postJSON("/pbjx/acme/blog/command/fail-article", `{}`),
		"acme", "blog", "command", "fail-article")
	got := e.ctrl.Handle(r)
	if got.Code != codes.Unavailable || got.HTTPCode != http.StatusServiceUnavailable {
		t.Fatalf("got code=%v http=%d, want UNAVAILABLE/503", got.Code, got.HTTPCode)
	}
	if got.ErrorMessage != "try again shortly" {
		t.Fatalf("pre-approved message must never be redacted, got %q", got.ErrorMessage)
	}
}

func TestHandleJSONP(t *testing.T) {
	e := newEnv(t, true)
	payload := base64.StdEncoding.EncodeToString([]byte(`{"title":"hi"}`))
	r := httptest.NewRequest(http.MethodGet,
		"/pbjx/acme/blog/command/create-article?callback=cb&pbj="+payload, nil)
	// No content type at all; the callback param bypasses that gate.
	r = withRoute(r, "acme", "blog", "command", "create-article")

	got := e.ctrl.Handle(r)
	if !got.OK {
		t.Fatalf("dispatch failed: %+v", got)
	}
	if got.JSONPCallback != "cb" {
		t.Fatalf("callback should be recorded, got %q", got.JSONPCallback)
	}

	w := httptest.NewRecorder()
	WriteHTTP(w, got)
	if w.Code != http.StatusOK {
		t.Fatalf("jsonp responses are always 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "cb(") || !strings.HasSuffix(body, ");") {
		t.Fatalf("body not wrapped: %q", body)
	}
}

func TestHandleEmptyCategoryRouting(t *testing.T) {
	e := newEnv(t, false)
	id := mustID(t, "acme:blog::ping:1-0-0")
	if err := e.registry.Register(id, schema.KindCommand); err != nil {
		t.Fatal(err)
	}
	if err := e.bus.RegisterCommandHandler(id.Curie, bus.CommandHandlerFunc(func(ctx context.Context, m *schema.Message) error {
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	r := withRoute(postJSON("/pbjx/acme/blog/_/ping", `{}`), "acme", "blog", "_", "ping")
	got := e.ctrl.Handle(r)
	if !got.OK {
		t.Fatalf("underscore category should resolve as empty: %+v", got)
	}
}

func TestWriteHTTPRejectsUnsafeCallback(t *testing.T) {
	res := envelope.New()
	res.JSONPCallback = `alert(1);//`

	w := httptest.NewRecorder()
	WriteHTTP(w, res)
	if strings.Contains(w.Body.String(), "alert") {
		t.Fatal("unsafe callback must not be echoed")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unsafe callback should fall back to plain json, got %q", ct)
	}
}

func TestMountServesEnvelope(t *testing.T) {
	e := newEnv(t, false)
	mux := http.NewServeMux()
	e.ctrl.Mount(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, postJSON("/pbjx/acme/blog/command/create-article", `{"title":"hi"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"envelope_id"`) {
		t.Fatalf("body should be an envelope: %s", w.Body.String())
	}
}

func TestOKDerivedFromCode(t *testing.T) {
	res := envelope.New()
	for code := codes.OK; code <= codes.Unauthenticated; code++ {
		res.SetCode(code)
		if res.OK != (code == codes.OK) {
			t.Fatalf("code %v: ok=%v", code, res.OK)
		}
	}
}

func TestHandleUnresolvedCurie(t *testing.T) {
	e := newEnv(t, false)
	r := withRoute(postJSON("/pbjx/acme/blog/command/never-registered", `{}`),
		"acme", "blog", "command", "never-registered")
	got := e.ctrl.Handle(r)
	if got.Code != codes.InvalidArgument || got.HTTPCode != http.StatusUnprocessableEntity {
		t.Fatalf("got code=%v http=%d, want INVALID_ARGUMENT/422", got.Code, got.HTTPCode)
	}
	if got.ErrorName != "UnresolvedError" {
		t.Fatalf("got error name %q", got.ErrorName)
	}
}

// Package binder enriches freshly constructed messages with contextual
// fields and strips fields a client is not permitted to set directly.
package binder

import (
	"strings"

	"github.com/schemabus/schemabus/internal/gateway/config"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// baseRestricted is the full set of server-populated fields. Per-kind
// exemptions are carved out of it in RestrictedFields.
var baseRestricted = []string{
	schema.FieldCausatorRef,
	schema.FieldCorrelatorRef,
	schema.FieldIP,
	schema.FieldIPv6,
	schema.FieldUserAgent,
	schema.FieldApp,
	schema.FieldCloud,
	schema.FieldTenantID,
	schema.FieldRetries,
	schema.FieldDerefs,
}

// RestrictedFields returns the restricted field set for a message kind.
// Commands and requests may carry app context and retry count from the
// caller; requests may additionally carry derefs; events may carry app
// context only.
func RestrictedFields(kind schema.Kind) map[string]struct{} {
	restricted := make(map[string]struct{}, len(baseRestricted))
	for _, name := range baseRestricted {
		restricted[name] = struct{}{}
	}

	delete(restricted, schema.FieldApp)
	switch kind {
	case schema.KindCommand:
		delete(restricted, schema.FieldRetries)
	case schema.KindRequest:
		delete(restricted, schema.FieldRetries)
		delete(restricted, schema.FieldDerefs)
	}
	return restricted
}

// Restrict returns a copy of msg with every restricted field the client
// actually supplied cleared. Fields present only because of defaults or
// server logic are left alone.
func Restrict(msg *schema.Message, restricted map[string]struct{}, supplied map[string]struct{}) *schema.Message {
	out := msg.Clone()
	for name := range restricted {
		if _, fromClient := supplied[name]; !fromClient {
			continue
		}
		if !out.HasField(name) {
			continue
		}
		// Clone never returns a frozen message, so Clear cannot fail.
		_ = out.Clear(name)
	}
	return out
}

// Input carries the request-scoped values the binder draws from.
type Input struct {
	// Restricted applies the per-kind field restriction. On by default;
	// console and internal callers run unrestricted.
	Restricted bool
	// Raw is the client-supplied payload as parsed, used to tell
	// client-sourced values from server-sourced ones.
	Raw map[string]any
	// ClientIP enriches ctx_ip or ctx_ipv6 depending on its shape.
	ClientIP string
	// UserAgent enriches ctx_ua.
	UserAgent string
}

// Binder binds contextual fields onto messages. The app and cloud
// identities are computed once at construction and reused for every
// message; they come from static deployment config, not request data.
type Binder struct {
	app   map[string]any
	cloud map[string]any
}

// New constructs a Binder from the deployment identities.
func New(app config.AppIdentity, cloud config.CloudIdentity) *Binder {
	b := &Binder{}
	if !app.IsZero() {
		b.app = app.Fields()
	}
	if !cloud.IsZero() {
		b.cloud = cloud.Fields()
	}
	return b
}

// Bind restricts client-supplied context fields and then enriches the
// message. Enrichment is idempotent: a field that is already populated is
// never overwritten. Returns a new message; the input is not mutated.
func (b *Binder) Bind(msg *schema.Message, kind schema.Kind, in Input) (*schema.Message, error) {
	out := msg
	if in.Restricted {
		supplied := make(map[string]struct{}, len(in.Raw))
		for name := range in.Raw {
			supplied[name] = struct{}{}
		}
		out = Restrict(msg, RestrictedFields(kind), supplied)
	} else {
		out = msg.Clone()
	}

	if b.app != nil {
		if err := out.SetIfAbsent(schema.FieldApp, b.app); err != nil {
			return nil, err
		}
	}
	if b.cloud != nil {
		if err := out.SetIfAbsent(schema.FieldCloud, b.cloud); err != nil {
			return nil, err
		}
	}
	if in.ClientIP != "" {
		field := schema.FieldIP
		if strings.Contains(in.ClientIP, ":") {
			field = schema.FieldIPv6
		}
		if err := out.SetIfAbsent(field, in.ClientIP); err != nil {
			return nil, err
		}
	}
	if in.UserAgent != "" {
		if err := out.SetIfAbsent(schema.FieldUserAgent, in.UserAgent); err != nil {
			return nil, err
		}
	}
	return out, nil
}

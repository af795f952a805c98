// Package envelope defines the uniform result wrapper returned for every
// dispatch call, HTTP or console.
package envelope

import (
	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/ids"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// Envelope is the wire-level result of one dispatch. It is created once
// per inbound call and mutated by exactly one terminal branch.
type Envelope struct {
	ID           string          `json:"envelope_id"`
	OK           bool            `json:"ok"`
	Code         codes.Code      `json:"code"`
	HTTPCode     int             `json:"http_code"`
	ErrorName    string          `json:"error_name,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	MessageRef   string          `json:"message_ref,omitempty"`
	Etag         string          `json:"etag,omitempty"`
	Message      *schema.Message `json:"message,omitempty"`

	// JSONPCallback is set when the caller requested JSONP wrapping.
	// It controls response rendering only and never hits the wire.
	JSONPCallback string `json:"-"`

	// Redact controls whether 5xx error messages are replaced with a
	// generic string before rendering to untrusted callers.
	Redact bool `json:"-"`
}

// New constructs an envelope with a generated id and an OK/200 baseline.
// The id doubles as the correlator reference for dispatched messages.
func New() *Envelope {
	e := &Envelope{ID: ids.CreateULID()}
	e.SetCode(codes.OK)
	return e
}

// SetCode sets the result code together with its canonical HTTP status,
// keeping the two consistent and deriving the ok flag.
func (e *Envelope) SetCode(code codes.Code) {
	e.setCode(code, codes.HTTPStatus(code))
}

// SetCodeWithHTTP sets the result code with an explicit HTTP status, for
// gates whose HTTP status differs from the code's canonical mapping
// (e.g. INVALID_ARGUMENT with 406 or 415).
func (e *Envelope) SetCodeWithHTTP(code codes.Code, httpCode int) {
	e.setCode(code, httpCode)
}

func (e *Envelope) setCode(code codes.Code, httpCode int) {
	e.Code = code
	e.HTTPCode = httpCode
	e.OK = code == codes.OK
}

// Ref returns the envelope id formatted as a correlator reference.
func (e *Envelope) Ref() string {
	return e.ID
}

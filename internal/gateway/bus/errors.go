package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// Coder is implemented by errors that carry their own result code.
type Coder interface {
	ResultCode() codes.Code
}

// EndUserError is a handler failure whose message is pre-approved for
// end users. Its message is never redacted.
type EndUserError struct {
	// Code defaults to InvalidArgument when left zero.
	Code codes.Code
	// Name overrides the error name in the envelope. Optional.
	Name string
	// Message is the user-facing text.
	Message string
	Cause   error
}

func (e *EndUserError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "request failed"
}

func (e *EndUserError) Unwrap() error { return e.Cause }

func (e *EndUserError) ResultCode() codes.Code {
	if e.Code == codes.OK {
		return codes.InvalidArgument
	}
	return e.Code
}

// HTTPError is a handler failure pinned to a specific HTTP status rather
// than a canonical code.
type HTTPError struct {
	Status int
	Cause  error
}

func (e *HTTPError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("http %d: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("http %d", e.Status)
}

func (e *HTTPError) Unwrap() error { return e.Cause }

func (e *HTTPError) ResultCode() codes.Code {
	return codes.FromHTTPStatus(e.Status)
}

// RequestFailedError wraps a structured failure response produced by a
// request handler. The response message carries error_code, error_name,
// and error_message fields when the handler filled them in.
type RequestFailedError struct {
	Response *schema.Message
	Cause    error
}

func (e *RequestFailedError) Error() string {
	if e.Cause != nil {
		return "request handling failed: " + e.Cause.Error()
	}
	if e.Response != nil {
		if msg := e.Response.GetString("error_message"); msg != "" {
			return "request handling failed: " + msg
		}
	}
	return "request handling failed"
}

func (e *RequestFailedError) Unwrap() error { return e.Cause }

// HandlerNotFoundError reports a dispatch for a curie nothing handles.
type HandlerNotFoundError struct {
	Curie schema.Curie
}

func (e *HandlerNotFoundError) Error() string {
	return "schemabus: no handler registered for " + e.Curie.String()
}

func (e *HandlerNotFoundError) ResultCode() codes.Code {
	return codes.Unimplemented
}

// AlreadyRegisteredError reports a duplicate handler registration.
type AlreadyRegisteredError struct {
	Curie schema.Curie
}

func (e *AlreadyRegisteredError) Error() string {
	return "schemabus: handler already registered for " + e.Curie.String()
}

// ResultCode extracts the canonical code an error maps to. Errors that
// do not carry one map to Unknown.
func ResultCode(err error) codes.Code {
	var coder Coder
	if errors.As(err, &coder) {
		return coder.ResultCode()
	}
	return codes.Unknown
}

// ErrorName returns the error's short type name, without package path or
// pointer marker. It feeds the error_name envelope field.
func ErrorName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

package dispatch

import (
	"errors"

	"github.com/schemabus/schemabus/internal/gateway/bus"
	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/guard"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// Classification is the envelope-shaped outcome of one dispatch failure.
type Classification struct {
	Code         codes.Code
	HTTPCode     int
	ErrorName    string
	ErrorMessage string
	// Disclose marks the message as pre-approved for end users; it
	// overrides redaction.
	Disclose bool
}

// Classify maps a dispatch failure onto the result-code taxonomy. Rules
// run in priority order; the first matching error variant wins.
func Classify(err error) Classification {
	var endUser *bus.EndUserError
	if errors.As(err, &endUser) {
		code := endUser.ResultCode()
		name := endUser.Name
		if name == "" {
			name = bus.ErrorName(endUser)
		}
		return Classification{
			Code:         code,
			HTTPCode:     codes.HTTPStatus(code),
			ErrorName:    name,
			ErrorMessage: endUser.Error(),
			Disclose:     true,
		}
	}

	var httpErr *bus.HTTPError
	if errors.As(err, &httpErr) {
		return Classification{
			Code:         codes.FromHTTPStatus(httpErr.Status),
			HTTPCode:     httpErr.Status,
			ErrorName:    bus.ErrorName(httpErr),
			ErrorMessage: httpErr.Error(),
		}
	}

	var failed *bus.RequestFailedError
	if errors.As(err, &failed) {
		return classifyRequestFailure(failed)
	}

	if schema.IsViolation(err) {
		return Classification{
			Code:         codes.InvalidArgument,
			HTTPCode:     codes.HTTPStatus(codes.InvalidArgument),
			ErrorName:    bus.ErrorName(err),
			ErrorMessage: err.Error(),
			Disclose:     true,
		}
	}

	var denied *guard.PermissionDeniedError
	if errors.As(err, &denied) {
		return Classification{
			Code:         codes.PermissionDenied,
			HTTPCode:     codes.HTTPStatus(codes.PermissionDenied),
			ErrorName:    bus.ErrorName(denied),
			ErrorMessage: denied.Error(),
		}
	}

	code := codes.InvalidArgument
	var coder bus.Coder
	if errors.As(err, &coder) {
		if c := coder.ResultCode(); c > codes.OK {
			code = c
		}
	}
	return Classification{
		Code:         code,
		HTTPCode:     codes.HTTPStatus(code),
		ErrorName:    bus.ErrorName(err),
		ErrorMessage: err.Error(),
	}
}

// classifyRequestFailure pulls the code, name, and message from the
// structured failure response when the handler filled them in.
func classifyRequestFailure(failed *bus.RequestFailedError) Classification {
	code := codes.Unknown
	name := bus.ErrorName(failed)
	text := failed.Error()

	if resp := failed.Response; resp != nil {
		if v, ok := resp.Get("error_code"); ok {
			if c, valid := numericCode(v); valid {
				code = c
			}
		}
		if s := resp.GetString("error_name"); s != "" {
			name = s
		}
		if s := resp.GetString("error_message"); s != "" {
			text = s
		}
	}
	return Classification{
		Code:         code,
		HTTPCode:     codes.HTTPStatus(code),
		ErrorName:    name,
		ErrorMessage: text,
	}
}

// numericCode coerces a decoded JSON number or a native int into a valid
// result code.
func numericCode(v any) (codes.Code, bool) {
	var code codes.Code
	switch n := v.(type) {
	case float64:
		code = codes.Code(int(n))
	case int:
		code = codes.Code(n)
	case int64:
		code = codes.Code(n)
	default:
		return 0, false
	}
	if !code.Valid() {
		return 0, false
	}
	return code, true
}

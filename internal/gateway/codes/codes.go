// Package codes defines the closed result-code taxonomy used on every
// dispatch envelope and its bidirectional mapping to HTTP status codes.
package codes

import "net/http"

// Code is a vendor-neutral result code mirroring the gRPC taxonomy.
// The zero value is OK.
type Code int

const (
	OK Code = iota
	Canceled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var names = map[Code]string{
	OK:                 "OK",
	Canceled:           "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether c is a member of the closed enumeration.
func (c Code) Valid() bool {
	_, ok := names[c]
	return ok
}

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned. It has no net/http constant.
const StatusClientClosedRequest = 499

var httpByCode = map[Code]int{
	OK:                 http.StatusOK,
	Canceled:           StatusClientClosedRequest,
	Unknown:            http.StatusInternalServerError,
	InvalidArgument:    http.StatusUnprocessableEntity,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	NotFound:           http.StatusNotFound,
	AlreadyExists:      http.StatusConflict,
	PermissionDenied:   http.StatusForbidden,
	ResourceExhausted:  http.StatusTooManyRequests,
	FailedPrecondition: http.StatusPreconditionFailed,
	Aborted:            http.StatusConflict,
	OutOfRange:         http.StatusBadRequest,
	Unimplemented:      http.StatusNotImplemented,
	Internal:           http.StatusInternalServerError,
	Unavailable:        http.StatusServiceUnavailable,
	DataLoss:           http.StatusInternalServerError,
	Unauthenticated:    http.StatusUnauthorized,
}

// HTTPStatus converts a vendor code into its canonical HTTP status.
// Codes outside the enumeration map to 422 Unprocessable Entity.
func HTTPStatus(c Code) int {
	if status, ok := httpByCode[c]; ok {
		return status
	}
	return http.StatusUnprocessableEntity
}

var codeByHTTP = map[int]Code{
	http.StatusConflict:            AlreadyExists,
	http.StatusForbidden:           PermissionDenied,
	http.StatusUnauthorized:        Unauthenticated,
	http.StatusTooManyRequests:     ResourceExhausted,
	http.StatusPreconditionFailed:  FailedPrecondition,
	http.StatusNotImplemented:      Unimplemented,
	http.StatusServiceUnavailable:  Unavailable,
	StatusClientClosedRequest:      Canceled,
	http.StatusInternalServerError: Internal,
	http.StatusGatewayTimeout:      DeadlineExceeded,
	http.StatusNotFound:            NotFound,
}

// FromHTTPStatus converts an HTTP status into a vendor code. Statuses
// without an exact match bucket to Internal (>=500) or InvalidArgument
// (4xx); anything below 400 is OK.
func FromHTTPStatus(status int) Code {
	if status < http.StatusBadRequest {
		return OK
	}
	if code, ok := codeByHTTP[status]; ok {
		return code
	}
	if status >= http.StatusInternalServerError {
		return Internal
	}
	return InvalidArgument
}

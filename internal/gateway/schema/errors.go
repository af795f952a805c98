package schema

import (
	"errors"
	"fmt"
)

// ErrFrozen is returned when a mutation is attempted on a frozen message.
var ErrFrozen = errors.New("schemabus: message is frozen")

// Violation is implemented by every error this package produces. The
// dispatcher treats schema violations as safe to disclose to callers.
type Violation interface {
	error
	schemaViolation()
}

// IsViolation reports whether err is (or wraps) a schema violation.
func IsViolation(err error) bool {
	var v Violation
	return errors.As(err, &v)
}

// InvalidError reports malformed identifiers, payloads, or field values.
type InvalidError struct {
	Reason string
	Cause  error
}

func (e *InvalidError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schemabus: %s: %v", e.Reason, e.Cause)
	}
	return "schemabus: " + e.Reason
}

func (e *InvalidError) Unwrap() error { return e.Cause }

func (e *InvalidError) schemaViolation() {}

// MismatchError reports an explicit schema id whose curie disagrees with
// the curie derived from routing. Never silently coerced.
type MismatchError struct {
	Expected Curie
	Got      Curie
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schemabus: schema id curie %q does not match expected curie %q", e.Got, e.Expected)
}

func (e *MismatchError) schemaViolation() {}

// UnresolvedError reports a curie with no registered message type.
type UnresolvedError struct {
	Curie Curie
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("schemabus: no message type registered for curie %q", e.Curie)
}

func (e *UnresolvedError) schemaViolation() {}

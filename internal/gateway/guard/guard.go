// Package guard gates root-level messages behind a permission check
// before they reach a bus.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// ErrNoRequestContext signals a dispatch without any request context.
// That is a wiring bug, and it fails closed as access denied.
var ErrNoRequestContext = errors.New("schemabus: dispatch has no request context, access denied")

// RequestContext describes where a dispatch originated. It rides on the
// context.Context through binder, guard, and buses.
type RequestContext struct {
	// Console marks trusted console/internal callers; they skip both
	// field restriction and the permission check.
	Console bool
	// ClientIP and UserAgent feed binder enrichment.
	ClientIP  string
	UserAgent string
	// depth counts nested dispatches. Only depth zero is a root message.
	depth int
}

// Root reports whether this is the outermost message in a causal chain.
func (rc *RequestContext) Root() bool {
	return rc.depth == 0
}

type contextKey struct{}

// WithRequestContext attaches a request context for the current dispatch.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext extracts the request context, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok
}

// Nested returns a context whose request context is one dispatch level
// deeper. Buses call this before invoking handlers so that messages they
// spawn count as sub-effects, not root messages.
func Nested(ctx context.Context) context.Context {
	rc, ok := FromContext(ctx)
	if !ok {
		return ctx
	}
	child := *rc
	child.depth++
	return WithRequestContext(ctx, &child)
}

// PermissionDeniedError reports a rejected root message.
type PermissionDeniedError struct {
	Ref   string
	Cause error
}

func (e *PermissionDeniedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schemabus: permission denied for %s: %v", e.Ref, e.Cause)
	}
	return "schemabus: permission denied for " + e.Ref
}

func (e *PermissionDeniedError) Unwrap() error { return e.Cause }

// Checker is the overridable permission hook. Concrete policy is an
// external collaborator.
type Checker interface {
	Check(ctx context.Context, msg *schema.Message) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, msg *schema.Message) error

func (f CheckerFunc) Check(ctx context.Context, msg *schema.Message) error {
	return f(ctx, msg)
}

// Validator authorizes root-level messages. Nested messages, console
// callers, and server-generated messages (those already carrying a
// causator ref) pass without a check.
type Validator struct {
	checker Checker
}

// NewValidator constructs a Validator. A nil checker allows every
// message that reaches the hook.
func NewValidator(checker Checker) *Validator {
	return &Validator{checker: checker}
}

// Validate gates the message per the rules above. A missing request
// context is a configuration error and always denies access.
func (v *Validator) Validate(ctx context.Context, msg *schema.Message) error {
	rc, ok := FromContext(ctx)
	if !ok {
		return ErrNoRequestContext
	}
	if !rc.Root() {
		return nil
	}
	if rc.Console {
		return nil
	}
	if msg.Has(schema.FieldCausatorRef) {
		return nil
	}
	if v.checker == nil {
		return nil
	}
	if err := v.checker.Check(ctx, msg); err != nil {
		return &PermissionDeniedError{Ref: msg.Ref(), Cause: err}
	}
	return nil
}

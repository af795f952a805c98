package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/schemabus/schemabus/internal/gateway/schema"
)

func newMessage(t *testing.T) *schema.Message {
	t.Helper()
	id, err := schema.ParseID("acme:blog::create-article:1-0-0")
	if err != nil {
		t.Fatal(err)
	}
	return schema.NewMessage(id)
}

func denyAll(reason error) Checker {
	return CheckerFunc(func(ctx context.Context, msg *schema.Message) error {
		return reason
	})
}

func TestValidateRequiresRequestContext(t *testing.T) {
	v := NewValidator(nil)
	err := v.Validate(context.Background(), newMessage(t))
	if !errors.Is(err, ErrNoRequestContext) {
		t.Fatalf("got %v, want ErrNoRequestContext", err)
	}
}

func TestValidateSkipsNestedDispatch(t *testing.T) {
	deny := errors.New("nope")
	v := NewValidator(denyAll(deny))
	ctx := WithRequestContext(context.Background(), &RequestContext{})
	ctx = Nested(ctx)

	if err := v.Validate(ctx, newMessage(t)); err != nil {
		t.Fatalf("nested dispatch should skip the check, got %v", err)
	}
}

func TestValidateSkipsConsole(t *testing.T) {
	v := NewValidator(denyAll(errors.New("nope")))
	ctx := WithRequestContext(context.Background(), &RequestContext{Console: true})

	if err := v.Validate(ctx, newMessage(t)); err != nil {
		t.Fatalf("console dispatch should skip the check, got %v", err)
	}
}

func TestValidateSkipsCausatedMessages(t *testing.T) {
	v := NewValidator(denyAll(errors.New("nope")))
	ctx := WithRequestContext(context.Background(), &RequestContext{})

	msg := newMessage(t)
	if err := msg.Set(schema.FieldCausatorRef, "acme:blog::import:SOMEID"); err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(ctx, msg); err != nil {
		t.Fatalf("server-generated message should skip the check, got %v", err)
	}
}

func TestValidateDelegatesToChecker(t *testing.T) {
	cause := errors.New("missing role")
	v := NewValidator(denyAll(cause))
	ctx := WithRequestContext(context.Background(), &RequestContext{})

	err := v.Validate(ctx, newMessage(t))
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("got %v, want PermissionDeniedError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("denial should wrap the checker's error")
	}
}

func TestValidateNilCheckerAllows(t *testing.T) {
	v := NewValidator(nil)
	ctx := WithRequestContext(context.Background(), &RequestContext{})
	if err := v.Validate(ctx, newMessage(t)); err != nil {
		t.Fatalf("nil checker should allow, got %v", err)
	}
}

func TestNestedDoesNotMutateParent(t *testing.T) {
	rc := &RequestContext{Console: true}
	ctx := WithRequestContext(context.Background(), rc)
	nested := Nested(ctx)

	if !rc.Root() {
		t.Fatal("parent context should stay at depth zero")
	}
	child, ok := FromContext(nested)
	if !ok || child.Root() {
		t.Fatal("nested context should be one level deeper")
	}
	if !child.Console {
		t.Fatal("nesting should preserve the console flag")
	}
}

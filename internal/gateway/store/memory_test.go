package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/schemabus/schemabus/internal/gateway/schema"
)

func newEvent(t *testing.T, curie string) *schema.Message {
	t.Helper()
	id, err := schema.ParseID(curie + ":1-0-0")
	if err != nil {
		t.Fatal(err)
	}
	return schema.NewMessage(id)
}

func TestPutFreezesAndOrders(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	first := newEvent(t, "acme:blog:event:article-created")
	second := newEvent(t, "acme:blog:event:article-created")

	// Insert out of order; Pipe must still yield occurrence order.
	if err := s.Put(ctx, second); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	if !first.Frozen() || !second.Frozen() {
		t.Fatal("stored events should be frozen")
	}

	var refs []string
	err := s.Pipe(ctx, Filter{}, func(event *schema.Message) error {
		refs = append(refs, event.Ref())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d events, want 2", len(refs))
	}
	if refs[0] != first.Ref() || refs[1] != second.Ref() {
		t.Fatalf("events out of order: %v", refs)
	}
}

func TestPipeFilters(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	created := newEvent(t, "acme:blog:event:article-created")
	deleted := newEvent(t, "acme:blog:event:article-deleted")
	if err := deleted.Set(schema.FieldTenantID, "tenant-9"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, created, deleted); err != nil {
		t.Fatal(err)
	}

	count := func(f Filter) int {
		n := 0
		if err := s.Pipe(ctx, f, func(*schema.Message) error { n++; return nil }); err != nil {
			t.Fatal(err)
		}
		return n
	}

	if got := count(Filter{Curie: created.Curie()}); got != 1 {
		t.Errorf("curie filter matched %d, want 1", got)
	}
	if got := count(Filter{TenantID: "tenant-9"}); got != 1 {
		t.Errorf("tenant filter matched %d, want 1", got)
	}
	if got := count(Filter{TenantID: "other"}); got != 0 {
		t.Errorf("mismatched tenant filter matched %d, want 0", got)
	}
	if got := count(Filter{Until: time.Now().Add(-time.Hour)}); got != 0 {
		t.Errorf("past window matched %d, want 0", got)
	}
	if got := count(Filter{Since: time.Now().Add(-time.Hour)}); got != 2 {
		t.Errorf("open window matched %d, want 2", got)
	}
}

func TestPipeStopsOnCallbackError(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	if err := s.Put(ctx, newEvent(t, "acme:blog:event:a"), newEvent(t, "acme:blog:event:b")); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("stop")
	calls := 0
	err := s.Pipe(ctx, Filter{}, func(*schema.Message) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the callback error", err)
	}
	if calls != 1 {
		t.Fatalf("pipe should stop after the failing callback, got %d calls", calls)
	}
}

func TestOccurredAtComesFromInstance(t *testing.T) {
	event := newEvent(t, "acme:blog:event:article-created")
	at := OccurredAt(event)
	if at.IsZero() {
		t.Fatal("occurrence time should derive from the instance ulid")
	}
	if d := time.Since(at); d < 0 || d > time.Minute {
		t.Fatalf("occurrence time looks wrong: %v", at)
	}
}

func TestSearchMatchesStringFields(t *testing.T) {
	s := NewMemoryEventSearch()
	ctx := context.Background()

	match := newEvent(t, "acme:blog:event:article-created")
	if err := match.Set("title", "Hello Gophers"); err != nil {
		t.Fatal(err)
	}
	miss := newEvent(t, "acme:blog:event:article-created")
	if err := miss.Set("title", "something else"); err != nil {
		t.Fatal(err)
	}
	if err := s.Index(ctx, match, miss); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search(ctx, "gophers", Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Ref() != match.Ref() {
		t.Fatalf("unexpected search result: %v", got)
	}

	all, err := s.Search(ctx, "", Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("empty query should match all, got %d", len(all))
	}
}

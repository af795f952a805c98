// Package store defines the event persistence and search contracts the
// console commands read from, plus in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// Filter narrows which stored events a read touches. Zero fields match
// everything.
type Filter struct {
	// Since and Until bound the event's occurrence time, inclusive on
	// Since and exclusive on Until.
	Since time.Time
	Until time.Time
	// Curie restricts to one message type.
	Curie schema.Curie
	// TenantID restricts to events carrying that ctx_tenant_id.
	TenantID string
}

func (f Filter) matches(event *schema.Message, at time.Time) bool {
	if !f.Since.IsZero() && at.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !at.Before(f.Until) {
		return false
	}
	if !f.Curie.IsZero() && event.Curie() != f.Curie {
		return false
	}
	if f.TenantID != "" && event.GetString(schema.FieldTenantID) != f.TenantID {
		return false
	}
	return true
}

// EventStore persists events in occurrence order.
type EventStore interface {
	// Put appends events. Events are frozen on write.
	Put(ctx context.Context, events ...*schema.Message) error
	// Pipe streams matching events in occurrence order to fn. A non-nil
	// error from fn stops the pipe and is returned.
	Pipe(ctx context.Context, f Filter, fn func(event *schema.Message) error) error
}

// EventSearch indexes events for full-text lookup.
type EventSearch interface {
	// Index adds events to the search index.
	Index(ctx context.Context, events ...*schema.Message) error
	// Search returns matching events in occurrence order.
	Search(ctx context.Context, q string, f Filter) ([]*schema.Message, error)
}

// OccurredAt derives the event's occurrence time from its instance
// identifier, which is a ULID and therefore carries a timestamp.
func OccurredAt(event *schema.Message) time.Time {
	id, err := ulid.ParseStrict(event.Instance())
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

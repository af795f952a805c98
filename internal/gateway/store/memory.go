package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schemabus/schemabus/internal/gateway/schema"
)

type storedEvent struct {
	event *schema.Message
	at    time.Time
}

// MemoryEventStore keeps events in memory, ordered by occurrence time.
// It backs tests and the in-process console commands; durable drivers
// satisfy the same interface elsewhere.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []storedEvent
}

// NewMemoryEventStore constructs an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Put(ctx context.Context, events ...*schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		event.Freeze()
		s.events = append(s.events, storedEvent{event: event, at: OccurredAt(event)})
	}
	sort.SliceStable(s.events, func(i, j int) bool {
		if !s.events[i].at.Equal(s.events[j].at) {
			return s.events[i].at.Before(s.events[j].at)
		}
		return s.events[i].event.Instance() < s.events[j].event.Instance()
	})
	return nil
}

func (s *MemoryEventStore) Pipe(ctx context.Context, f Filter, fn func(event *schema.Message) error) error {
	s.mu.RLock()
	snapshot := make([]storedEvent, len(s.events))
	copy(snapshot, s.events)
	s.mu.RUnlock()

	for _, se := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.matches(se.event, se.at) {
			continue
		}
		if err := fn(se.event); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many events are stored.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// MemoryEventSearch is a naive in-memory search index matching the query
// string against any string field value.
type MemoryEventSearch struct {
	store *MemoryEventStore
}

// NewMemoryEventSearch constructs an empty in-memory search index.
func NewMemoryEventSearch() *MemoryEventSearch {
	return &MemoryEventSearch{store: NewMemoryEventStore()}
}

func (s *MemoryEventSearch) Index(ctx context.Context, events ...*schema.Message) error {
	return s.store.Put(ctx, events...)
}

func (s *MemoryEventSearch) Search(ctx context.Context, q string, f Filter) ([]*schema.Message, error) {
	q = strings.ToLower(q)
	var out []*schema.Message
	err := s.store.Pipe(ctx, f, func(event *schema.Message) error {
		if q == "" || eventMatches(event, q) {
			out = append(out, event)
		}
		return nil
	})
	return out, err
}

func eventMatches(event *schema.Message, q string) bool {
	for _, name := range event.FieldNames() {
		v, ok := event.Get(name)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

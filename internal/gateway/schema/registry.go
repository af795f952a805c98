package schema

import (
	"sync"
)

// Kind classifies a message type by how it travels through the buses.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommand
	KindEvent
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Spec describes a registered message type: its latest schema id and its
// kind. Registration is explicit; nothing is guessed from names.
type Spec struct {
	ID   ID
	Kind Kind
}

type registryEntry struct {
	kind     Kind
	latest   ID
	versions map[string]ID
}

// Registry resolves curies and schema ids to registered message types.
// Populate it at startup; reads are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a schema id under its curie. Registering a newer version
// of an existing curie bumps the latest-version pointer; the kind of an
// existing curie cannot change.
func (r *Registry) Register(id ID, kind Kind) error {
	if err := id.Curie.validate(); err != nil {
		return err
	}
	if kind == KindUnknown {
		return &InvalidError{Reason: "cannot register a message type with unknown kind"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.Curie.String()
	entry, ok := r.entries[key]
	if !ok {
		entry = &registryEntry{kind: kind, latest: id, versions: make(map[string]ID)}
		r.entries[key] = entry
	} else {
		if entry.kind != kind {
			return &InvalidError{Reason: "curie " + key + " is already registered as a " + entry.kind.String()}
		}
		if id.Newer(entry.latest) {
			entry.latest = id
		}
	}
	entry.versions[id.String()] = id
	return nil
}

// ResolveCurie resolves a curie to its registered spec at the latest
// known schema version.
func (r *Registry) ResolveCurie(curie Curie) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[curie.String()]
	if !ok {
		return Spec{}, &UnresolvedError{Curie: curie}
	}
	return Spec{ID: entry.latest, Kind: entry.kind}, nil
}

// ResolveID resolves an explicit schema id, validating that its curie
// agrees with the expected routing-derived curie. A mismatch is a hard
// error, never coerced. Ids with unregistered versions resolve through
// their curie at the exact version they name.
func (r *Registry) ResolveID(id ID, expected Curie) (Spec, error) {
	if !expected.IsZero() && id.Curie != expected {
		return Spec{}, &MismatchError{Expected: expected, Got: id.Curie}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id.Curie.String()]
	if !ok {
		return Spec{}, &UnresolvedError{Curie: id.Curie}
	}
	if exact, ok := entry.versions[id.String()]; ok {
		return Spec{ID: exact, Kind: entry.kind}, nil
	}
	return Spec{ID: id, Kind: entry.kind}, nil
}

// Curies returns all registered curies.
func (r *Registry) Curies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for key := range r.entries {
		out = append(out, key)
	}
	return out
}

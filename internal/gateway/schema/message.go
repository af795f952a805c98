package schema

import (
	"fmt"
	"sort"

	"github.com/schemabus/schemabus/internal/gateway/ids"
	"github.com/schemabus/schemabus/internal/gateway/jsoncodec"
)

// FieldSchema is the payload field carrying the explicit schema id.
const FieldSchema = "_schema"

// Context fields populated by the server, never trusted from clients.
const (
	FieldCausatorRef   = "ctx_causator_ref"
	FieldCorrelatorRef = "ctx_correlator_ref"
	FieldIP            = "ctx_ip"
	FieldIPv6          = "ctx_ipv6"
	FieldUserAgent     = "ctx_ua"
	FieldApp           = "ctx_app"
	FieldCloud         = "ctx_cloud"
	FieldTenantID      = "ctx_tenant_id"
	FieldRetries       = "ctx_retries"
	FieldDerefs        = "derefs"
)

// Message is a schema-typed, named-field record. Commands, events,
// requests, and responses are all messages; the registry's Spec says
// which. A message is mutable until Freeze is called.
type Message struct {
	id       ID
	instance string
	fields   map[string]any
	frozen   bool
}

// NewMessage constructs an empty message of the given schema id with a
// fresh instance identifier.
func NewMessage(id ID) *Message {
	return &Message{
		id:       id,
		instance: ids.CreateULID(),
		fields:   make(map[string]any),
	}
}

// FromFields constructs a message of the given schema id and populates it
// from a parsed payload. The _schema field is skipped; everything else is
// set verbatim.
func FromFields(id ID, fields map[string]any) (*Message, error) {
	m := NewMessage(id)
	for name, value := range fields {
		if name == FieldSchema {
			continue
		}
		if err := m.Set(name, value); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Unmarshal parses a serialized message. The line must be a JSON object;
// its _schema field, when present, wins over fallback.
func Unmarshal(data []byte, fallback ID) (*Message, error) {
	fields, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return nil, &InvalidError{Reason: "message payload is not a JSON object", Cause: err}
	}
	id := fallback
	if raw, ok := fields[FieldSchema]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &InvalidError{Reason: fmt.Sprintf("%s field must be a string", FieldSchema)}
		}
		id, err = ParseID(s)
		if err != nil {
			return nil, err
		}
	}
	if id.IsZero() {
		return nil, &InvalidError{Reason: "message payload carries no schema id"}
	}
	return FromFields(id, fields)
}

// ID returns the message's schema id.
func (m *Message) ID() ID { return m.id }

// Curie returns the message's curie (schema id without version).
func (m *Message) Curie() Curie { return m.id.Curie }

// Instance returns the message's unique instance identifier.
func (m *Message) Instance() string { return m.instance }

// Ref returns the globally unique message reference, derived from the
// curie and the instance identifier.
func (m *Message) Ref() string {
	return m.id.Curie.String() + ":" + m.instance
}

// Get returns the value of a field. The second return is false when the
// field is absent or nil.
func (m *Message) Get(name string) (any, bool) {
	v, ok := m.fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// GetString returns the field's value as a string, or "" when absent or
// not a string.
func (m *Message) GetString(name string) string {
	v, ok := m.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Has reports whether the field is set to a non-nil value.
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// HasField reports whether the field key is present at all, even when its
// value is nil. Has is the strict query; this is the lenient one.
func (m *Message) HasField(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// Set assigns a field value. Fails on frozen messages and on empty or
// reserved field names.
func (m *Message) Set(name string, value any) error {
	if m.frozen {
		return ErrFrozen
	}
	if name == "" {
		return &InvalidError{Reason: "field name cannot be empty"}
	}
	if name == FieldSchema {
		return &InvalidError{Reason: FieldSchema + " is reserved"}
	}
	m.fields[name] = value
	return nil
}

// SetIfAbsent assigns a field value only when the field is not already
// set. Enrichment never overwrites existing values.
func (m *Message) SetIfAbsent(name string, value any) error {
	if m.Has(name) {
		return nil
	}
	return m.Set(name, value)
}

// Clear removes a field. Fails on frozen messages.
func (m *Message) Clear(name string) error {
	if m.frozen {
		return ErrFrozen
	}
	delete(m.fields, name)
	return nil
}

// Freeze makes the message immutable. Idempotent.
func (m *Message) Freeze() { m.frozen = true }

// Frozen reports whether the message has been frozen.
func (m *Message) Frozen() bool { return m.frozen }

// Clone returns an unfrozen shallow copy sharing the same schema id and
// instance identifier.
func (m *Message) Clone() *Message {
	fields := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		fields[k] = v
	}
	return &Message{id: m.id, instance: m.instance, fields: fields}
}

// FieldNames returns the sorted names of all present fields.
func (m *Message) FieldNames() []string {
	names := make([]string, 0, len(m.fields))
	for name := range m.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON serializes the message with its _schema field included.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.fields)+1)
	for k, v := range m.fields {
		out[k] = v
	}
	out[FieldSchema] = m.id.String()
	return jsoncodec.Marshal(out)
}

func (m *Message) String() string {
	return m.Ref()
}

package xgate

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
)

// Origins stamped by the bus when the producer left the origin empty.
const (
	OriginExternal    = "external"
	OriginCoordinator = "coordinator"
)

// Field is one key/value pair of an event payload.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Event is an immutable value routed by the bus. Payload order is preserved.
type Event struct {
	typ       string
	fields    []Field
	timestamp time.Time
	origin    string
}

// NewEvent creates an event stamped with the default clock.
func NewEvent(eventType string, fields ...Field) Event {
	return NewEventAt(xclock.Default().Now(), eventType, fields...)
}

// NewEventAt creates an event with an explicit timestamp.
func NewEventAt(ts time.Time, eventType string, fields ...Field) Event {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Event{typ: eventType, fields: cp, timestamp: ts}
}

func (e Event) Type() string         { return e.typ }
func (e Event) Timestamp() time.Time { return e.timestamp }

// Origin identifies the producer, e.g. the gateway callback that emitted it.
func (e Event) Origin() string { return e.origin }

// WithOrigin returns a copy of e carrying origin.
func (e Event) WithOrigin(origin string) Event {
	e.origin = origin
	return e
}

// Fields returns a copy of the ordered payload.
func (e Event) Fields() []Field {
	cp := make([]Field, len(e.fields))
	copy(cp, e.fields)
	return cp
}

// Map returns the payload as a map, convenient for structured logging.
func (e Event) Map() map[string]any {
	m := make(map[string]any, len(e.fields))
	for _, f := range e.fields {
		m[f.Key] = f.Value
	}
	return m
}

// Get returns the value stored under key. Later fields shadow earlier ones.
func (e Event) Get(key string) (any, bool) {
	for i := len(e.fields) - 1; i >= 0; i-- {
		if e.fields[i].Key == key {
			return e.fields[i].Value, true
		}
	}
	return nil, false
}

// String returns the value under key formatted as a string, or "" when absent.
func (e Event) String(key string) string {
	v, ok := e.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int64 returns the integer value under key.
func (e Event) Int64(key string) (int64, bool) {
	v, ok := e.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Bool returns the boolean value under key.
func (e Event) Bool(key string) (bool, bool) {
	v, ok := e.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

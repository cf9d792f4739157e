// Package message defines the three message kinds routed by rulebox
// (Command, Event, Query) and the factory that validates them.
//
// Payloads and metadata are canonical values (see package canon). The factory
// deep-copies both at creation, so a message never aliases caller maps.
package message

import (
	"time"

	"github.com/roach88/rulebox/internal/canon"
)

// Well-known metadata keys.
const (
	MetaAggregateID      = "aggregateId"
	MetaAggregateType    = "aggregateType"
	MetaAggregateVersion = "aggregateVersion"
	MetaCausationID      = "causationId"
	MetaCausationName    = "causationName"
	MetaCorrelationID    = "correlationId"
	MetaCommandName      = "commandName"
	MetaUserID           = "userId"
)

// Event is an immutable, validated fact.
//
// Identity is UUID. Position is assigned by the event store on append and is
// only meaningful within the stream the event was loaded from.
type Event struct {
	UUID      string         `json:"uuid"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"createdAt"`
	Position  int64          `json:"position,omitempty"`
}

// Command is a request to change state. Commands are never persisted.
type Command struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	Meta    map[string]any `json:"meta"`
}

// Query is a read request answered by a resolver.
type Query struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	Meta    map[string]any `json:"meta"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	c := e
	c.Payload = canon.CloneMap(e.Payload)
	c.Meta = canon.CloneMap(e.Meta)
	return c
}

// WithMeta returns a copy of e with extra metadata merged over the existing.
func (e Event) WithMeta(extra map[string]any) Event {
	c := e.Clone()
	for k, v := range extra {
		c.Meta[k] = canon.Clone(v)
	}
	return c
}

// MetaString returns a string metadata value, or "".
func (e Event) MetaString(key string) string {
	s, _ := e.Meta[key].(string)
	return s
}

// AsMap renders the event as a canonical value for rule contexts.
func (e Event) AsMap() map[string]any {
	return map[string]any{
		"uuid":      e.UUID,
		"name":      e.Name,
		"payload":   canon.CloneMap(e.Payload),
		"meta":      canon.CloneMap(e.Meta),
		"createdAt": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// MetaString returns a string metadata value, or "".
func (c Command) MetaString(key string) string {
	s, _ := c.Meta[key].(string)
	return s
}

// AsMap renders the command as a canonical value for rule contexts.
func (c Command) AsMap() map[string]any {
	return map[string]any{
		"name":    c.Name,
		"payload": canon.CloneMap(c.Payload),
		"meta":    canon.CloneMap(c.Meta),
	}
}

// AsMap renders the query as a canonical value for rule contexts.
func (q Query) AsMap() map[string]any {
	return map[string]any{
		"name":    q.Name,
		"payload": canon.CloneMap(q.Payload),
		"meta":    canon.CloneMap(q.Meta),
	}
}

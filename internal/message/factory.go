package message

import (
	"fmt"
	"time"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
)

// Kind distinguishes the three message kinds.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindQuery   Kind = "query"
)

// SchemaName is the registry key for a message schema. Kinds have separate
// namespaces so a command and an event may share a name.
func SchemaName(kind Kind, name string) string {
	return string(kind) + ":" + name
}

// Validator checks payloads by schema name. *schema.Registry implements it.
type Validator interface {
	Validate(name string, data map[string]any) error
}

// Factory creates validated messages.
//
// Every payload is normalized, deep-copied and validated against the schema
// registered under SchemaName(kind, name). A nil Validator disables schema
// checks.
type Factory struct {
	schemas Validator
	ids     IDGenerator
	now     func() time.Time
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithIDGenerator sets the event UUID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) FactoryOption {
	return func(f *Factory) { f.ids = g }
}

// WithClock sets the CreatedAt source. Default: time.Now in UTC.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// NewFactory creates a factory validating through schemas.
func NewFactory(schemas Validator, opts ...FactoryOption) *Factory {
	f := &Factory{
		schemas: schemas,
		ids:     UUIDv7Generator{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IDs returns the factory's identifier generator.
func (f *Factory) IDs() IDGenerator {
	return f.ids
}

// NewEvent creates an event with a fresh UUID and timestamp.
func (f *Factory) NewEvent(name string, payload, meta map[string]any) (Event, error) {
	p, m, err := f.prepare(KindEvent, name, payload, meta)
	if err != nil {
		return Event{}, err
	}
	return Event{
		UUID:      f.ids.Generate(),
		Name:      name,
		Payload:   p,
		Meta:      m,
		CreatedAt: f.now(),
	}, nil
}

// NewCommand creates a validated command.
func (f *Factory) NewCommand(name string, payload, meta map[string]any) (Command, error) {
	p, m, err := f.prepare(KindCommand, name, payload, meta)
	if err != nil {
		return Command{}, err
	}
	return Command{Name: name, Payload: p, Meta: m}, nil
}

// NewQuery creates a validated query.
func (f *Factory) NewQuery(name string, payload, meta map[string]any) (Query, error) {
	p, m, err := f.prepare(KindQuery, name, payload, meta)
	if err != nil {
		return Query{}, err
	}
	return Query{Name: name, Payload: p, Meta: m}, nil
}

func (f *Factory) prepare(kind Kind, name string, payload, meta map[string]any) (map[string]any, map[string]any, error) {
	if name == "" {
		return nil, nil, errs.Validation("%s name is required", kind)
	}
	p, err := canon.NormalizeMap(payload)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeValidation, err, "%s %s payload", kind, name)
	}
	m, err := canon.NormalizeMap(meta)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeValidation, err, "%s %s meta", kind, name)
	}
	if f.schemas != nil {
		if err := f.schemas.Validate(SchemaName(kind, name), p); err != nil {
			return nil, nil, fmt.Errorf("%s %s: %w", kind, name, err)
		}
	}
	return p, m, nil
}

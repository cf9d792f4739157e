package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
)

// CommandInfo describes a routable command.
type CommandInfo struct {
	Name         string `json:"name" yaml:"name"`
	Aggregate    string `json:"aggregate" yaml:"aggregate"`
	NewAggregate bool   `json:"newAggregate,omitempty" yaml:"newAggregate,omitempty"`
}

// EventInfo describes a known event.
type EventInfo struct {
	Name      string `json:"name" yaml:"name"`
	Aggregate string `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
	Public    bool   `json:"public,omitempty" yaml:"public,omitempty"`
}

// QueryInfo describes a routable query.
type QueryInfo struct {
	Name string `json:"name" yaml:"name"`
}

// Router runs messages built by a MessageBox. *Engine implements it.
type Router interface {
	ExecuteCommand(ctx context.Context, cmd message.Command) ([]message.Event, error)
	ResolveQuery(ctx context.Context, q message.Query) (any, error)
	PublishEvent(ctx context.Context, ev message.Event) error
}

// MessageBox is the inbound entry point: it knows every message name, builds
// validated messages through the factory and routes them.
type MessageBox struct {
	mu       sync.RWMutex
	commands map[string]CommandInfo
	events   map[string]EventInfo
	queries  map[string]QueryInfo

	factory *message.Factory
	ids     message.IDGenerator
	router  Router
}

// NewMessageBox creates a box routing to router. ids generates correlation
// ids for messages that arrive without one.
func NewMessageBox(factory *message.Factory, ids message.IDGenerator, router Router) *MessageBox {
	if ids == nil {
		ids = message.UUIDv7Generator{}
	}
	return &MessageBox{
		commands: make(map[string]CommandInfo),
		events:   make(map[string]EventInfo),
		queries:  make(map[string]QueryInfo),
		factory:  factory,
		ids:      ids,
		router:   router,
	}
}

// RegisterCommand adds a command name. Names are unique per kind.
func (b *MessageBox) RegisterCommand(info CommandInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.commands[info.Name]; ok {
		return errs.Duplicate("command %s already registered", info.Name)
	}
	b.commands[info.Name] = info
	return nil
}

// RegisterEvent adds an event name. Registering a known event again merges
// the info: a later Public flag or aggregate wins when set.
func (b *MessageBox) RegisterEvent(info EventInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.events[info.Name]
	if ok {
		if info.Aggregate == "" {
			info.Aggregate = cur.Aggregate
		}
		info.Public = info.Public || cur.Public
	}
	b.events[info.Name] = info
}

// RegisterQuery adds a query name.
func (b *MessageBox) RegisterQuery(info QueryInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queries[info.Name]; ok {
		return errs.Duplicate("query %s already registered", info.Name)
	}
	b.queries[info.Name] = info
	return nil
}

// IsCommand reports whether name is a known command.
func (b *MessageBox) IsCommand(name string) bool {
	_, ok := b.CommandInfo(name)
	return ok
}

// IsEvent reports whether name is a known event.
func (b *MessageBox) IsEvent(name string) bool {
	_, ok := b.EventInfo(name)
	return ok
}

// IsQuery reports whether name is a known query.
func (b *MessageBox) IsQuery(name string) bool {
	_, ok := b.QueryInfo(name)
	return ok
}

// CommandInfo returns the info of command name.
func (b *MessageBox) CommandInfo(name string) (CommandInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.commands[name]
	return info, ok
}

// EventInfo returns the info of event name.
func (b *MessageBox) EventInfo(name string) (EventInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.events[name]
	return info, ok
}

// QueryInfo returns the info of query name.
func (b *MessageBox) QueryInfo(name string) (QueryInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.queries[name]
	return info, ok
}

// Commands lists the known commands sorted by name.
func (b *MessageBox) Commands() []CommandInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CommandInfo, 0, len(b.commands))
	for _, info := range b.commands {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Events lists the known events sorted by name.
func (b *MessageBox) Events() []EventInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]EventInfo, 0, len(b.events))
	for _, info := range b.events {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Queries lists the known queries sorted by name.
func (b *MessageBox) Queries() []QueryInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]QueryInfo, 0, len(b.queries))
	for _, info := range b.queries {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch builds the message called name and routes it.
//
// Commands are looked up first, then queries, then events. A command returns
// its committed events, a query its answer and an event nil. An unknown name
// is a Validation error. Meta gets a correlationId when it has none.
func (b *MessageBox) Dispatch(ctx context.Context, name string, payload, meta map[string]any) (any, error) {
	meta = ensureCorrelation(meta, b.ids)
	switch {
	case b.IsCommand(name):
		cmd, err := b.factory.NewCommand(name, payload, meta)
		if err != nil {
			return nil, err
		}
		return b.router.ExecuteCommand(ctx, cmd)
	case b.IsQuery(name):
		q, err := b.factory.NewQuery(name, payload, meta)
		if err != nil {
			return nil, err
		}
		return b.router.ResolveQuery(ctx, q)
	case b.IsEvent(name):
		ev, err := b.factory.NewEvent(name, payload, meta)
		if err != nil {
			return nil, err
		}
		return nil, b.router.PublishEvent(ctx, ev)
	}
	return nil, errs.Validation("unknown message %q", name)
}

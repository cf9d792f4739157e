// Package aggregate implements the Aggregate Repository: it loads an
// aggregate by folding its events, runs a command handler against the folded
// state and persists the resulting events atomically with optimistic
// concurrency.
package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
)

// Reducer folds one event into the aggregate state. It must not mutate state.
type Reducer func(ctx context.Context, state map[string]any, ev message.Event) (map[string]any, error)

// Handler turns a command into events. An empty result is a successful
// no-op. state is a copy the handler may keep.
type Handler func(ctx context.Context, state map[string]any, cmd message.Command, deps rules.Dependencies) ([]message.Event, error)

// CommandSpec binds a command to its handler.
type CommandSpec struct {
	Handler Handler
	// NewAggregate marks commands that create the aggregate. They are
	// rejected on an existing aggregate; all others require one.
	NewAggregate bool
}

// Definition describes an aggregate type.
type Definition struct {
	// Type is stamped into aggregateType and names the default stream.
	Type string
	// Identifier is the command payload field holding the aggregate id when
	// the command meta has no aggregateId.
	Identifier string
	// Stream is the write-model stream. Default: Type.
	Stream string
	// StateCollection, when set, receives an upsert of the folded state on
	// every accepted command.
	StateCollection string

	Commands map[string]CommandSpec
	// Reducers by event name. Events without one fold with MergeReducer.
	Reducers map[string]Reducer
	// Public names the events also appended to the public stream.
	Public map[string]bool
}

// Validate checks the definition.
func (d Definition) Validate() error {
	if !filter.ValidName(d.Type) {
		return errs.Validation("invalid aggregate type %q", d.Type)
	}
	if d.Identifier == "" {
		return errs.Validation("aggregate %s: identifier is required", d.Type)
	}
	if d.Stream != "" && !filter.ValidName(d.Stream) {
		return errs.Validation("aggregate %s: invalid stream %q", d.Type, d.Stream)
	}
	if d.StateCollection != "" && !filter.ValidName(d.StateCollection) {
		return errs.Validation("aggregate %s: invalid state collection %q", d.Type, d.StateCollection)
	}
	for name, spec := range d.Commands {
		if spec.Handler == nil {
			return errs.Validation("aggregate %s: command %s has no handler", d.Type, name)
		}
	}
	for name, r := range d.Reducers {
		if r == nil {
			return errs.Validation("aggregate %s: reducer for %s is nil", d.Type, name)
		}
	}
	return nil
}

// StreamName returns the write-model stream.
func (d Definition) StreamName() string {
	if d.Stream != "" {
		return d.Stream
	}
	return d.Type
}

// CommandNames returns the handled commands, sorted.
func (d Definition) CommandNames() []string {
	names := make([]string, 0, len(d.Commands))
	for name := range d.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MergeReducer merges the event payload into the state.
func MergeReducer(_ context.Context, state map[string]any, ev message.Event) (map[string]any, error) {
	return canon.Merge(state, ev.Payload), nil
}

// Fold applies events to state in order. state is not modified.
func Fold(ctx context.Context, reducers map[string]Reducer, state map[string]any, events []message.Event) (map[string]any, error) {
	cur := canon.CloneMap(state)
	for _, ev := range events {
		reduce, ok := reducers[ev.Name]
		if !ok {
			reduce = MergeReducer
		}
		next, err := reduce(ctx, cur, ev)
		if err != nil {
			return nil, fmt.Errorf("reduce %s (%s): %w", ev.Name, ev.UUID, err)
		}
		if next == nil {
			next = map[string]any{}
		}
		cur = next
	}
	return cur, nil
}

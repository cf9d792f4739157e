package aggregate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/storage"
)

// DefaultPublicStream receives the public events of every aggregate.
const DefaultPublicStream = "public_stream"

// State is a loaded aggregate.
type State struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Data    map[string]any `json:"state"`
}

// Repository loads and persists one aggregate type.
type Repository struct {
	store        storage.MultiModelStore
	def          Definition
	publicStream string
	ids          message.IDGenerator
	logger       *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithPublicStream sets the stream public events are copied to.
func WithPublicStream(name string) Option {
	return func(r *Repository) { r.publicStream = name }
}

// WithIDGenerator sets the generator for the UUIDs of public event copies.
func WithIDGenerator(g message.IDGenerator) Option {
	return func(r *Repository) { r.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// NewRepository creates a repository for def on store.
func NewRepository(store storage.MultiModelStore, def Definition, opts ...Option) (*Repository, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	r := &Repository{
		store:        store,
		def:          def,
		publicStream: DefaultPublicStream,
		ids:          message.UUIDv7Generator{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Definition returns the aggregate definition.
func (r *Repository) Definition() Definition {
	return r.def
}

// Handles reports whether the repository owns command name.
func (r *Repository) Handles(name string) bool {
	_, ok := r.def.Commands[name]
	return ok
}

// Load folds the events of aggregate id. An aggregate without events has
// version 0 and an empty state.
func (r *Repository) Load(ctx context.Context, id string) (State, error) {
	st, _, err := r.load(ctx, id)
	return st, err
}

func (r *Repository) matcher(id string) storage.MetadataMatcher {
	return storage.AggregateMatcher(r.def.Type, id)
}

func (r *Repository) load(ctx context.Context, id string) (State, []message.Event, error) {
	events, err := r.store.Events().LoadEventStream(ctx, r.def.StreamName(), r.matcher(id))
	if err != nil {
		return State{}, nil, fmt.Errorf("load %s %s: %w", r.def.Type, id, err)
	}
	data, err := Fold(ctx, r.def.Reducers, nil, events)
	if err != nil {
		return State{}, nil, fmt.Errorf("load %s %s: %w", r.def.Type, id, err)
	}
	return State{Type: r.def.Type, ID: id, Version: int64(len(events)), Data: data}, events, nil
}

// AggregateID extracts the target aggregate id from cmd: meta aggregateId
// first, then the payload identifier field.
func (r *Repository) AggregateID(cmd message.Command) (string, error) {
	raw, ok := cmd.Meta[message.MetaAggregateID]
	if !ok {
		raw, ok = cmd.Payload[r.def.Identifier]
	}
	if !ok || raw == nil {
		return "", errs.Validation("command %s: missing aggregate id %q", cmd.Name, r.def.Identifier)
	}
	id, isStr := raw.(string)
	if !isStr || id == "" {
		return "", errs.Validation("command %s: aggregate id must be a non-empty string, got %v", cmd.Name, raw)
	}
	return id, nil
}

// Handle runs cmd against its aggregate and commits the produced events.
//
// The events are appended with the loaded version as expected version, so a
// concurrent writer on the same aggregate makes exactly one of the commits
// fail with a Conflict error. The returned events carry the stamped
// metadata.
func (r *Repository) Handle(ctx context.Context, cmd message.Command, deps rules.Dependencies) ([]message.Event, error) {
	spec, ok := r.def.Commands[cmd.Name]
	if !ok {
		return nil, errs.ServiceResolution("command handler", cmd.Name)
	}
	id, err := r.AggregateID(cmd)
	if err != nil {
		return nil, err
	}

	st, _, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case spec.NewAggregate && st.Version > 0:
		return nil, errs.Duplicate("%s %s already exists", r.def.Type, id).With("version", st.Version)
	case !spec.NewAggregate && st.Version == 0:
		return nil, errs.NotFound("%s %s does not exist", r.def.Type, id)
	}

	events, err := spec.Handler(ctx, cloneState(st.Data), cmd, deps)
	if err != nil {
		return nil, fmt.Errorf("handle %s on %s %s: %w", cmd.Name, r.def.Type, id, err)
	}
	if len(events) == 0 {
		r.logger.Debug("command produced no events", "command", cmd.Name, "aggregate", id)
		return []message.Event{}, nil
	}

	stamped := r.stamp(cmd, id, st.Version, events)
	next, err := Fold(ctx, r.def.Reducers, st.Data, stamped)
	if err != nil {
		return nil, err
	}

	sess := r.store.BeginSession()
	if err := r.stage(sess, id, st.Version, stamped, next); err != nil {
		sess.Discard()
		return nil, err
	}
	if err := r.store.CommitSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("commit %s on %s %s: %w", cmd.Name, r.def.Type, id, err)
	}

	r.logger.Debug("command committed",
		"command", cmd.Name,
		"aggregate", id,
		"version", st.Version+int64(len(stamped)),
		"events", len(stamped))
	return stamped, nil
}

func (r *Repository) stamp(cmd message.Command, id string, version int64, events []message.Event) []message.Event {
	correlation := cmd.MetaString(message.MetaCorrelationID)
	causation := cmd.MetaString(message.MetaCausationID)
	if causation == "" {
		causation = correlation
	}
	out := make([]message.Event, len(events))
	for i, ev := range events {
		extra := map[string]any{
			message.MetaAggregateID:      id,
			message.MetaAggregateType:    r.def.Type,
			message.MetaAggregateVersion: version + int64(i) + 1,
			message.MetaCommandName:      cmd.Name,
			message.MetaCausationID:      causation,
			message.MetaCausationName:    cmd.Name,
			message.MetaCorrelationID:    correlation,
		}
		if user := cmd.MetaString(message.MetaUserID); user != "" {
			extra[message.MetaUserID] = user
		}
		out[i] = ev.WithMeta(extra)
	}
	return out
}

func (r *Repository) stage(sess *storage.Session, id string, version int64, events []message.Event, state map[string]any) error {
	if err := sess.AppendEvents(r.def.StreamName(), events, storage.ExpectVersion(version, r.matcher(id))); err != nil {
		return err
	}
	if r.def.StateCollection != "" {
		if err := sess.UpsertDocument(r.def.StateCollection, id, state); err != nil {
			return err
		}
	}

	var public []message.Event
	for _, ev := range events {
		if r.def.Public[ev.Name] {
			cp := ev.Clone()
			cp.UUID = r.ids.Generate()
			cp.Position = 0
			public = append(public, cp)
		}
	}
	if len(public) > 0 && r.publicStream != "" {
		if err := sess.AppendEvents(r.publicStream, public); err != nil {
			return err
		}
	}
	return nil
}

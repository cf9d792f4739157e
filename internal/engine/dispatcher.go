package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/metrics"
	"github.com/roach88/rulebox/internal/services"
	"github.com/roach88/rulebox/internal/storage"
)

// CommandSource returns the sink policies handling ev trigger commands
// through.
type CommandSource func(ev message.Event) services.CommandSink

// Dispatcher fans events out to the policies registered for their name.
//
// Policies for one event run sequentially in registration order. A failing
// policy does not stop the others; its error is logged and joined into the
// returned error.
type Dispatcher struct {
	mu       sync.RWMutex
	policies map[string][]Policy

	store    storage.MultiModelStore
	services *services.Registry
	commands CommandSource
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCommandSource sets the command sink factory handed to policies.
// Without one, triggerCommand fails with a ServiceResolution error.
func WithCommandSource(src CommandSource) DispatcherOption {
	return func(d *Dispatcher) { d.commands = src }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherMetrics sets the metrics recorder.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher whose policies write to store and
// resolve services through reg.
func NewDispatcher(store storage.MultiModelStore, reg *services.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		policies: make(map[string][]Policy),
		store:    store,
		services: reg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds p for events named event.
func (d *Dispatcher) Register(event string, p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[event] = append(d.policies[event], p)
}

// Policies returns the policies registered for event, in registration order.
func (d *Dispatcher) Policies(event string) []Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Policy(nil), d.policies[event]...)
}

// On runs every policy for ev. Each policy gets its own session, committed
// when the policy succeeds and discarded when it fails.
func (d *Dispatcher) On(ctx context.Context, ev message.Event) error {
	return d.on(ctx, ev, nil)
}

// Redelivery returns an On for a consumer that retries failed events. It
// remembers which policies committed for the most recent event, so
// delivering that event again runs only the policies that failed. A
// different event resets the record.
func (d *Dispatcher) Redelivery() func(context.Context, message.Event) error {
	var (
		mu   sync.Mutex
		last string
		done map[int]bool
	)
	return func(ctx context.Context, ev message.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.UUID != last || done == nil {
			last, done = ev.UUID, make(map[int]bool)
		}
		return d.on(ctx, ev, done)
	}
}

// on runs the policies for ev not marked in done and marks the ones that
// commit. A nil done runs them all.
func (d *Dispatcher) on(ctx context.Context, ev message.Event, done map[int]bool) error {
	var failed []error
	for i, p := range d.Policies(ev.Name) {
		if done[i] {
			continue
		}
		sess := d.store.BeginSession()
		err := p.Handle(ctx, ev, d.deps(ev, sess), sess)
		if err != nil {
			sess.Discard()
		} else if err = d.store.CommitSession(ctx, sess); err != nil {
			err = fmt.Errorf("commit: %w", err)
		}
		if err != nil {
			failed = append(failed, d.failure(p, ev, err))
			continue
		}
		if done != nil {
			done[i] = true
		}
		d.metrics.ObservePolicy(p.Name(), metrics.OutcomeSuccess)
	}
	return errors.Join(failed...)
}

// OnWithSession runs every policy for ev staging into sess. The caller owns
// sess and decides whether to commit.
func (d *Dispatcher) OnWithSession(ctx context.Context, ev message.Event, sess *storage.Session) error {
	var failed []error
	deps := d.deps(ev, sess)
	for _, p := range d.Policies(ev.Name) {
		if err := p.Handle(ctx, ev, deps, sess); err != nil {
			failed = append(failed, d.failure(p, ev, err))
			continue
		}
		d.metrics.ObservePolicy(p.Name(), metrics.OutcomeSuccess)
	}
	return errors.Join(failed...)
}

// Publish calls On for each event in order and joins the failures.
func (d *Dispatcher) Publish(ctx context.Context, events []message.Event) error {
	var failed []error
	for _, ev := range events {
		if err := d.On(ctx, ev); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (d *Dispatcher) deps(ev message.Event, sess *storage.Session) *services.Deps {
	opts := []services.DepsOption{services.WithSession(sess)}
	if d.commands != nil {
		opts = append(opts, services.WithCommands(d.commands(ev)))
	}
	return d.services.Deps(opts...)
}

func (d *Dispatcher) failure(p Policy, ev message.Event, err error) error {
	d.logger.Error("policy failed",
		"policy", p.Name(),
		"event", ev.Name,
		"uuid", ev.UUID,
		"correlation", ev.MetaString(message.MetaCorrelationID),
		"error", err,
	)
	d.metrics.ObservePolicy(p.Name(), metrics.OutcomeFailed)
	return fmt.Errorf("policy %s on %s %s: %w", p.Name(), ev.Name, ev.UUID, err)
}

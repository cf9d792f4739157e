// Package app owns the lifetime of a running rulebox: it compiles a program
// directory, opens the configured store and wires the schema registry, the
// message factory, the services, the rule interpreter and the engine.
//
// Everything an App opens is released by Close, in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/rulebox/internal/aggregate"
	"github.com/roach88/rulebox/internal/compiler"
	"github.com/roach88/rulebox/internal/config"
	"github.com/roach88/rulebox/internal/engine"
	"github.com/roach88/rulebox/internal/expr"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/metrics"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/schema"
	"github.com/roach88/rulebox/internal/services"
	"github.com/roach88/rulebox/internal/storage"
)

// ErrTriggered wraps the failures of policy-triggered commands drained after
// a successful dispatch. The dispatched message itself was committed.
var ErrTriggered = errors.New("triggered commands failed")

// App is a wired rulebox instance.
type App struct {
	Config   *config.Config
	Program  *compiler.Program
	Schemas  *schema.Registry
	Store    storage.MultiModelStore
	Factory  *message.Factory
	Services *services.Registry
	Rules    *rules.Interpreter
	Engine   *engine.Engine
	Metrics  *metrics.Metrics
	Gatherer *prometheus.Registry

	logger  *slog.Logger
	opts    options
	closers []func() error
}

type options struct {
	logger      *slog.Logger
	store       storage.MultiModelStore
	eventIDs    message.IDGenerator
	correlation message.IDGenerator
	now         func() time.Time
	evaluator   expr.Evaluator
}

// Option configures New and Build.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses store instead of opening the configured backend. The App
// does not close a store it was given.
func WithStore(store storage.MultiModelStore) Option {
	return func(o *options) { o.store = store }
}

// WithEventIDs sets the generator of event UUIDs.
func WithEventIDs(g message.IDGenerator) Option {
	return func(o *options) { o.eventIDs = g }
}

// WithCorrelationIDs sets the generator of missing correlation ids.
func WithCorrelationIDs(g message.IDGenerator) Option {
	return func(o *options) { o.correlation = g }
}

// WithClock sets the CreatedAt source of new messages.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEvaluator replaces the Lua expression evaluator.
func WithEvaluator(e expr.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// New compiles the program in dir and builds an App for it.
func New(ctx context.Context, cfg *config.Config, dir string, opts ...Option) (*App, error) {
	reg := schema.NewRegistry()
	prog, err := compiler.Load(dir, reg)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, prog, reg, opts...)
}

// Build wires an App for a compiled program whose schemas are in reg.
func Build(ctx context.Context, cfg *config.Config, prog *compiler.Program, reg *schema.Registry, opts ...Option) (*App, error) {
	o := options{logger: slog.Default(), now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	if o.eventIDs == nil {
		o.eventIDs = message.UUIDv7Generator{}
	}
	if o.correlation == nil {
		o.correlation = o.eventIDs
	}
	if o.evaluator == nil {
		o.evaluator = expr.NewLua()
	}
	mode, err := engine.ParseDispatchMode(cfg.Dispatch.Mode)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Program:  prog,
		Schemas:  reg,
		Gatherer: prometheus.NewRegistry(),
		logger:   o.logger,
		opts:     o,
	}
	a.Metrics = metrics.New(a.Gatherer)

	if o.store != nil {
		a.Store = o.store
	} else {
		st, err := openStore(ctx, cfg.Storage, o.logger)
		if err != nil {
			return nil, err
		}
		a.Store = st
		a.closers = append(a.closers, st.Close)
	}

	if err := a.wire(ctx, mode); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.logger.Info("rulebox ready",
		"backend", cfg.Storage.Backend,
		"mode", string(mode),
		"aggregates", len(prog.Aggregates),
		"queries", len(prog.Queries),
		"policies", len(prog.Policies),
		"projections", len(prog.Projections))
	for _, w := range prog.Warnings {
		a.logger.Warn("policy cycle", "path", w.Path, "message", w.Message)
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, mode engine.DispatchMode) error {
	a.Factory = message.NewFactory(a.Schemas,
		message.WithIDGenerator(a.opts.eventIDs),
		message.WithClock(a.opts.now))

	a.Services = services.NewRegistry(a.Store.Documents())
	a.Services.SetAuth(services.NewDocumentAuth(a.Store.Documents(), services.DefaultUsersCollection))
	for _, info := range a.Program.Information {
		if err := a.Services.RegisterInformation(info.Name, info.Collection); err != nil {
			return err
		}
		for _, spec := range info.Indexes {
			idx, err := spec.Build()
			if err != nil {
				return fmt.Errorf("information %s: %w", info.Name, err)
			}
			if err := a.Store.Documents().AddIndex(ctx, info.Collection, idx); err != nil {
				return fmt.Errorf("information %s: %w", info.Name, err)
			}
		}
	}

	a.Rules = rules.New(a.opts.evaluator, a.Factory, rules.WithLogger(a.logger))
	a.Engine = engine.New(a.Store, a.Services, a.Factory,
		engine.WithDispatchMode(mode),
		engine.WithConflictRetries(a.Config.Dispatch.MaxRetries),
		engine.WithMaxCascade(a.Config.Dispatch.MaxCascade),
		engine.WithCorrelationIDs(a.opts.correlation),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.Metrics),
	)

	for _, agg := range a.Program.Aggregates {
		repo, err := aggregate.NewRepository(a.Store, agg.Definition(a.Rules),
			aggregate.WithPublicStream(a.Config.Streams.Public),
			aggregate.WithIDGenerator(a.opts.eventIDs),
			aggregate.WithLogger(a.logger))
		if err != nil {
			return err
		}
		if err := a.Engine.RegisterAggregate(repo); err != nil {
			return err
		}
	}
	for _, q := range a.Program.Queries {
		r, err := engine.NewRuleResolver(a.Rules, q.Resolver)
		if err != nil {
			return fmt.Errorf("query %s: %w", q.Name, err)
		}
		if err := a.Engine.RegisterQuery(q.Name, r); err != nil {
			return err
		}
	}
	for _, group := range []struct {
		kind     rules.Kind
		policies []compiler.Policy
	}{
		{rules.KindPolicy, a.Program.Policies},
		{rules.KindProjection, a.Program.Projections},
	} {
		for _, p := range group.policies {
			rp, err := engine.NewRulePolicy(p.Name, group.kind, a.Rules, p.Rules)
			if err != nil {
				return fmt.Errorf("%s %s: %w", group.kind, p.Name, err)
			}
			for _, ev := range p.On {
				a.Engine.RegisterPolicy(ev, rp)
			}
		}
	}
	return nil
}

// Dispatch routes one message through the message box. In inline mode the
// commands queued by policies run before Dispatch returns; their failures
// are reported wrapped in ErrTriggered.
func (a *App) Dispatch(ctx context.Context, name string, payload, meta map[string]any) (any, error) {
	res, err := a.Engine.Dispatch(ctx, name, payload, meta)
	if err != nil {
		return nil, err
	}
	if a.Engine.Mode() != engine.DispatchInline {
		return res, nil
	}
	if err := a.Engine.Drain(ctx); err != nil {
		return res, fmt.Errorf("%w: %w", ErrTriggered, err)
	}
	return res, nil
}

// Replay re-delivers stream to the registered policies and drains the
// commands they queue.
func (a *App) Replay(ctx context.Context, stream string) (int, error) {
	n, err := a.Engine.Replay(ctx, stream, nil)
	if err != nil {
		return n, err
	}
	if err := a.Engine.Drain(ctx); err != nil {
		return n, fmt.Errorf("%w: %w", ErrTriggered, err)
	}
	return n, nil
}

// Streams returns the write-model streams of the program's aggregates in
// declaration order.
func (a *App) Streams() []string {
	seen := map[string]bool{}
	var out []string
	for _, agg := range a.Program.Aggregates {
		name := agg.Type
		if agg.Stream != "" {
			name = agg.Stream
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Logger returns the logger the App hands to its components.
func (a *App) Logger() *slog.Logger { return a.logger }

// Close releases everything the App opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

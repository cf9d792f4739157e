package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rulebox/internal/aggregate"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/metrics"
	"github.com/roach88/rulebox/internal/services"
	"github.com/roach88/rulebox/internal/storage"
)

// Engine owns the messaging layer: the message box, both buses, the event
// dispatcher and the queue of policy-triggered commands.
//
// Thread-safety model:
//   - Dispatch, Enqueue and the register methods: safe from any goroutine
//   - Run: at most one goroutine
//   - Drain: from any goroutine, including while Run is active
//
// Policy-triggered commands never run inside the policy that triggered them.
// They wait in the queue until Run or Drain picks them up, so a policy only
// learns whether its command was admitted, not whether it succeeded.
type Engine struct {
	box        *MessageBox
	commands   *CommandBus
	queries    *QueryBus
	dispatcher *Dispatcher

	queue   *commandQueue
	clock   *Clock
	guard   *cascadeGuard
	factory *message.Factory
	ids     message.IDGenerator

	// inflight counts queued or running commands per correlation; the guard
	// forgets a correlation when it drops to zero.
	mu       sync.Mutex
	inflight map[string]int

	mode       DispatchMode
	maxRetries int
	maxCascade int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatchMode sets how committed events reach policies. Default:
// DispatchInline.
func WithDispatchMode(m DispatchMode) Option {
	return func(e *Engine) { e.mode = m }
}

// WithConflictRetries sets the conflict retry budget of the command bus.
func WithConflictRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithMaxCascade sets how many commands one correlation may run, the inbound
// command included. Non-positive disables the quota; cycle detection stays.
func WithMaxCascade(n int) Option {
	return func(e *Engine) { e.maxCascade = n }
}

// WithCorrelationIDs sets the generator for missing correlation ids.
func WithCorrelationIDs(g message.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger of the engine and its components.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder of the engine and its components.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over store with services resolved through reg and
// messages built by factory.
func New(store storage.MultiModelStore, reg *services.Registry, factory *message.Factory, opts ...Option) *Engine {
	e := &Engine{
		queue:      newCommandQueue(),
		clock:      NewClock(),
		factory:    factory,
		ids:        message.UUIDv7Generator{},
		inflight:   make(map[string]int),
		mode:       DispatchInline,
		maxRetries: DefaultMaxRetries,
		maxCascade: DefaultMaxCascade,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.guard = newCascadeGuard(e.maxCascade)
	e.dispatcher = NewDispatcher(store, reg,
		WithCommandSource(e.sinkFor),
		WithDispatcherLogger(e.logger),
		WithDispatcherMetrics(e.metrics),
	)
	e.commands = NewCommandBus(reg,
		WithMaxRetries(e.maxRetries),
		WithInlineDispatch(e.mode, e.dispatcher),
		WithCommandBusLogger(e.logger),
		WithCommandBusMetrics(e.metrics),
	)
	e.queries = NewQueryBus(reg, e.logger, e.metrics)
	e.box = NewMessageBox(factory, e.ids, e)
	return e
}

// Box returns the message box.
func (e *Engine) Box() *MessageBox { return e.box }

// Commands returns the command bus.
func (e *Engine) Commands() *CommandBus { return e.commands }

// Queries returns the query bus.
func (e *Engine) Queries() *QueryBus { return e.queries }

// Dispatcher returns the event dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Mode returns the dispatch mode.
func (e *Engine) Mode() DispatchMode { return e.mode }

// RegisterAggregate routes the commands of repo and makes them and the
// aggregate's public events known to the message box.
func (e *Engine) RegisterAggregate(repo *aggregate.Repository) error {
	def := repo.Definition()
	for _, name := range def.CommandNames() {
		if e.box.IsCommand(name) {
			return fmt.Errorf("register aggregate %s: command %s already registered", def.Type, name)
		}
	}
	if err := e.commands.Register(repo); err != nil {
		return fmt.Errorf("register aggregate %s: %w", def.Type, err)
	}
	for _, name := range def.CommandNames() {
		if err := e.box.RegisterCommand(CommandInfo{
			Name:         name,
			Aggregate:    def.Type,
			NewAggregate: def.Commands[name].NewAggregate,
		}); err != nil {
			return err
		}
	}
	for name, public := range def.Public {
		e.box.RegisterEvent(EventInfo{Name: name, Aggregate: def.Type, Public: public})
	}
	return nil
}

// RegisterQuery adds resolver r for query name.
func (e *Engine) RegisterQuery(name string, r Resolver) error {
	if err := e.queries.Register(name, r); err != nil {
		return err
	}
	return e.box.RegisterQuery(QueryInfo{Name: name})
}

// RegisterPolicy adds p for events named event.
func (e *Engine) RegisterPolicy(event string, p Policy) {
	e.box.RegisterEvent(EventInfo{Name: event})
	e.dispatcher.Register(event, p)
}

// Dispatch builds and routes the message called name. See
// MessageBox.Dispatch.
func (e *Engine) Dispatch(ctx context.Context, name string, payload, meta map[string]any) (any, error) {
	return e.box.Dispatch(ctx, name, payload, meta)
}

// ExecuteCommand runs an inbound command. It counts against the cascade
// guard of its correlation like any triggered command.
func (e *Engine) ExecuteCommand(ctx context.Context, cmd message.Command) ([]message.Event, error) {
	correlation := correlationOf(cmd.Meta)
	if err := e.admit(correlation, cmd); err != nil {
		return nil, err
	}
	defer e.done(correlation)
	return e.commands.Execute(ctx, cmd)
}

// ResolveQuery answers q through the query bus.
func (e *Engine) ResolveQuery(ctx context.Context, q message.Query) (any, error) {
	return e.queries.Dispatch(ctx, q)
}

// PublishEvent hands ev to the dispatcher without persisting it.
func (e *Engine) PublishEvent(ctx context.Context, ev message.Event) error {
	return e.dispatcher.On(ctx, ev)
}

// Enqueue validates and queues a command to run later. It implements
// services.CommandSink for callers outside a policy; policies get a sink
// bound to their triggering event.
func (e *Engine) Enqueue(ctx context.Context, name string, payload, meta map[string]any) error {
	return e.enqueue(ctx, name, payload, ensureCorrelation(meta, e.ids))
}

func (e *Engine) sinkFor(ev message.Event) services.CommandSink {
	return services.CommandSinkFunc(func(ctx context.Context, name string, payload, meta map[string]any) error {
		return e.enqueue(ctx, name, payload, causedBy(ev, meta))
	})
}

func (e *Engine) enqueue(_ context.Context, name string, payload, meta map[string]any) error {
	if !e.box.IsCommand(name) {
		return fmt.Errorf("enqueue: %w", errUnknownCommand(name))
	}
	cmd, err := e.factory.NewCommand(name, payload, meta)
	if err != nil {
		return err
	}
	correlation := correlationOf(cmd.Meta)
	if err := e.admit(correlation, cmd); err != nil {
		return err
	}
	qc := queuedCommand{Seq: e.clock.Next(), Command: cmd}
	if !e.queue.Enqueue(qc) {
		e.done(correlation)
		return errEngineStopped
	}
	e.metrics.SetQueued(e.queue.Len())
	e.logger.Debug("command queued",
		"command", name,
		"seq", qc.Seq,
		"correlation", correlation,
		"causation", cmd.MetaString(message.MetaCausationName),
	)
	return nil
}

func (e *Engine) admit(correlation string, cmd message.Command) error {
	if err := e.guard.admit(correlation, cmd.Name, cmd.Payload); err != nil {
		switch {
		case IsCycleError(err):
			e.metrics.CascadeRejection("cycle")
		case IsQuotaError(err):
			e.metrics.CascadeRejection("quota")
		}
		e.logger.Warn("command rejected by cascade guard",
			"command", cmd.Name,
			"correlation", correlation,
			"error", err,
		)
		return err
	}
	if correlation != "" {
		e.mu.Lock()
		e.inflight[correlation]++
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) done(correlation string) {
	if correlation == "" {
		return
	}
	e.mu.Lock()
	e.inflight[correlation]--
	finished := e.inflight[correlation] <= 0
	if finished {
		delete(e.inflight, correlation)
	}
	e.mu.Unlock()
	if finished && e.mode == DispatchInline {
		e.guard.forget(correlation)
	}
}

// Pending returns the number of queued commands.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Drain runs queued commands until the queue is empty, including commands
// queued while draining. Failures are logged, the remaining commands still
// run, and the joined errors are returned.
func (e *Engine) Drain(ctx context.Context) error {
	var failed []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(failed, err)...)
		}
		qc, ok := e.queue.TryDequeue()
		if !ok {
			return errors.Join(failed...)
		}
		if err := e.runQueued(ctx, qc); err != nil {
			failed = append(failed, err)
		}
	}
}

// Run executes queued commands as they arrive. It blocks until ctx is
// cancelled or Stop is called. Command failures are logged and processing
// continues.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "mode", string(e.mode))
	for {
		if qc, ok := e.queue.TryDequeue(); ok {
			_ = e.runQueued(ctx, qc)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.queue.Wait():
			// The signal channel is closed with the queue.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once it is empty; later enqueues fail.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) runQueued(ctx context.Context, qc queuedCommand) error {
	cmd := qc.Command
	correlation := correlationOf(cmd.Meta)
	defer e.done(correlation)
	defer func() { e.metrics.SetQueued(e.queue.Len()) }()

	if _, err := e.commands.Execute(ctx, cmd); err != nil {
		e.logger.Error("queued command failed",
			"command", cmd.Name,
			"seq", qc.Seq,
			"correlation", correlation,
			"causation", cmd.MetaString(message.MetaCausationID),
			"error", err,
		)
		return fmt.Errorf("queued command %d (%s): %w", qc.Seq, cmd.Name, err)
	}
	return nil
}

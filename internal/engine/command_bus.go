package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/rulebox/internal/aggregate"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/metrics"
	"github.com/roach88/rulebox/internal/services"
)

// DispatchMode selects how committed events reach the dispatcher.
type DispatchMode string

const (
	// DispatchInline hands events to the dispatcher right after commit, in
	// the dispatching goroutine.
	DispatchInline DispatchMode = "inline"
	// DispatchStream leaves delivery to stream listeners.
	DispatchStream DispatchMode = "stream"
)

// ParseDispatchMode checks a mode name. "" is DispatchInline.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch DispatchMode(s) {
	case "", DispatchInline:
		return DispatchInline, nil
	case DispatchStream:
		return DispatchStream, nil
	}
	return "", errs.Validation("unknown dispatch mode %q", s)
}

// DefaultMaxRetries is the default number of conflict retries per command.
const DefaultMaxRetries = 3

// CommandBus routes commands to the repository owning them.
type CommandBus struct {
	mu     sync.RWMutex
	routes map[string]*aggregate.Repository

	services   *services.Registry
	maxRetries int
	mode       DispatchMode
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMaxRetries sets how often a conflicting command is retried. 0 disables
// retries.
func WithMaxRetries(n int) CommandBusOption {
	return func(b *CommandBus) { b.maxRetries = n }
}

// WithInlineDispatch hands committed events to d when mode is
// DispatchInline.
func WithInlineDispatch(mode DispatchMode, d *Dispatcher) CommandBusOption {
	return func(b *CommandBus) {
		b.mode = mode
		b.dispatcher = d
	}
}

// WithCommandBusLogger sets the logger.
func WithCommandBusLogger(l *slog.Logger) CommandBusOption {
	return func(b *CommandBus) { b.logger = l }
}

// WithCommandBusMetrics sets the metrics recorder.
func WithCommandBusMetrics(m *metrics.Metrics) CommandBusOption {
	return func(b *CommandBus) { b.metrics = m }
}

// NewCommandBus creates a command bus resolving handler services through reg.
func NewCommandBus(reg *services.Registry, opts ...CommandBusOption) *CommandBus {
	b := &CommandBus{
		routes:     make(map[string]*aggregate.Repository),
		services:   reg,
		maxRetries: DefaultMaxRetries,
		mode:       DispatchStream,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register routes every command of repo to it. A command already owned by
// another repository is a Duplicate error and nothing is registered.
func (b *CommandBus) Register(repo *aggregate.Repository) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := repo.Definition().CommandNames()
	for _, name := range names {
		if owner, ok := b.routes[name]; ok {
			return errs.Duplicate("command %s already handled by %s", name, owner.Definition().Type)
		}
	}
	for _, name := range names {
		b.routes[name] = repo
	}
	return nil
}

// Repository returns the repository owning command name.
func (b *CommandBus) Repository(name string) (*aggregate.Repository, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.routes[name]
	return r, ok
}

// Dispatch runs cmd. Success is a nil error.
func (b *CommandBus) Dispatch(ctx context.Context, cmd message.Command) error {
	_, err := b.Execute(ctx, cmd)
	return err
}

// Execute runs cmd and returns the committed events.
//
// A Conflict error reloads the aggregate and runs the handler again, up to
// the configured number of retries. In inline mode the committed events are
// then dispatched; policy failures are logged and do not fail the command,
// which is already committed.
func (b *CommandBus) Execute(ctx context.Context, cmd message.Command) ([]message.Event, error) {
	repo, ok := b.Repository(cmd.Name)
	if !ok {
		return nil, errs.ServiceResolution("command handler", cmd.Name)
	}

	start := time.Now()
	var (
		events []message.Event
		err    error
	)
	for attempt := 0; ; attempt++ {
		events, err = repo.Handle(ctx, cmd, b.services.Deps())
		if err == nil || !errs.IsConflict(err) || attempt >= b.maxRetries {
			break
		}
		b.metrics.CommandRetried(cmd.Name)
		b.logger.Debug("retrying command after conflict",
			"command", cmd.Name,
			"attempt", attempt+1,
			"error", err,
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	if err != nil {
		outcome := metrics.OutcomeFailed
		if errs.IsConflict(err) {
			outcome = metrics.OutcomeConflict
		}
		b.metrics.ObserveCommand(cmd.Name, outcome, time.Since(start))
		return nil, fmt.Errorf("dispatch %s: %w", cmd.Name, err)
	}

	b.metrics.ObserveCommand(cmd.Name, metrics.OutcomeSuccess, time.Since(start))
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	b.metrics.EventsCommitted(names...)

	if b.mode == DispatchInline && b.dispatcher != nil && len(events) > 0 {
		if err := b.dispatcher.Publish(ctx, events); err != nil {
			b.logger.Warn("inline dispatch had policy failures",
				"command", cmd.Name,
				"correlation", cmd.MetaString(message.MetaCorrelationID),
				"error", err,
			)
		}
	}
	return events, nil
}

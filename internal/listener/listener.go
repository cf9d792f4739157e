// Package listener delivers stream events to a handler from a checkpoint.
//
// A Listener is the single consumer of one (name, stream) pair. It polls the
// event store after its checkpoint, hands each event to the handler with
// retries and exponential backoff, and advances the checkpoint after every
// event. A handler that keeps failing either parks the event, writing it to
// the parked_events collection and moving on, or halts the listener.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/rulebox/internal/checkpoint"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/metrics"
	"github.com/roach88/rulebox/internal/storage"
)

// Default listener configuration values.
const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultBatchSize      = 100
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Action is what a listener does once an event exhausted its attempts.
type Action string

const (
	// ActionPark records the event in the parked events collection,
	// advances the checkpoint and continues.
	ActionPark Action = "park"
	// ActionHalt stops the listener with the handler error. The checkpoint
	// stays before the failing event.
	ActionHalt Action = "halt"
)

// ParseAction checks an action name. "" is ActionPark.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case "", ActionPark:
		return ActionPark, nil
	case ActionHalt:
		return ActionHalt, nil
	}
	return "", errs.Validation("unknown exhausted action %q", s)
}

// Handler processes one event. *engine.Dispatcher's On and Redelivery
// methods provide one.
type Handler func(ctx context.Context, ev message.Event) error

// Config contains the listener configuration.
type Config struct {
	// Name identifies the listener in checkpoints and parked events.
	Name string
	// Stream is the stream consumed.
	Stream string

	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnExhausted    Action
}

// DefaultConfig returns the default configuration for name on stream.
func DefaultConfig(name, stream string) Config {
	return Config{
		Name:           name,
		Stream:         stream,
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		OnExhausted:    ActionPark,
	}
}

func (c Config) validate() error {
	switch {
	case c.Name == "":
		return errs.Validation("listener name is required")
	case c.Stream == "":
		return errs.Validation("listener %s: stream is required", c.Name)
	case c.PollInterval <= 0, c.BatchSize <= 0, c.MaxAttempts <= 0:
		return errs.Validation("listener %s: poll interval, batch size and max attempts must be positive", c.Name)
	case c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff:
		return errs.Validation("listener %s: invalid backoff %s..%s", c.Name, c.InitialBackoff, c.MaxBackoff)
	case c.OnExhausted != ActionPark && c.OnExhausted != ActionHalt:
		return errs.Validation("listener %s: unknown exhausted action %q", c.Name, c.OnExhausted)
	}
	return nil
}

// Listener consumes one stream.
type Listener struct {
	cfg         Config
	events      storage.EventStore
	parked      *Parked
	checkpoints checkpoint.Store
	handler     Handler
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ln *Listener) { ln.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ln *Listener) { ln.metrics = m }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(ln *Listener) { ln.sleep = fn }
}

// New creates a listener. parked receives exhausted events; it may only be
// nil when cfg.OnExhausted is ActionHalt.
func New(cfg Config, events storage.EventStore, checkpoints checkpoint.Store, parked *Parked, handler Handler, opts ...Option) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if parked == nil && cfg.OnExhausted == ActionPark {
		return nil, errs.Validation("listener %s: parking needs a parked events store", cfg.Name)
	}
	l := &Listener{
		cfg:         cfg,
		events:      events,
		parked:      parked,
		checkpoints: checkpoints,
		handler:     handler,
		logger:      slog.Default(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("listener", cfg.Name, "stream", cfg.Stream)
	return l, nil
}

// Name returns the listener name.
func (l *Listener) Name() string { return l.cfg.Name }

// Run polls until ctx is cancelled or the listener halts. A halt returns the
// handler error; cancellation returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "starting listener",
		"poll_interval", l.cfg.PollInterval,
		"batch_size", l.cfg.BatchSize,
		"max_attempts", l.cfg.MaxAttempts,
		"on_exhausted", string(l.cfg.OnExhausted),
	)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := l.Poll(ctx)
		switch {
		case errors.Is(err, ErrHalted):
			l.logger.ErrorContext(ctx, "listener halted", "error", err)
			return err
		case err != nil && ctx.Err() == nil:
			l.logger.ErrorContext(ctx, "poll failed", "error", err)
		}
		if n == l.cfg.BatchSize && ctx.Err() == nil {
			// A full batch: more is probably waiting.
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "listener stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ErrHalted wraps the handler error of a listener configured to halt.
var ErrHalted = errors.New("listener halted")

// Poll delivers one batch after the checkpoint and returns how many events
// were read.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	from, err := l.checkpoints.Load(ctx, l.cfg.Name, l.cfg.Stream)
	if err != nil {
		return 0, err
	}
	batch, err := l.events.Load(ctx, l.cfg.Stream, storage.LoadOptions{FromPosition: from, Limit: l.cfg.BatchSize})
	if err != nil {
		return 0, fmt.Errorf("listener %s: %w", l.cfg.Name, err)
	}

	for _, ev := range batch {
		outcome, err := l.deliver(ctx, ev)
		if err != nil {
			return len(batch), err
		}
		if err := l.checkpoints.Save(ctx, l.cfg.Name, l.cfg.Stream, ev.Position); err != nil {
			return len(batch), err
		}
		l.metrics.ObserveListener(l.cfg.Name, l.cfg.Stream, outcome, ev.Position)
	}
	return len(batch), nil
}

func (l *Listener) deliver(ctx context.Context, ev message.Event) (string, error) {
	attempts, lastErr := l.attempt(ctx, ev)
	if lastErr == nil {
		return metrics.OutcomeSuccess, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	l.logger.ErrorContext(ctx, "event handler failed after all attempts",
		"event", ev.Name,
		"uuid", ev.UUID,
		"position", ev.Position,
		"attempts", attempts,
		"error", lastErr,
	)
	if l.cfg.OnExhausted == ActionHalt {
		l.metrics.ObserveListener(l.cfg.Name, l.cfg.Stream, metrics.OutcomeFailed, ev.Position-1)
		return "", fmt.Errorf("%w: %s at %d: %w", ErrHalted, ev.UUID, ev.Position, lastErr)
	}
	if err := l.parked.Park(ctx, l.cfg.Name, l.cfg.Stream, ev, attempts, lastErr); err != nil {
		return "", err
	}
	return metrics.OutcomeParked, nil
}

// attempt runs the handler up to MaxAttempts times with exponential backoff
// between attempts.
func (l *Listener) attempt(ctx context.Context, ev message.Event) (int, error) {
	var lastErr error
	backoff := l.cfg.InitialBackoff
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			l.logger.DebugContext(ctx, "retrying event handler",
				"event", ev.Name,
				"attempt", attempt,
				"backoff", backoff,
			)
			if err := l.sleep(ctx, backoff); err != nil {
				return attempt - 1, err
			}
			backoff *= 2
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
		}
		if lastErr = l.handler(ctx, ev); lastErr == nil {
			return attempt, nil
		}
		l.logger.WarnContext(ctx, "event handler failed",
			"event", ev.Name,
			"uuid", ev.UUID,
			"attempt", attempt,
			"error", lastErr,
		)
	}
	return l.cfg.MaxAttempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

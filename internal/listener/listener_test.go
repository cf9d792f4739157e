package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/checkpoint"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/memstore"
	"github.com/roach88/rulebox/internal/message"
)

var created = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	seen     []string
	failures map[string]int // remaining failures per uuid; -1 fails forever
	sleeps   []time.Duration
}

func (r *recorder) handle(_ context.Context, ev message.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.UUID)
	switch n := r.failures[ev.UUID]; {
	case n < 0:
		return errors.New("always broken")
	case n > 0:
		r.failures[ev.UUID] = n - 1
		return errors.New("flaky")
	}
	return nil
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

type fixture struct {
	store       *memstore.Store
	checkpoints *checkpoint.Memory
	parked      *Parked
	rec         *recorder
}

func newFixture(t *testing.T, uuids ...string) *fixture {
	t.Helper()
	ms := memstore.New()
	events := make([]message.Event, len(uuids))
	for i, id := range uuids {
		events[i] = message.Event{
			UUID:      id,
			Name:      "CarAdded",
			Payload:   map[string]any{"vehicleId": id},
			Meta:      map[string]any{},
			CreatedAt: created,
		}
	}
	require.NoError(t, ms.AppendTo(context.Background(), "public_stream", events))
	return &fixture{
		store:       ms,
		checkpoints: checkpoint.NewMemory(),
		parked:      NewParked(ms.Documents(), ""),
		rec:         &recorder{failures: map[string]int{}},
	}
}

func (fx *fixture) listener(t *testing.T, mutate func(*Config)) *Listener {
	t.Helper()
	cfg := DefaultConfig("projector", "public_stream")
	cfg.BatchSize = 2
	cfg.MaxAttempts = 3
	cfg.PollInterval = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg, fx.store.Events(), fx.checkpoints, fx.parked, fx.rec.handle,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSleep(fx.rec.sleep))
	require.NoError(t, err)
	return l
}

func (fx *fixture) position(t *testing.T) int64 {
	t.Helper()
	pos, err := fx.checkpoints.Load(context.Background(), "projector", "public_stream")
	require.NoError(t, err)
	return pos
}

func TestPoll_DeliversInBatches(t *testing.T) {
	fx := newFixture(t, "e1", "e2", "e3")
	l := fx.listener(t, nil)
	ctx := context.Background()

	n, err := l.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), fx.position(t))

	n, err = l.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"e1", "e2", "e3"}, fx.rec.seen)
	assert.Equal(t, int64(3), fx.position(t))
}

func TestPoll_RetriesWithBackoff(t *testing.T) {
	fx := newFixture(t, "e1")
	fx.rec.failures["e1"] = 2
	l := fx.listener(t, func(c *Config) {
		c.InitialBackoff = 10 * time.Millisecond
		c.MaxBackoff = 15 * time.Millisecond
	})

	_, err := l.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e1", "e1"}, fx.rec.seen)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}, fx.rec.sleeps, "doubled, then capped")
	assert.Equal(t, int64(1), fx.position(t))
}

func TestPoll_ParksExhaustedEvents(t *testing.T) {
	fx := newFixture(t, "e1", "e2", "e3")
	fx.rec.failures["e2"] = -1
	l := fx.listener(t, func(c *Config) { c.BatchSize = 10 })
	ctx := context.Background()

	_, err := l.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fx.position(t), "parking advances the checkpoint")

	parked, err := fx.parked.List(ctx, "projector")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	pe := parked[0]
	assert.Equal(t, "projector:e2", pe.ID)
	assert.Equal(t, "public_stream", pe.Stream)
	assert.Equal(t, int64(3), pe.Attempts)
	assert.Equal(t, "always broken", pe.Error)
	assert.Equal(t, "e2", pe.Event.UUID)
	assert.Equal(t, int64(2), pe.Event.Position)
	assert.Equal(t, map[string]any{"vehicleId": "e2"}, pe.Event.Payload)
	assert.True(t, pe.Event.CreatedAt.Equal(created))

	// Still broken: stays parked with one more attempt.
	n, err := fx.parked.Requeue(ctx, "projector", fx.rec.handle)
	assert.Error(t, err)
	assert.Zero(t, n)
	parked, err = fx.parked.List(ctx, "projector")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, int64(4), parked[0].Attempts)

	fx.rec.failures["e2"] = 0
	n, err = fx.parked.Requeue(ctx, "projector", fx.rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	parked, err = fx.parked.List(ctx, "projector")
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestPoll_Halts(t *testing.T) {
	fx := newFixture(t, "e1", "e2", "e3")
	fx.rec.failures["e2"] = -1
	l := fx.listener(t, func(c *Config) {
		c.BatchSize = 10
		c.OnExhausted = ActionHalt
	})

	_, err := l.Poll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	assert.Contains(t, err.Error(), "always broken")
	assert.Equal(t, int64(1), fx.position(t), "checkpoint stays before the failing event")

	err = l.Run(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
}

func TestRun_StopsOnCancel(t *testing.T) {
	fx := newFixture(t, "e1")
	l := fx.listener(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		pos, err := fx.checkpoints.Load(context.Background(), "projector", "public_stream")
		return err == nil && pos == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	fx := newFixture(t)
	for name, mutate := range map[string]func(*Config){
		"no name":     func(c *Config) { c.Name = "" },
		"no stream":   func(c *Config) { c.Stream = "" },
		"zero batch":  func(c *Config) { c.BatchSize = 0 },
		"bad backoff": func(c *Config) { c.MaxBackoff = c.InitialBackoff - 1 },
		"bad action":  func(c *Config) { c.OnExhausted = "explode" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig("projector", "public_stream")
			mutate(&cfg)
			_, err := New(cfg, fx.store.Events(), fx.checkpoints, fx.parked, fx.rec.handle)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}

	_, err := New(DefaultConfig("projector", "public_stream"), fx.store.Events(), fx.checkpoints, nil, fx.rec.handle)
	assert.True(t, errs.IsValidation(err), "parking without a store")
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("")
	require.NoError(t, err)
	assert.Equal(t, ActionPark, a)
	a, err = ParseAction("halt")
	require.NoError(t, err)
	assert.Equal(t, ActionHalt, a)
	_, err = ParseAction("retry")
	assert.Error(t, err)
}

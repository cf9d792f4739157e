package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/aggregate"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/expr"
	"github.com/roach88/rulebox/internal/memstore"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/services"
	"github.com/roach88/rulebox/internal/storage"
)

var quiet = slog.New(slog.DiscardHandler)

type fixture struct {
	store    *memstore.Store
	services *services.Registry
	factory  *message.Factory
	engine   *Engine
	interp   *rules.Interpreter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ms := memstore.New()
	reg := services.NewRegistry(ms.Documents())
	require.NoError(t, reg.RegisterInformation("Fleet", "fleet"))
	f := message.NewFactory(nil, message.WithIDGenerator(message.NewSequenceGenerator("evt")))
	opts = append([]Option{
		WithLogger(quiet),
		WithCorrelationIDs(message.NewSequenceGenerator("corr")),
	}, opts...)
	return &fixture{
		store:    ms,
		services: reg,
		factory:  f,
		engine:   New(ms, reg, f, opts...),
		interp:   rules.New(expr.NewLua(), f, rules.WithLogger(quiet)),
	}
}

func (fx *fixture) register(t *testing.T, def aggregate.Definition) *aggregate.Repository {
	t.Helper()
	repo, err := aggregate.NewRepository(fx.store, def,
		aggregate.WithIDGenerator(message.NewSequenceGenerator("pub")),
		aggregate.WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, fx.engine.RegisterAggregate(repo))
	return repo
}

func (fx *fixture) decode(t *testing.T, v []any) rules.Program {
	t.Helper()
	p, err := rules.Decode(v)
	require.NoError(t, err)
	return p
}

// carDefinition emits CarAddedToFleet carrying the command payload.
func carDefinition(f *message.Factory) aggregate.Definition {
	return aggregate.Definition{
		Type:       "Car",
		Identifier: "vehicleId",
		Public:     map[string]bool{"CarAddedToFleet": true},
		Commands: map[string]aggregate.CommandSpec{
			"AddCarToFleet": {NewAggregate: true, Handler: func(_ context.Context, _ map[string]any, cmd message.Command, _ rules.Dependencies) ([]message.Event, error) {
				ev, err := f.NewEvent("CarAddedToFleet", cmd.Payload, nil)
				return []message.Event{ev}, err
			}},
		},
	}
}

// pingDefinition emits Pinged{id, n} for StartPing (n = 0) and Ping.
func pingDefinition(f *message.Factory) aggregate.Definition {
	handler := func(_ context.Context, _ map[string]any, cmd message.Command, _ rules.Dependencies) ([]message.Event, error) {
		n, ok := cmd.Payload["n"]
		if !ok {
			n = int64(0)
		}
		ev, err := f.NewEvent("Pinged", map[string]any{"id": cmd.Payload["id"], "n": n}, nil)
		return []message.Event{ev}, err
	}
	return aggregate.Definition{
		Type:       "Ping",
		Identifier: "id",
		Commands: map[string]aggregate.CommandSpec{
			"StartPing": {NewAggregate: true, Handler: handler},
			"Ping":      {Handler: handler},
		},
	}
}

func TestMessageBox_Kinds(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, carDefinition(fx.factory))
	require.NoError(t, fx.engine.RegisterQuery("GetCar", ResolverFunc(func(context.Context, message.Query, rules.Dependencies) (any, error) {
		return nil, nil
	})))

	box := fx.engine.Box()
	assert.True(t, box.IsCommand("AddCarToFleet"))
	assert.True(t, box.IsEvent("CarAddedToFleet"))
	assert.True(t, box.IsQuery("GetCar"))
	assert.False(t, box.IsCommand("GetCar"))

	info, ok := box.CommandInfo("AddCarToFleet")
	require.True(t, ok)
	assert.Equal(t, CommandInfo{Name: "AddCarToFleet", Aggregate: "Car", NewAggregate: true}, info)

	ev, ok := box.EventInfo("CarAddedToFleet")
	require.True(t, ok)
	assert.True(t, ev.Public)

	_, err := box.Dispatch(context.Background(), "Nope", nil, nil)
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestMessageBox_AssignsCorrelation(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, carDefinition(fx.factory))
	ctx := context.Background()

	out, err := fx.engine.Dispatch(ctx, "AddCarToFleet", map[string]any{"vehicleId": "v1"}, nil)
	require.NoError(t, err)
	events := out.([]message.Event)
	require.Len(t, events, 1)
	assert.Equal(t, "corr-0001", events[0].MetaString(message.MetaCorrelationID))

	out, err = fx.engine.Dispatch(ctx, "AddCarToFleet", map[string]any{"vehicleId": "v2"}, map[string]any{message.MetaCorrelationID: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", out.([]message.Event)[0].MetaString(message.MetaCorrelationID))
}

func TestEngine_InlineProjection(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, carDefinition(fx.factory))
	ctx := context.Background()

	proj, err := NewRulePolicy("FleetProjection", rules.KindProjection, fx.interp, fx.decode(t, []any{
		map[string]any{"upsertInformation": map[string]any{"information": "Fleet", "id": "event.vehicleId", "data": map[string]any{"brand": "event.brand", "source": "eventName"}}},
	}))
	require.NoError(t, err)
	fx.engine.RegisterPolicy("CarAddedToFleet", proj)

	_, err = fx.engine.Dispatch(ctx, "AddCarToFleet", map[string]any{"vehicleId": "v1", "brand": "BMW"}, nil)
	require.NoError(t, err)

	doc, err := fx.store.GetDoc(ctx, "fleet", "v1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW", "source": "CarAddedToFleet"}, doc.Data)
}

func TestEngine_StreamModeSkipsPolicies(t *testing.T) {
	fx := newFixture(t, WithDispatchMode(DispatchStream))
	fx.register(t, carDefinition(fx.factory))
	ctx := context.Background()

	var calls atomic.Int32
	fx.engine.RegisterPolicy("CarAddedToFleet", NewPolicy("count", func(context.Context, message.Event, rules.Dependencies, *storage.Session) error {
		calls.Add(1)
		return nil
	}))

	_, err := fx.engine.Dispatch(ctx, "AddCarToFleet", map[string]any{"vehicleId": "v1"}, nil)
	require.NoError(t, err)
	assert.Zero(t, calls.Load())

	n, err := fx.engine.Replay(ctx, "Car", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRulePolicy_RejectsRecordEvent(t *testing.T) {
	fx := newFixture(t)
	prog := fx.decode(t, []any{map[string]any{"recordEvent": map[string]any{"event": "X", "mapping": "event"}}})

	_, err := NewRulePolicy("bad", rules.KindPolicy, fx.interp, prog)
	assert.True(t, errs.IsValidation(err), "got %v", err)

	_, err = NewRulePolicy("bad", rules.KindReducer, fx.interp, nil)
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestQueryBus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.InsertDoc(ctx, "fleet", "v1", map[string]any{"brand": "BMW"}))

	resolver, err := NewRuleResolver(fx.interp, fx.decode(t, []any{
		map[string]any{"findInformationById": map[string]any{"information": "Fleet", "id": "query.vehicleId", "variable": "result"}},
	}))
	require.NoError(t, err)
	require.NoError(t, fx.engine.RegisterQuery("GetCar", resolver))

	out, err := fx.engine.Dispatch(ctx, "GetCar", map[string]any{"vehicleId": "v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW"}, out)

	_, err = fx.engine.Dispatch(ctx, "GetCar", map[string]any{"vehicleId": "v9"}, nil)
	assert.True(t, errs.IsNotFound(err), "got %v", err)

	_, err = fx.engine.Queries().Dispatch(ctx, message.Query{Name: "Missing"})
	assert.True(t, errs.IsServiceResolution(err), "got %v", err)

	assert.True(t, errs.IsDuplicate(fx.engine.RegisterQuery("GetCar", resolver)))
}

func TestNewRuleResolver_ReadOnly(t *testing.T) {
	fx := newFixture(t)
	_, err := NewRuleResolver(fx.interp, fx.decode(t, []any{
		map[string]any{"deleteInformation": map[string]any{"information": "Fleet", "id": "'v1'"}},
	}))
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestDispatcher_AllPoliciesRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d := fx.engine.Dispatcher()

	d.Register("CarAddedToFleet", NewPolicy("broken", func(_ context.Context, ev message.Event, _ rules.Dependencies, sess *storage.Session) error {
		require.NoError(t, sess.UpsertDocument("fleet", "broken", map[string]any{"x": 1}))
		return errors.New("boom")
	}))
	d.Register("CarAddedToFleet", NewPolicy("writer", func(_ context.Context, ev message.Event, _ rules.Dependencies, sess *storage.Session) error {
		return sess.UpsertDocument("fleet", ev.MetaString("aggregateId"), ev.Payload)
	}))

	ev := message.Event{UUID: "e1", Name: "CarAddedToFleet", Payload: map[string]any{"brand": "BMW"}, Meta: map[string]any{"aggregateId": "v1"}}
	err := d.On(ctx, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy broken")
	assert.NotContains(t, err.Error(), "policy writer")

	_, err = fx.store.GetDoc(ctx, "fleet", "broken")
	assert.True(t, errs.IsNotFound(err), "failing policy must not commit")
	doc, err := fx.store.GetDoc(ctx, "fleet", "v1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW"}, doc.Data)

	assert.NoError(t, d.On(ctx, message.Event{UUID: "e2", Name: "Unrelated"}))
}

func TestDispatcher_RedeliveryRunsOnlyFailedPolicies(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d := fx.engine.Dispatcher()

	var writes, attempts atomic.Int32
	d.Register("CarAddedToFleet", NewPolicy("writer", func(_ context.Context, ev message.Event, _ rules.Dependencies, sess *storage.Session) error {
		writes.Add(1)
		return sess.InsertDocument("fleet", ev.MetaString("aggregateId"), ev.Payload)
	}))
	d.Register("CarAddedToFleet", NewPolicy("flaky", func(_ context.Context, _ message.Event, _ rules.Dependencies, _ *storage.Session) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	deliver := d.Redelivery()
	ev := message.Event{UUID: "e1", Name: "CarAddedToFleet", Payload: map[string]any{"brand": "BMW"}, Meta: map[string]any{"aggregateId": "v1"}}
	err := deliver(ctx, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy flaky")

	require.NoError(t, deliver(ctx, ev), "the insert must not run twice")
	assert.Equal(t, int32(1), writes.Load())
	assert.Equal(t, int32(2), attempts.Load())

	next := message.Event{UUID: "e2", Name: "CarAddedToFleet", Payload: map[string]any{"brand": "Audi"}, Meta: map[string]any{"aggregateId": "v2"}}
	require.NoError(t, deliver(ctx, next))
	assert.Equal(t, int32(2), writes.Load())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDispatcher_OnWithSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d := fx.engine.Dispatcher()
	proj, err := NewRulePolicy("FleetProjection", rules.KindProjection, fx.interp, fx.decode(t, []any{
		map[string]any{"upsertInformation": map[string]any{"information": "Fleet", "id": "meta.aggregateId", "data": "event"}},
	}))
	require.NoError(t, err)
	d.Register("CarAddedToFleet", proj)

	sess := fx.store.BeginSession()
	ev := message.Event{UUID: "e1", Name: "CarAddedToFleet", Payload: map[string]any{"brand": "BMW"}, Meta: map[string]any{"aggregateId": "v1"}}
	require.NoError(t, d.OnWithSession(ctx, ev, sess))
	assert.Equal(t, 1, sess.Len())

	_, err = fx.store.GetDoc(ctx, "fleet", "v1")
	assert.True(t, errs.IsNotFound(err), "nothing visible before the caller commits")

	require.NoError(t, fx.store.CommitSession(ctx, sess))
	_, err = fx.store.GetDoc(ctx, "fleet", "v1")
	assert.NoError(t, err)
}

func TestEngine_TriggeredCommandsDrain(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, carDefinition(fx.factory))
	fx.register(t, pingDefinition(fx.factory))
	ctx := context.Background()

	policy, err := NewRulePolicy("StartPinging", rules.KindPolicy, fx.interp, fx.decode(t, []any{
		map[string]any{"triggerCommand": map[string]any{"command": "StartPing", "payload": map[string]any{"id": "event.vehicleId"}}},
	}))
	require.NoError(t, err)
	fx.engine.RegisterPolicy("CarAddedToFleet", policy)

	out, err := fx.engine.Dispatch(ctx, "AddCarToFleet", map[string]any{"vehicleId": "v1"}, map[string]any{"userId": "u1"})
	require.NoError(t, err)
	added := out.([]message.Event)[0]
	assert.Equal(t, 1, fx.engine.Pending(), "triggered command waits in the queue")

	require.NoError(t, fx.engine.Drain(ctx))
	assert.Zero(t, fx.engine.Pending())

	events, err := fx.store.LoadEventStream(ctx, "Ping", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	meta := events[0].Meta
	assert.Equal(t, added.MetaString(message.MetaCorrelationID), meta[message.MetaCorrelationID])
	assert.Equal(t, added.UUID, meta[message.MetaCausationID])
	assert.Equal(t, "StartPing", meta[message.MetaCommandName])
	assert.Equal(t, "u1", meta[message.MetaUserID])
}

func TestEngine_CycleDetection(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, pingDefinition(fx.factory))
	ctx := context.Background()

	// Every Pinged triggers the same Ping{id, n: 0}.
	fx.engine.RegisterPolicy("Pinged", NewPolicy("again", func(ctx context.Context, ev message.Event, deps rules.Dependencies, _ *storage.Session) error {
		sink, err := deps.Commands()
		if err != nil {
			return err
		}
		return sink.Enqueue(ctx, "Ping", map[string]any{"id": ev.Payload["id"], "n": int64(0)}, nil)
	}))

	_, err := fx.engine.Dispatch(ctx, "StartPing", map[string]any{"id": "p1"}, nil)
	require.NoError(t, err)
	require.NoError(t, fx.engine.Drain(ctx))

	st, err := fx.engine.Commands().mustRepo(t, "Ping").Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version, "StartPing and one Ping; the repeat is a cycle")
}

func TestEngine_CascadeQuota(t *testing.T) {
	fx := newFixture(t, WithMaxCascade(5))
	fx.register(t, pingDefinition(fx.factory))
	ctx := context.Background()

	policy, err := NewRulePolicy("next", rules.KindPolicy, fx.interp, fx.decode(t, []any{
		map[string]any{"triggerCommand": map[string]any{"command": "Ping", "payload": map[string]any{"id": "event.id", "n": "event.n + 1"}}},
	}))
	require.NoError(t, err)
	fx.engine.RegisterPolicy("Pinged", policy)

	_, err = fx.engine.Dispatch(ctx, "StartPing", map[string]any{"id": "p1"}, nil)
	require.NoError(t, err)
	require.NoError(t, fx.engine.Drain(ctx))

	st, err := fx.engine.Commands().mustRepo(t, "Ping").Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Version)
	assert.Equal(t, int64(4), st.Data["n"])
	assert.Zero(t, fx.engine.guard.steps("corr-0001"), "finished correlations are forgotten")
}

func TestEngine_EnqueueUnknownCommand(t *testing.T) {
	fx := newFixture(t)
	err := fx.engine.Enqueue(context.Background(), "Nope", nil, nil)
	assert.True(t, errs.IsValidation(err), "got %v", err)
	assert.Zero(t, fx.engine.Pending())
}

func TestEngine_Run(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, pingDefinition(fx.factory))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fx.engine.Run(ctx) }()

	require.NoError(t, fx.engine.Enqueue(ctx, "StartPing", map[string]any{"id": "p1"}, nil))
	require.Eventually(t, func() bool {
		v, err := fx.store.Version(context.Background(), "Ping", nil)
		return err == nil && v == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEngine_StopEndsRun(t *testing.T) {
	fx := newFixture(t)
	done := make(chan error, 1)
	go func() { done <- fx.engine.Run(context.Background()) }()

	fx.engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	fx.register(t, pingDefinition(fx.factory))
	assert.Error(t, fx.engine.Enqueue(context.Background(), "StartPing", map[string]any{"id": "p1"}, nil))
}

func TestCommandBus_RetriesConflicts(t *testing.T) {
	for _, tc := range []struct {
		name      string
		retries   int
		wantCalls int32
		wantErr   bool
	}{
		{name: "retried", retries: 1, wantCalls: 2},
		{name: "no retries", retries: 0, wantCalls: 1, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, WithConflictRetries(tc.retries))
			ctx := context.Background()
			var calls atomic.Int32

			counterEvent := func(name string) message.Event {
				ev, err := fx.factory.NewEvent(name, nil, map[string]any{
					message.MetaAggregateID:   "c1",
					message.MetaAggregateType: "Counter",
				})
				require.NoError(t, err)
				return ev
			}
			require.NoError(t, fx.store.AppendTo(ctx, "Counter", []message.Event{counterEvent("Created")}))

			def := aggregate.Definition{
				Type:       "Counter",
				Identifier: "id",
				Commands: map[string]aggregate.CommandSpec{
					"Increment": {Handler: func(ctx context.Context, _ map[string]any, _ message.Command, _ rules.Dependencies) ([]message.Event, error) {
						if calls.Add(1) == 1 {
							// A concurrent writer wins the race.
							if err := fx.store.AppendTo(ctx, "Counter", []message.Event{counterEvent("Incremented")}); err != nil {
								return nil, err
							}
						}
						ev, err := fx.factory.NewEvent("Incremented", nil, nil)
						return []message.Event{ev}, err
					}},
				},
			}
			repo := fx.register(t, def)

			_, err := fx.engine.Dispatch(ctx, "Increment", map[string]any{"id": "c1"}, nil)
			assert.Equal(t, tc.wantCalls, calls.Load())

			st, loadErr := repo.Load(ctx, "c1")
			require.NoError(t, loadErr)
			if tc.wantErr {
				assert.True(t, errs.IsConflict(err), "got %v", err)
				assert.Equal(t, int64(2), st.Version, "created plus the rival")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(3), st.Version)
		})
	}
}

func TestCommandBus_DuplicateRoute(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, carDefinition(fx.factory))

	other := carDefinition(fx.factory)
	other.Type = "Truck"
	repo, err := aggregate.NewRepository(fx.store, other)
	require.NoError(t, err)
	assert.Error(t, fx.engine.RegisterAggregate(repo))
	assert.True(t, errs.IsDuplicate(fx.engine.Commands().Register(repo)))
}

func TestParseDispatchMode(t *testing.T) {
	m, err := ParseDispatchMode("")
	require.NoError(t, err)
	assert.Equal(t, DispatchInline, m)

	m, err = ParseDispatchMode("stream")
	require.NoError(t, err)
	assert.Equal(t, DispatchStream, m)

	_, err = ParseDispatchMode("carrier-pigeon")
	assert.True(t, errs.IsValidation(err))
}

func (b *CommandBus) mustRepo(t *testing.T, command string) *aggregate.Repository {
	t.Helper()
	r, ok := b.Repository(command)
	require.True(t, ok)
	return r
}

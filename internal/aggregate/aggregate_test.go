package aggregate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/expr"
	"github.com/roach88/rulebox/internal/memstore"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/schema"
	"github.com/roach88/rulebox/internal/storage"
	"github.com/roach88/rulebox/internal/store"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newFactory(t *testing.T) *message.Factory {
	t.Helper()
	reg := schema.NewRegistry()
	for name, src := range map[string]string{
		"CarAdded":           `{vehicleId: string, brand: string, model: string, productionYear: int}`,
		"IncompleteCarAdded": `{vehicleId: string, brand: string, model: string}`,
		"CarAddedToFleet":    `{vehicleId: string}`,
		"CarRenamed":         `{vehicleId: string, model: string}`,
	} {
		require.NoError(t, reg.Register(message.SchemaName(message.KindEvent, name), src))
	}
	return message.NewFactory(reg,
		message.WithIDGenerator(message.NewSequenceGenerator("evt")),
		message.WithClock(func() time.Time { return fixedTime }),
	)
}

func completedReducer(_ context.Context, state map[string]any, ev message.Event) (map[string]any, error) {
	next, _ := MergeReducer(context.Background(), state, ev)
	next["completed"] = true
	return next, nil
}

// carDefinition uses native handlers.
func carDefinition(f *message.Factory) Definition {
	return Definition{
		Type:            "Car",
		Identifier:      "vehicleId",
		StateCollection: "cars",
		Public:          map[string]bool{"CarAddedToFleet": true},
		Reducers:        map[string]Reducer{"CarAddedToFleet": completedReducer},
		Commands: map[string]CommandSpec{
			"AddCarToFleet": {NewAggregate: true, Handler: func(_ context.Context, _ map[string]any, cmd message.Command, _ rules.Dependencies) ([]message.Event, error) {
				if _, ok := cmd.Payload["productionYear"]; !ok {
					ev, err := f.NewEvent("IncompleteCarAdded", cmd.Payload, nil)
					return []message.Event{ev}, err
				}
				added, err := f.NewEvent("CarAdded", cmd.Payload, nil)
				if err != nil {
					return nil, err
				}
				fleet, err := f.NewEvent("CarAddedToFleet", map[string]any{"vehicleId": cmd.Payload["vehicleId"]}, nil)
				return []message.Event{added, fleet}, err
			}},
			"RenameCar": {Handler: func(_ context.Context, state map[string]any, cmd message.Command, _ rules.Dependencies) ([]message.Event, error) {
				if state["model"] == cmd.Payload["model"] {
					return nil, nil
				}
				ev, err := f.NewEvent("CarRenamed", cmd.Payload, nil)
				return []message.Event{ev}, err
			}},
		},
	}
}

func newRepo(t *testing.T, ms storage.MultiModelStore, def Definition) *Repository {
	t.Helper()
	r, err := NewRepository(ms, def, WithIDGenerator(message.NewSequenceGenerator("pub")))
	require.NoError(t, err)
	return r
}

func command(name string, payload map[string]any) message.Command {
	return message.Command{Name: name, Payload: payload, Meta: map[string]any{message.MetaCorrelationID: "corr-1"}}
}

func TestHandle_AddCarWithoutProductionYear(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	repo := newRepo(t, ms, carDefinition(newFactory(t)))

	events, err := repo.Handle(ctx, command("AddCarToFleet", map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"}), nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "IncompleteCarAdded", events[0].Name)
	assert.Equal(t, map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"}, events[0].Payload)

	st, err := repo.Load(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"}, st.Data)

	public, err := ms.Load(ctx, DefaultPublicStream, storage.LoadOptions{})
	require.NoError(t, err)
	assert.Empty(t, public)
}

func TestHandle_AddCarWithProductionYear(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	repo := newRepo(t, ms, carDefinition(newFactory(t)))

	events, err := repo.Handle(ctx, command("AddCarToFleet", map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er", "productionYear": 2020}), nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "CarAdded", events[0].Name)
	assert.Equal(t, "CarAddedToFleet", events[1].Name)

	assert.Equal(t, "v1", events[1].MetaString(message.MetaAggregateID))
	assert.Equal(t, "Car", events[1].MetaString(message.MetaAggregateType))
	assert.Equal(t, int64(2), events[1].Meta[message.MetaAggregateVersion])
	assert.Equal(t, "AddCarToFleet", events[1].MetaString(message.MetaCommandName))
	assert.Equal(t, "corr-1", events[1].MetaString(message.MetaCorrelationID))
	assert.Equal(t, "corr-1", events[1].MetaString(message.MetaCausationID))

	want := map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er", "productionYear": int64(2020), "completed": true}
	st, err := repo.Load(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, want, st.Data)

	doc, err := ms.GetDoc(ctx, "cars", "v1")
	require.NoError(t, err)
	assert.Equal(t, want, doc.Data, "state collection holds the folded state")

	public, err := ms.Load(ctx, DefaultPublicStream, storage.LoadOptions{})
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "pub-0001", public[0].UUID)
	assert.Equal(t, "CarAddedToFleet", public[0].Name)
	assert.Equal(t, "v1", public[0].MetaString(message.MetaAggregateID))
}

func TestHandle_EdgeCases(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	repo := newRepo(t, ms, carDefinition(newFactory(t)))
	add := command("AddCarToFleet", map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"})

	_, err := repo.Handle(ctx, command("RenameCar", map[string]any{"vehicleId": "v1", "model": "2er"}), nil)
	assert.True(t, errs.IsNotFound(err), "non-creating command on a fresh aggregate: %v", err)

	_, err = repo.Handle(ctx, add, nil)
	require.NoError(t, err)
	_, err = repo.Handle(ctx, add, nil)
	assert.True(t, errs.IsDuplicate(err), "creating twice: %v", err)

	_, err = repo.Handle(ctx, command("AddCarToFleet", map[string]any{"brand": "BMW"}), nil)
	assert.True(t, errs.IsValidation(err))
	_, err = repo.Handle(ctx, command("AddCarToFleet", map[string]any{"vehicleId": 7}), nil)
	assert.True(t, errs.IsValidation(err))

	_, err = repo.Handle(ctx, command("ScrapCar", map[string]any{"vehicleId": "v1"}), nil)
	assert.True(t, errs.IsServiceResolution(err))

	events, err := repo.Handle(ctx, command("RenameCar", map[string]any{"vehicleId": "v1", "model": "1er"}), nil)
	require.NoError(t, err)
	assert.Empty(t, events, "same model is a no-op")
	st, err := repo.Load(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
}

func TestHandle_MetaAggregateIDWins(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, memstore.New(), carDefinition(newFactory(t)))
	cmd := command("AddCarToFleet", map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"})
	cmd.Meta[message.MetaAggregateID] = "car-42"

	events, err := repo.Handle(ctx, cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "car-42", events[0].MetaString(message.MetaAggregateID))
}

func TestNewRepository_InvalidDefinition(t *testing.T) {
	for name, def := range map[string]Definition{
		"type":       {Identifier: "id"},
		"identifier": {Type: "Car"},
		"stream":     {Type: "Car", Identifier: "id", Stream: "bad stream"},
		"handler":    {Type: "Car", Identifier: "id", Commands: map[string]CommandSpec{"X": {}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewRepository(memstore.New(), def)
			assert.True(t, errs.IsValidation(err))
		})
	}
}

func TestHandle_ConcurrentWritersExactlyOneWins(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.MultiModelStore{
		"memstore": func(*testing.T) storage.MultiModelStore { return memstore.New() },
		"sqlite": func(t *testing.T) storage.MultiModelStore {
			s, err := store.Open(filepath.Join(t.TempDir(), "agg.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFactory(t)
			def := carDefinition(f)

			var arrived sync.WaitGroup
			arrived.Add(2)
			def.Commands["RenameCar"] = CommandSpec{Handler: func(_ context.Context, _ map[string]any, cmd message.Command, _ rules.Dependencies) ([]message.Event, error) {
				arrived.Done()
				arrived.Wait()
				ev, err := f.NewEvent("CarRenamed", cmd.Payload, nil)
				return []message.Event{ev}, err
			}}

			repo := newRepo(t, open(t), def)
			_, err := repo.Handle(ctx, command("AddCarToFleet", map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"}), nil)
			require.NoError(t, err)

			results := make([]error, 2)
			var done sync.WaitGroup
			for i := range results {
				done.Add(1)
				go func(i int) {
					defer done.Done()
					_, results[i] = repo.Handle(ctx, command("RenameCar", map[string]any{"vehicleId": "v1", "model": fmt.Sprintf("m%d", i)}), nil)
				}(i)
			}
			done.Wait()

			var ok, conflicts int
			for _, err := range results {
				switch {
				case err == nil:
					ok++
				case errs.IsConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, conflicts)

			st, err := repo.Load(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), st.Version)
		})
	}
}

func TestRuleHandlerAndReducer(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	in := rules.New(expr.NewLua(), f)

	handler, err := rules.Decode([]any{
		map[string]any{"if": map[string]any{
			"condition": "command.productionYear == nil",
			"then":      []any{map[string]any{"recordEvent": map[string]any{"event": "IncompleteCarAdded", "mapping": "command"}}},
			"stop":      true,
		}},
		map[string]any{"recordEvent": map[string]any{"event": "CarAdded", "mapping": "command"}},
		map[string]any{"recordEvent": map[string]any{"event": "CarAddedToFleet", "mapping": map[string]any{"vehicleId": "command.vehicleId"}}},
	})
	require.NoError(t, err)
	require.NoError(t, rules.Validate(handler, rules.KindCommandHandler))

	reducer, err := rules.Decode([]any{
		map[string]any{"assignVariable": map[string]any{"name": "state", "value": "merge(state, event, {completed = true})"}},
	})
	require.NoError(t, err)
	require.NoError(t, rules.Validate(reducer, rules.KindReducer))

	def := Definition{
		Type:       "Car",
		Identifier: "vehicleId",
		Commands:   map[string]CommandSpec{"AddCarToFleet": {NewAggregate: true, Handler: RuleHandler(in, handler)}},
		Reducers:   map[string]Reducer{"CarAddedToFleet": RuleReducer(in, reducer)},
	}
	repo := newRepo(t, memstore.New(), def)

	_, err = repo.Handle(ctx, command("AddCarToFleet", map[string]any{"vehicleId": "v2", "brand": "BMW", "model": "1er", "productionYear": 2020}), nil)
	require.NoError(t, err)
	st, err := repo.Load(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"vehicleId": "v2", "brand": "BMW", "model": "1er", "productionYear": int64(2020), "completed": true}, st.Data)
}

func TestRuleReducer_NonObjectState(t *testing.T) {
	in := rules.New(expr.NewLua(), nil)
	prog, err := rules.Decode([]any{map[string]any{"assignVariable": map[string]any{"name": "state", "value": "1"}}})
	require.NoError(t, err)

	_, err = RuleReducer(in, prog)(context.Background(), map[string]any{}, message.Event{Name: "X"})
	assert.True(t, errs.IsRuleExecution(err))
}

func TestProperty_ReplayDeterminism(t *testing.T) {
	reducers := map[string]Reducer{
		"Incremented": func(_ context.Context, state map[string]any, ev message.Event) (map[string]any, error) {
			out := canon.CloneMap(state)
			n, _ := out["count"].(int64)
			out["count"] = n + ev.Payload["by"].(int64)
			return out, nil
		},
		"Completed": completedReducer,
	}
	names := []string{"Incremented", "Completed", "Renamed"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("folding the same events twice gives the same state", prop.ForAll(
		func(kinds []int, amounts []int64) bool {
			events := make([]message.Event, len(kinds))
			for i, k := range kinds {
				var by int64
				if i < len(amounts) {
					by = amounts[i]
				}
				events[i] = message.Event{
					UUID:    fmt.Sprintf("e%d", i),
					Name:    names[k],
					Payload: map[string]any{"by": by, "model": fmt.Sprintf("m%d", by)},
				}
			}
			first, err := Fold(context.Background(), reducers, nil, events)
			if err != nil {
				return false
			}
			second, err := Fold(context.Background(), reducers, nil, events)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(first, second)
		},
		gen.SliceOf(gen.IntRange(0, len(names)-1)),
		gen.SliceOf(gen.Int64Range(-100, 100)),
	))

	properties.TestingRun(t)
}

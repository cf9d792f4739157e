package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/compiler"
	"github.com/roach88/rulebox/internal/config"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/schema"
)

const fleetDir = "../../testdata/fleet"

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Backup.Dir = t.TempDir()
	cfg.Metrics.Enabled = false
	return cfg
}

func newFleet(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(quiet()), WithEventIDs(message.NewSequenceGenerator("evt"))}, opts...)
	a, err := New(context.Background(), cfg, fleetDir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func addCar(year any) map[string]any {
	p := map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"}
	if year != nil {
		p["productionYear"] = year
	}
	return p
}

func eventNames(t *testing.T, res any) []string {
	t.Helper()
	events, ok := res.([]message.Event)
	require.True(t, ok, "commands return their events, got %T", res)
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return names
}

func query(t *testing.T, a *App, name string, payload map[string]any) any {
	t.Helper()
	res, err := a.Dispatch(context.Background(), name, payload, nil)
	require.NoError(t, err)
	return res
}

func TestDispatch_CompleteCarJoinsFleet(t *testing.T) {
	a := newFleet(t, memoryConfig(t))
	ctx := context.Background()

	res, err := a.Dispatch(ctx, "AddCarToFleet", addCar(2019), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"CarAdded", "CarAddedToFleet"}, eventNames(t, res))

	car, ok := query(t, a, "getCar", map[string]any{"vehicleId": "v1"}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, car["completed"])
	assert.EqualValues(t, 2019, car["productionYear"])

	fleet, ok := query(t, a, "fleetByBrand", map[string]any{"brand": "BMW"}).([]any)
	require.True(t, ok)
	require.Len(t, fleet, 1)
	assert.Equal(t, true, fleet[0].(map[string]any)["inFleet"])

	assert.EqualValues(t, 1, query(t, a, "countNotifications", nil), "the policy-triggered command ran")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.CommandsHandled.WithLabelValues("AddCarToFleet", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.CommandsHandled.WithLabelValues("SendNotification", "success")))
}

func TestDispatch_IncompleteCarStaysOutOfFleet(t *testing.T) {
	a := newFleet(t, memoryConfig(t))
	ctx := context.Background()

	res, err := a.Dispatch(ctx, "AddCarToFleet", addCar(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"IncompleteCarAdded"}, eventNames(t, res))
	assert.Empty(t, query(t, a, "fleetByBrand", map[string]any{"brand": "BMW"}))
	assert.EqualValues(t, 0, query(t, a, "countNotifications", nil))

	res, err = a.Dispatch(ctx, "CompleteCar", map[string]any{"vehicleId": "v1", "productionYear": 2020}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"CarCompleted", "CarAddedToFleet"}, eventNames(t, res))
	assert.Len(t, query(t, a, "fleetByBrand", map[string]any{"brand": "BMW"}), 1)

	_, err = a.Dispatch(ctx, "CompleteCar", map[string]any{"vehicleId": "v1", "productionYear": 2020}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsRuleExecution(err))
	assert.Contains(t, err.Error(), "already complete")
}

func TestDispatch_Rejections(t *testing.T) {
	a := newFleet(t, memoryConfig(t))
	ctx := context.Background()

	_, err := a.Dispatch(ctx, "AddCarToFleet", map[string]any{"vehicleId": "v1"}, nil)
	assert.True(t, errs.IsValidation(err), "schema violations are rejected before handling")

	_, err = a.Dispatch(ctx, "NoSuchMessage", nil, nil)
	assert.True(t, errs.IsValidation(err))

	_, err = a.Dispatch(ctx, "CompleteCar", map[string]any{"vehicleId": "ghost", "productionYear": 2020}, nil)
	assert.True(t, errs.IsNotFound(err))

	_, err = a.Dispatch(ctx, "AddCarToFleet", addCar(2019), nil)
	require.NoError(t, err)
	_, err = a.Dispatch(ctx, "AddCarToFleet", addCar(2019), nil)
	assert.True(t, errs.IsDuplicate(err))
}

func TestStreamMode_ListenersDeliver(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Dispatch.Mode = "stream"
	a := newFleet(t, cfg)
	ctx := context.Background()

	_, err := a.Dispatch(ctx, "AddCarToFleet", addCar(2019), nil)
	require.NoError(t, err)
	assert.Empty(t, query(t, a, "fleetByBrand", map[string]any{"brand": "BMW"}), "nothing is delivered before the listeners poll")

	assert.Equal(t, []string{"Car", "Notification"}, a.Streams())
	listeners, err := a.Listeners()
	require.NoError(t, err)
	require.Len(t, listeners, 2)

	n, err := listeners[0].Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, query(t, a, "fleetByBrand", map[string]any{"brand": "BMW"}), 1)

	require.NoError(t, a.Engine.Drain(ctx))
	n, err = listeners[1].Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, query(t, a, "countNotifications", nil))

	n, err = listeners[0].Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the checkpoint advanced")
}

func TestBackupRestore(t *testing.T) {
	cfg := memoryConfig(t)
	a := newFleet(t, cfg)
	ctx := context.Background()

	_, err := a.Dispatch(ctx, "AddCarToFleet", addCar(2019), nil)
	require.NoError(t, err)
	info, err := a.Backup(ctx, "fleet.snap")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Streams, "Car, Notification and the public stream")
	assert.Positive(t, info.Bytes)

	b := newFleet(t, cfg)
	_, err = b.Restore(ctx, "fleet.snap")
	require.NoError(t, err)
	assert.Len(t, query(t, b, "fleetByBrand", map[string]any{"brand": "BMW"}), 1)
	assert.EqualValues(t, 1, query(t, b, "countNotifications", nil))

	_, err = b.Dispatch(ctx, "AddCarToFleet", addCar(2019), nil)
	assert.True(t, errs.IsDuplicate(err), "restored events rebuild the aggregate")

	_, err = b.Restore(ctx, "missing.snap")
	assert.True(t, errs.IsNotFound(err))
}

func TestBuild_TriggeredFailures(t *testing.T) {
	src := `
aggregates: Job: {
	identifier: "id"
	commands: {
		Start: {newAggregate: true, handler: [{recordEvent: {event: "Started", mapping: "command"}}]}
		Explode: {newAggregate: true, handler: [{throwError: {message: "'boom'", code: "BOOM"}}]}
	}
	events: Started: {}
}
policies: explodeOnStart: {on: "Started", rules: [{triggerCommand: {command: "Explode", payload: {id: "'x-' .. event.id"}}}]}
`
	reg := schema.NewRegistry()
	prog, err := compiler.CompileString(src, "job.cue", reg)
	require.NoError(t, err)
	a, err := Build(context.Background(), memoryConfig(t), prog, reg, WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res, err := a.Dispatch(context.Background(), "Start", map[string]any{"id": "j1"}, nil)
	require.ErrorIs(t, err, ErrTriggered)
	assert.True(t, errs.IsRuleExecution(err))
	assert.Equal(t, []string{"Started"}, eventNames(t, res), "the dispatched command still committed")
}

func TestBuild_ConfigErrors(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Backend = "nope"
	_, err := New(context.Background(), cfg, fleetDir, WithLogger(quiet()))
	assert.True(t, errs.IsValidation(err))

	cfg = memoryConfig(t)
	cfg.Dispatch.Mode = "sideways"
	_, err = New(context.Background(), cfg, fleetDir, WithLogger(quiet()))
	assert.True(t, errs.IsValidation(err))

	_, err = New(context.Background(), memoryConfig(t), t.TempDir(), WithLogger(quiet()))
	assert.True(t, errs.IsValidation(err), "a directory without CUE files")

	cfg = memoryConfig(t)
	cfg.Checkpoint.Backend = "paper"
	a := newFleet(t, cfg)
	_, err = a.Listeners()
	assert.True(t, errs.IsValidation(err))
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Dispatch.Mode = "stream"
	a := newFleet(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

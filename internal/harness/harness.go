package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/rulebox/internal/app"
	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/config"
	"github.com/roach88/rulebox/internal/engine"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/listener"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
	"github.com/roach88/rulebox/internal/testutil"
)

// maxSettleRounds bounds the listener/drain rounds of one stream-mode step.
const maxSettleRounds = 100

// Harness executes one scenario against a wired App.
type Harness struct {
	app       *app.App
	listeners []*listener.Listener
	clock     *testutil.DeterministicClock
	positions map[string]int64
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh store (SQLite in memory unless the scenario
// asks for the memory backend) with deterministic ids and timestamps.
// Execution flow:
//  1. Compile the program and wire the App
//  2. Execute given steps, which must succeed
//  3. Execute when steps and check their expect clauses
//  4. Evaluate the then assertions
//
// An error is returned when the scenario cannot run at all. Failed
// expectations are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(ctx, scenarioConfig(scenario), scenario.Program,
		app.WithLogger(logger),
		app.WithEventIDs(message.NewSequenceGenerator("evt")),
		app.WithCorrelationIDs(message.NewSequenceGenerator("flow")),
		app.WithClock(testutil.NewClock(testutil.Epoch, time.Second).Now))
	if err != nil {
		return nil, fmt.Errorf("failed to build program %s: %w", scenario.Program, err)
	}
	defer a.Close()

	h := &Harness{
		app:       a,
		clock:     testutil.NewDeterministicClock(),
		positions: make(map[string]int64),
		logger:    logger,
	}
	if a.Engine.Mode() == engine.DispatchStream {
		if h.listeners, err = a.Listeners(); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	if err := h.executeGiven(ctx, scenario.Given, result); err != nil {
		return nil, fmt.Errorf("failed to execute given: %w", err)
	}
	if err := h.executeWhen(ctx, scenario.When, result); err != nil {
		return nil, fmt.Errorf("failed to execute when: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, App: a}
	for _, msg := range EvaluateAssertions(result, scenario.Then, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario) *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = ":memory:"
	if s.Backend == config.BackendMemory {
		cfg.Storage.Backend = config.BackendMemory
	}
	if s.Mode != "" {
		cfg.Dispatch.Mode = s.Mode
	}
	cfg.Checkpoint.Backend = config.CheckpointMemory
	cfg.Listener.MaxAttempts = 1
	cfg.Listener.InitialBackoff = time.Millisecond
	cfg.Listener.MaxBackoff = time.Millisecond
	cfg.Metrics.Enabled = false
	return cfg
}

func (h *Harness) executeGiven(ctx context.Context, given []GivenStep, result *Result) error {
	for i, step := range given {
		if step.Information != "" {
			if err := h.seed(ctx, step); err != nil {
				return fmt.Errorf("given[%d]: %w", i, err)
			}
			continue
		}
		payload, err := canon.NormalizeMap(step.Payload)
		if err != nil {
			return fmt.Errorf("given[%d]: %w", i, err)
		}
		result.AddDispatchTrace(TraceGiven, step.Dispatch, payload, h.clock.Next())
		if _, err := h.dispatch(ctx, step.Dispatch, payload, step.Meta); err != nil {
			return fmt.Errorf("given[%d] %s: %w", i, step.Dispatch, err)
		}
		if err := h.collect(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// seed writes an information document directly, bypassing projections.
func (h *Harness) seed(ctx context.Context, step GivenStep) error {
	collection, err := h.app.Services.CollectionOf(step.Information)
	if err != nil {
		return err
	}
	data, err := canon.NormalizeMap(step.Data)
	if err != nil {
		return err
	}
	return h.app.Store.Documents().UpsertDoc(ctx, collection, step.ID, data)
}

func (h *Harness) executeWhen(ctx context.Context, when []WhenStep, result *Result) error {
	for i, step := range when {
		payload, err := canon.NormalizeMap(step.Payload)
		if err != nil {
			return fmt.Errorf("when[%d]: %w", i, err)
		}
		result.AddDispatchTrace(TraceDispatch, step.Dispatch, payload, h.clock.Next())

		res, dispatchErr := h.dispatch(ctx, step.Dispatch, payload, step.Meta)

		outcome, code := OutcomeOK, ""
		switch {
		case errors.Is(dispatchErr, app.ErrTriggered):
			outcome, code = OutcomeTriggeredFailed, string(errs.CodeOf(dispatchErr))
		case dispatchErr != nil:
			outcome, code = OutcomeError, string(errs.CodeOf(dispatchErr))
		}
		var traced any
		if dispatchErr == nil && h.app.Engine.Box().IsQuery(step.Dispatch) {
			if traced, err = canon.Normalize(res); err != nil {
				return fmt.Errorf("when[%d]: result: %w", i, err)
			}
		}
		result.AddOutcomeTrace(step.Dispatch, outcome, code, traced, h.clock.Next())

		before := len(result.Trace)
		if err := h.collect(ctx, result); err != nil {
			return err
		}

		h.logger.Info("when step completed",
			"step", i,
			"dispatch", step.Dispatch,
			"outcome", outcome,
			"events", len(result.Trace)-before)

		if step.Expect != nil {
			for _, msg := range checkExpect(i, step, code, traced, result.Trace[before:]) {
				result.AddError(msg)
			}
		}
	}
	return nil
}

// dispatch sends one message and, in stream mode, settles the listeners.
func (h *Harness) dispatch(ctx context.Context, name string, payload, meta map[string]any) (any, error) {
	res, err := h.app.Dispatch(ctx, name, payload, canon.CloneMap(meta))
	if err != nil || h.listeners == nil {
		return res, err
	}
	if err := h.settle(ctx); err != nil {
		return res, fmt.Errorf("%w: %w", app.ErrTriggered, err)
	}
	return res, nil
}

// settle polls every listener and drains triggered commands until no
// listener reads an event and nothing is queued.
func (h *Harness) settle(ctx context.Context) error {
	eng := h.app.Engine
	for round := 0; round < maxSettleRounds; round++ {
		delivered := 0
		for _, l := range h.listeners {
			n, err := l.Poll(ctx)
			if err != nil {
				return err
			}
			delivered += n
		}
		pending := eng.Pending()
		if pending > 0 {
			if err := eng.Drain(ctx); err != nil {
				return err
			}
		}
		if delivered == 0 && pending == 0 {
			return nil
		}
	}
	return fmt.Errorf("stream did not settle after %d rounds", maxSettleRounds)
}

type committed struct {
	stream string
	event  message.Event
}

// collect traces the events committed to the write-model streams since the
// previous call, ordered by creation time.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	var batch []committed
	for _, stream := range h.app.Streams() {
		events, err := h.app.Store.Events().Load(ctx, stream, storage.LoadOptions{FromPosition: h.positions[stream]})
		if err != nil {
			return fmt.Errorf("load %s: %w", stream, err)
		}
		for _, ev := range events {
			batch = append(batch, committed{stream: stream, event: ev})
			h.positions[stream] = ev.Position
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].event.CreatedAt.Before(batch[j].event.CreatedAt)
	})
	for _, c := range batch {
		result.AddEventTrace(c.stream, c.event, h.clock.Next())
	}
	return nil
}

func checkExpect(index int, step WhenStep, code string, res any, entries []TraceEvent) []string {
	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf("when[%d] %s: ", index, step.Dispatch)+fmt.Sprintf(format, args...))
	}

	if step.Expect.Error != code {
		switch {
		case code == "":
			fail("expected error %s, got success", step.Expect.Error)
		case step.Expect.Error == "":
			fail("expected success, got error %s", code)
		default:
			fail("expected error %s, got %s", step.Expect.Error, code)
		}
	}

	if step.Expect.Events != nil {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		if !equalNames(names, step.Expect.Events) {
			fail("expected events %v, got %v", step.Expect.Events, names)
		}
	}

	if step.Expect.Result != nil {
		want, err := canon.Normalize(step.Expect.Result)
		if err != nil {
			fail("invalid expected result: %v", err)
		} else if !matchValue(res, want) {
			fail("expected result %s, got %s", describe(want), describe(res))
		}
	}
	return failures
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

package aggregate

import (
	"context"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
)

// Context variables seen by rule-interpreted handlers and reducers.
const (
	VarState   = "state"
	VarCommand = "command"
	VarEvent   = "event"
	VarMeta    = "meta"
)

// RuleHandler runs prog as a command handler. The program sees the command
// payload as command, its metadata as meta and the current state as state.
// The recorded events are the result.
func RuleHandler(in *rules.Interpreter, prog rules.Program) Handler {
	return func(ctx context.Context, state map[string]any, cmd message.Command, deps rules.Dependencies) ([]message.Event, error) {
		res, err := in.Run(ctx, prog, map[string]any{
			VarState:   state,
			VarCommand: cmd.Payload,
			VarMeta:    cmd.Meta,
		}, deps)
		if err != nil {
			return nil, err
		}
		return res.Events, nil
	}
}

// RuleReducer runs prog as a reducer. The program sees state, the event
// payload as event and its metadata as meta; the final state variable is
// the new state.
func RuleReducer(in *rules.Interpreter, prog rules.Program) Reducer {
	return func(ctx context.Context, state map[string]any, ev message.Event) (map[string]any, error) {
		res, err := in.Run(ctx, prog, map[string]any{
			VarState: state,
			VarEvent: ev.Payload,
			VarMeta:  ev.Meta,
		}, nil)
		if err != nil {
			return nil, err
		}
		switch next := res.Context[VarState].(type) {
		case map[string]any:
			return next, nil
		case nil:
			return map[string]any{}, nil
		default:
			return nil, errs.RuleExecution(nil, "reducer for %s left state as %T, want an object", ev.Name, next)
		}
	}
}

// cloneState returns a copy safe to hand to a handler.
func cloneState(state map[string]any) map[string]any {
	return canon.CloneMap(state)
}

package engine

import (
	"context"
	"fmt"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/storage"
)

// Context variables seen by rule-interpreted policies.
const (
	VarEvent     = "event"
	VarEventName = "eventName"
	VarMeta      = "meta"
)

// Policy reacts to an event. Writes go through sess, which the caller
// commits; commands go through deps.Commands and run later.
type Policy interface {
	Name() string
	Handle(ctx context.Context, ev message.Event, deps rules.Dependencies, sess *storage.Session) error
}

// PolicyFunc is the function form of Policy.Handle.
type PolicyFunc func(ctx context.Context, ev message.Event, deps rules.Dependencies, sess *storage.Session) error

type nativePolicy struct {
	name string
	fn   PolicyFunc
}

// NewPolicy wraps fn as a Policy.
func NewPolicy(name string, fn PolicyFunc) Policy {
	return nativePolicy{name: name, fn: fn}
}

func (p nativePolicy) Name() string { return p.name }

func (p nativePolicy) Handle(ctx context.Context, ev message.Event, deps rules.Dependencies, sess *storage.Session) error {
	return p.fn(ctx, ev, deps, sess)
}

// RulePolicy runs a rule program on every event it is registered for. The
// program sees the payload as event, the metadata as meta and the name as
// eventName.
type RulePolicy struct {
	name string
	kind rules.Kind
	in   *rules.Interpreter
	prog rules.Program
}

// NewRulePolicy validates prog for kind, which must be rules.KindPolicy or
// rules.KindProjection.
func NewRulePolicy(name string, kind rules.Kind, in *rules.Interpreter, prog rules.Program) (*RulePolicy, error) {
	if kind != rules.KindPolicy && kind != rules.KindProjection {
		return nil, errs.Validation("policy %s: kind %s cannot react to events", name, kind)
	}
	if err := rules.Validate(prog, kind); err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return &RulePolicy{name: name, kind: kind, in: in, prog: prog}, nil
}

// Name returns the policy name.
func (p *RulePolicy) Name() string { return p.name }

// Kind returns rules.KindPolicy or rules.KindProjection.
func (p *RulePolicy) Kind() rules.Kind { return p.kind }

// Handle runs the program. The program writes through the session bound in
// deps, so sess is not used directly.
func (p *RulePolicy) Handle(ctx context.Context, ev message.Event, deps rules.Dependencies, _ *storage.Session) error {
	_, err := p.in.Run(ctx, p.prog, map[string]any{
		VarEvent:     ev.Payload,
		VarEventName: ev.Name,
		VarMeta:      ev.Meta,
	}, deps)
	return err
}

package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rulebox/internal/errs"
)

// Kind is the role a program plays. Each role allows a different set of
// side effects.
type Kind string

const (
	KindCommandHandler Kind = "commandHandler"
	KindReducer        Kind = "reducer"
	KindQueryResolver  Kind = "queryResolver"
	KindPolicy         Kind = "policy"
	KindProjection     Kind = "projection"
)

// Kinds lists every program kind.
var Kinds = []Kind{KindCommandHandler, KindReducer, KindQueryResolver, KindPolicy, KindProjection}

// effect classifies what a rule does outside the context.
type effect int

const (
	effectNone effect = iota
	effectRecord
	effectRead
	effectWrite
	effectService
	effectCommand
)

func (e effect) String() string {
	switch e {
	case effectRecord:
		return "recording events"
	case effectRead:
		return "reading information"
	case effectWrite:
		return "writing information"
	case effectService:
		return "calling services"
	case effectCommand:
		return "triggering commands"
	}
	return "nothing"
}

var forbidden = map[Kind]map[effect]bool{
	KindCommandHandler: {effectWrite: true, effectCommand: true},
	KindReducer:        {effectRecord: true, effectRead: true, effectWrite: true, effectService: true, effectCommand: true},
	KindQueryResolver:  {effectRecord: true, effectWrite: true, effectCommand: true},
	KindPolicy:         {effectRecord: true},
	KindProjection:     {effectRecord: true, effectCommand: true},
}

// ParseKind checks a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := forbidden[k]; !ok {
		return "", errs.Validation("unknown program kind %q", s)
	}
	return k, nil
}

// Validate reports every rule in p that kind does not allow, joined into one
// validation error.
func Validate(p Program, kind Kind) error {
	deny, ok := forbidden[kind]
	if !ok {
		return errs.Validation("unknown program kind %q", kind)
	}
	v := &validator{deny: deny, kind: kind}
	v.program(context.Background(), "rules", p)
	if len(v.problems) == 0 {
		return nil
	}
	return errs.Wrap(errs.CodeValidation, errors.Join(v.problems...), "%s program", kind)
}

type validator struct {
	kind     Kind
	deny     map[effect]bool
	path     string
	problems []error
}

func (v *validator) program(ctx context.Context, path string, p Program) {
	for i, r := range p {
		saved := v.path
		v.path = fmt.Sprintf("%s[%d].%s", path, i, r.Kind())
		_ = r.Accept(ctx, v)
		v.path = saved
	}
}

func (v *validator) check(e effect) {
	if v.deny[e] {
		v.problems = append(v.problems, fmt.Errorf("%s: %s programs must not be %s", v.path, v.kind, e))
	}
}

func (v *validator) VisitIf(ctx context.Context, r If) error {
	v.program(ctx, v.path+".then", r.Then)
	v.program(ctx, v.path+".else", r.Else)
	return nil
}

func (v *validator) VisitExecuteRules(ctx context.Context, r ExecuteRules) error {
	v.program(ctx, v.path, r.Rules)
	return nil
}

func (v *validator) VisitForEach(ctx context.Context, r ForEach) error {
	v.program(ctx, v.path+".then", r.Then)
	return nil
}

func (v *validator) VisitAssignVariable(context.Context, AssignVariable) error { return nil }
func (v *validator) VisitRecordEvent(context.Context, RecordEvent) error {
	v.check(effectRecord)
	return nil
}
func (v *validator) VisitFindInformation(context.Context, FindInformation) error {
	v.check(effectRead)
	return nil
}
func (v *validator) VisitFindInformationByID(context.Context, FindInformationByID) error {
	v.check(effectRead)
	return nil
}
func (v *validator) VisitCountInformation(context.Context, CountInformation) error {
	v.check(effectRead)
	return nil
}
func (v *validator) VisitWriteInformation(context.Context, WriteInformation) error {
	v.check(effectWrite)
	return nil
}
func (v *validator) VisitCallService(context.Context, CallService) error {
	v.check(effectService)
	return nil
}
func (v *validator) VisitLookupUser(context.Context, LookupUser) error {
	v.check(effectService)
	return nil
}
func (v *validator) VisitLookupUsers(context.Context, LookupUsers) error {
	v.check(effectService)
	return nil
}
func (v *validator) VisitTriggerCommand(context.Context, TriggerCommand) error {
	v.check(effectCommand)
	return nil
}
func (v *validator) VisitThrowError(context.Context, ThrowError) error { return nil }
func (v *validator) VisitLogMessage(context.Context, LogMessage) error { return nil }

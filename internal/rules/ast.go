package rules

import (
	"context"

	"github.com/roach88/rulebox/internal/filter"
)

// Rule is one node of a rule program.
//
// This is a sealed interface: only types in this package implement it.
// Consumers dispatch through Accept, so adding a variant breaks every Visitor
// at compile time.
type Rule interface {
	// Kind is the variant name as it appears in program sources.
	Kind() string
	Accept(ctx context.Context, v Visitor) error
	ruleNode()
}

// Visitor has one method per Rule variant.
type Visitor interface {
	VisitIf(ctx context.Context, r If) error
	VisitExecuteRules(ctx context.Context, r ExecuteRules) error
	VisitForEach(ctx context.Context, r ForEach) error
	VisitAssignVariable(ctx context.Context, r AssignVariable) error
	VisitRecordEvent(ctx context.Context, r RecordEvent) error
	VisitFindInformation(ctx context.Context, r FindInformation) error
	VisitFindInformationByID(ctx context.Context, r FindInformationByID) error
	VisitCountInformation(ctx context.Context, r CountInformation) error
	VisitWriteInformation(ctx context.Context, r WriteInformation) error
	VisitCallService(ctx context.Context, r CallService) error
	VisitLookupUser(ctx context.Context, r LookupUser) error
	VisitLookupUsers(ctx context.Context, r LookupUsers) error
	VisitTriggerCommand(ctx context.Context, r TriggerCommand) error
	VisitThrowError(ctx context.Context, r ThrowError) error
	VisitLogMessage(ctx context.Context, r LogMessage) error
}

// Program is an ordered rule chain.
type Program []Rule

// Values typed `any` below are mappings: strings are expressions, maps and
// lists are evaluated element by element, other scalars are literals.

// If runs Then when Condition is truthy (falsy for ifNot), Else otherwise.
// With Stop set, the rest of the enclosing chain is skipped after the branch.
type If struct {
	Condition string
	Not       bool
	Then      Program
	Else      Program
	Stop      bool
}

// ExecuteRules runs a nested chain in a copy of the context and merges the
// result back.
type ExecuteRules struct {
	Rules Program
}

// ForEach runs Then once per element of Elements, in order. Variable (and
// Index, when set) are bound for each iteration.
type ForEach struct {
	Elements string
	Variable string
	Index    string
	Then     Program
}

// AssignVariable sets the dotted context path Name.
type AssignVariable struct {
	Name  string
	Value any
}

// RecordEvent creates an event through the factory and appends it to the
// recorded events of the current top-level rule.
type RecordEvent struct {
	Event   string
	Mapping any
	Meta    any
}

// FindInformation queries an information source. One returns the first
// match or null instead of a list.
type FindInformation struct {
	Information string
	Filter      any
	Skip        any
	Limit       any
	OrderBy     []filter.SortField
	Fields      []string
	One         bool
	Variable    string
}

// FindInformationByID loads one record. A missing record is a NotFound error
// unless Optional is set, which yields null.
type FindInformationByID struct {
	Information string
	ID          any
	Fields      []string
	Optional    bool
	Variable    string
}

// CountInformation counts matching records.
type CountInformation struct {
	Information string
	Filter      any
	Variable    string
}

// WriteOp selects the WriteInformation operation.
type WriteOp string

const (
	OpInsert WriteOp = "insert"
	OpUpsert WriteOp = "upsert"
	OpUpdate WriteOp = "update"
	OpDelete WriteOp = "delete"
)

// WriteInformation inserts, upserts, updates or deletes records. Update and
// delete address either one ID or every record matching Filter.
type WriteInformation struct {
	Op          WriteOp
	Information string
	ID          any
	Data        any
	Filter      any
}

// CallService invokes an external service and optionally stores its result.
type CallService struct {
	Service  string
	Options  any
	Variable string
}

// LookupUser resolves one user by id.
type LookupUser struct {
	ID       any
	Variable string
}

// LookupUsers resolves every user matching Filter.
type LookupUsers struct {
	Filter   any
	Variable string
}

// TriggerCommand enqueues a command. It does not wait for the command.
type TriggerCommand struct {
	Command string
	Payload any
	Meta    any
}

// ThrowError aborts the program with a rule execution error.
type ThrowError struct {
	Message any
	Code    string
}

// LogMessage writes a diagnostic through the interpreter's logger.
type LogMessage struct {
	Message any
	Level   string
}

func (r If) Accept(ctx context.Context, v Visitor) error           { return v.VisitIf(ctx, r) }
func (r ExecuteRules) Accept(ctx context.Context, v Visitor) error { return v.VisitExecuteRules(ctx, r) }
func (r ForEach) Accept(ctx context.Context, v Visitor) error      { return v.VisitForEach(ctx, r) }
func (r AssignVariable) Accept(ctx context.Context, v Visitor) error {
	return v.VisitAssignVariable(ctx, r)
}
func (r RecordEvent) Accept(ctx context.Context, v Visitor) error { return v.VisitRecordEvent(ctx, r) }
func (r FindInformation) Accept(ctx context.Context, v Visitor) error {
	return v.VisitFindInformation(ctx, r)
}
func (r FindInformationByID) Accept(ctx context.Context, v Visitor) error {
	return v.VisitFindInformationByID(ctx, r)
}
func (r CountInformation) Accept(ctx context.Context, v Visitor) error {
	return v.VisitCountInformation(ctx, r)
}
func (r WriteInformation) Accept(ctx context.Context, v Visitor) error {
	return v.VisitWriteInformation(ctx, r)
}
func (r CallService) Accept(ctx context.Context, v Visitor) error    { return v.VisitCallService(ctx, r) }
func (r LookupUser) Accept(ctx context.Context, v Visitor) error     { return v.VisitLookupUser(ctx, r) }
func (r LookupUsers) Accept(ctx context.Context, v Visitor) error    { return v.VisitLookupUsers(ctx, r) }
func (r TriggerCommand) Accept(ctx context.Context, v Visitor) error { return v.VisitTriggerCommand(ctx, r) }
func (r ThrowError) Accept(ctx context.Context, v Visitor) error     { return v.VisitThrowError(ctx, r) }
func (r LogMessage) Accept(ctx context.Context, v Visitor) error     { return v.VisitLogMessage(ctx, r) }

func (r If) Kind() string {
	if r.Not {
		return "ifNot"
	}
	return "if"
}
func (ExecuteRules) Kind() string   { return "executeRules" }
func (ForEach) Kind() string        { return "forEach" }
func (AssignVariable) Kind() string { return "assignVariable" }
func (RecordEvent) Kind() string    { return "recordEvent" }
func (r FindInformation) Kind() string {
	switch {
	case r.One && len(r.Fields) > 0:
		return "findOnePartialInformation"
	case r.One:
		return "findOneInformation"
	case len(r.Fields) > 0:
		return "findPartialInformation"
	}
	return "findInformation"
}
func (FindInformationByID) Kind() string { return "findInformationById" }
func (CountInformation) Kind() string    { return "countInformation" }
func (r WriteInformation) Kind() string  { return string(r.Op) + "Information" }
func (CallService) Kind() string         { return "callService" }
func (LookupUser) Kind() string          { return "lookupUser" }
func (LookupUsers) Kind() string         { return "lookupUsers" }
func (TriggerCommand) Kind() string      { return "triggerCommand" }
func (ThrowError) Kind() string          { return "throwError" }
func (LogMessage) Kind() string          { return "logMessage" }

func (If) ruleNode()                  {}
func (ExecuteRules) ruleNode()        {}
func (ForEach) ruleNode()             {}
func (AssignVariable) ruleNode()      {}
func (RecordEvent) ruleNode()         {}
func (FindInformation) ruleNode()     {}
func (FindInformationByID) ruleNode() {}
func (CountInformation) ruleNode()    {}
func (WriteInformation) ruleNode()    {}
func (CallService) ruleNode()         {}
func (LookupUser) ruleNode()          {}
func (LookupUsers) ruleNode()         {}
func (TriggerCommand) ruleNode()      {}
func (ThrowError) ruleNode()          {}
func (LogMessage) ruleNode()          {}

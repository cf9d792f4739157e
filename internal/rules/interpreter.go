package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/expr"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/services"
	"github.com/roach88/rulebox/internal/storage"
)

// RecordedEventsKey holds the events recorded by the running top-level rule.
// Expressions cannot see it.
const RecordedEventsKey = "__recordedEvents"

var logLevels = map[string]slog.Level{
	"":      slog.LevelInfo,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Dependencies resolves the capabilities a program may use. Unknown names
// are ServiceResolution errors. *services.Deps implements it.
type Dependencies interface {
	Information(name string) (services.Information, error)
	Service(name string) (services.External, error)
	Auth() (services.Auth, error)
	Commands() (services.CommandSink, error)
}

// Result is the outcome of a program run.
type Result struct {
	// Context is the final context, without recorded events.
	Context map[string]any
	// Events are the recorded events in recording order.
	Events []message.Event
}

// Interpreter runs rule programs. It is safe for concurrent use; every Run
// works on its own copy of the context.
type Interpreter struct {
	eval    expr.Evaluator
	factory *message.Factory
	logger  *slog.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger used by logMessage and for run diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// New creates an interpreter. recordEvent builds events through factory so
// their payloads are schema-checked.
func New(eval expr.Evaluator, factory *message.Factory, opts ...Option) *Interpreter {
	in := &Interpreter{eval: eval, factory: factory, logger: slog.Default()}
	if in.eval == nil {
		in.eval = expr.NewLua()
	}
	if in.factory == nil {
		in.factory = message.NewFactory(nil)
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// errStop ends the enclosing chain after an if rule with stop set.
var errStop = errors.New("stop")

// Run executes p against a copy of initial.
//
// Events recorded by a top-level rule are moved out of the context once that
// rule finishes, so each top-level rule starts with an empty recording. The
// first failing rule aborts the run.
func (in *Interpreter) Run(ctx context.Context, p Program, initial map[string]any, deps Dependencies) (*Result, error) {
	if deps == nil {
		deps = noDependencies{}
	}
	scope, err := canon.NormalizeMap(initial)
	if err != nil {
		return nil, errs.Validation("initial context: %v", err)
	}
	x := &executor{in: in, deps: deps, scope: canon.CloneMap(scope)}
	delete(x.scope, RecordedEventsKey)

	res := &Result{Events: []message.Event{}}
	for i, r := range p {
		x.path = fmt.Sprintf("rules[%d].%s", i, r.Kind())
		err := r.Accept(ctx, x)
		stop := errors.Is(err, errStop)
		if err != nil && !stop {
			return nil, err
		}
		res.Events = append(res.Events, x.takeEvents()...)
		if stop {
			break
		}
	}
	res.Context = x.scope
	return res, nil
}

// executor is the Visitor that runs rules against one scope.
type executor struct {
	in    *Interpreter
	deps  Dependencies
	scope map[string]any
	path  string
}

func (x *executor) child(scope map[string]any) *executor {
	return &executor{in: x.in, deps: x.deps, scope: scope, path: x.path}
}

func (x *executor) chain(ctx context.Context, path string, p Program) error {
	for i, r := range p {
		x.path = fmt.Sprintf("%s[%d].%s", path, i, r.Kind())
		err := r.Accept(ctx, x)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) takeEvents() []message.Event {
	events, _ := x.scope[RecordedEventsKey].([]message.Event)
	delete(x.scope, RecordedEventsKey)
	return events
}

func (x *executor) fail(err error, format string, args ...any) error {
	return errs.RuleExecution(err, "%s: %s", x.path, fmt.Sprintf(format, args...))
}

// wrap annotates a collaborator error with the rule path, keeping its code.
func (x *executor) wrap(err error) error {
	return fmt.Errorf("%s: %w", x.path, err)
}

func (x *executor) evaluate(ctx context.Context, expression string) (any, error) {
	v, err := x.in.eval.Evaluate(ctx, expression, x.scope)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, x.fail(err, "evaluate")
	}
	n, err := canon.Normalize(v)
	if err != nil {
		return nil, x.fail(err, "result of %q", expression)
	}
	return n, nil
}

// value evaluates a mapping.
func (x *executor) value(ctx context.Context, v any) (any, error) {
	switch m := v.(type) {
	case string:
		return x.evaluate(ctx, m)
	case map[string]any:
		out := make(map[string]any, len(m))
		for _, k := range canon.SortedKeys(m) {
			ev, err := x.value(ctx, m[k])
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(m))
		for i, item := range m {
			ev, err := x.value(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	return canon.Clone(v), nil
}

// object evaluates a mapping that must produce an object. An absent mapping
// is an empty object.
func (x *executor) object(ctx context.Context, what string, v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	ev, err := x.value(ctx, v)
	if err != nil {
		return nil, err
	}
	switch m := ev.(type) {
	case map[string]any:
		return m, nil
	case nil:
		return map[string]any{}, nil
	}
	return nil, x.fail(nil, "%s must be an object, got %s", what, typeName(ev))
}

func (x *executor) str(ctx context.Context, what string, v any) (string, error) {
	ev, err := x.value(ctx, v)
	if err != nil {
		return "", err
	}
	switch s := ev.(type) {
	case string:
		if s == "" {
			return "", x.fail(nil, "%s is empty", what)
		}
		return s, nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	}
	return "", x.fail(nil, "%s must be a string, got %s", what, typeName(ev))
}

func (x *executor) integer(ctx context.Context, what string, v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	ev, err := x.value(ctx, v)
	if err != nil {
		return 0, err
	}
	if ev == nil {
		return 0, nil
	}
	n, ok := canon.AsInt(ev)
	if !ok || n < 0 {
		return 0, x.fail(nil, "%s must be a non-negative integer, got %v", what, ev)
	}
	return int(n), nil
}

func (x *executor) criteria(ctx context.Context, v any) (filter.Filter, error) {
	m, err := x.object(ctx, "filter", v)
	if err != nil {
		return nil, err
	}
	f, err := filter.FromCriteria(m)
	if err != nil {
		return nil, x.fail(err, "filter")
	}
	return f, nil
}

func (x *executor) assign(name string, v any) error {
	if err := canon.SetPath(x.scope, name, v); err != nil {
		return x.fail(err, "assign %s", name)
	}
	return nil
}

func (x *executor) information(name string) (services.Information, error) {
	info, err := x.deps.Information(name)
	if err != nil {
		return nil, x.wrap(err)
	}
	return info, nil
}

func (x *executor) VisitIf(ctx context.Context, r If) error {
	self := x.path
	cond, err := x.evaluate(ctx, r.Condition)
	if err != nil {
		return err
	}
	if truthy(cond) != r.Not {
		if err := x.chain(ctx, self+".then", r.Then); err != nil {
			return err
		}
		if r.Stop {
			return errStop
		}
		return nil
	}
	return x.chain(ctx, self+".else", r.Else)
}

func (x *executor) VisitExecuteRules(ctx context.Context, r ExecuteRules) error {
	sub := x.child(canon.CloneMap(x.scope))
	if err := sub.chain(ctx, x.path, r.Rules); err != nil {
		return err
	}
	mergeInto(x.scope, sub.scope)
	return nil
}

func (x *executor) VisitForEach(ctx context.Context, r ForEach) error {
	self := x.path
	coll, err := x.evaluate(ctx, r.Elements)
	if err != nil {
		return err
	}

	type item struct {
		index any
		value any
	}
	var items []item
	switch c := coll.(type) {
	case nil:
	case []any:
		for i, v := range c {
			items = append(items, item{int64(i), v})
		}
	case map[string]any:
		for _, k := range canon.SortedKeys(c) {
			items = append(items, item{k, c[k]})
		}
	default:
		return x.fail(nil, "elements must be a list or an object, got %s", typeName(coll))
	}

	restore := saveVars(x.scope, r.Variable, r.Index)
	for i, it := range items {
		sub := x.child(canon.CloneMap(x.scope))
		sub.path = self
		if err := sub.assign(r.Variable, canon.Clone(it.value)); err != nil {
			return err
		}
		if r.Index != "" {
			if err := sub.assign(r.Index, it.index); err != nil {
				return err
			}
		}
		if err := sub.chain(ctx, fmt.Sprintf("%s.then(%d)", self, i), r.Then); err != nil {
			return err
		}
		mergeInto(x.scope, sub.scope)
	}
	restore(x.scope)
	return nil
}

func (x *executor) VisitAssignVariable(ctx context.Context, r AssignVariable) error {
	v, err := x.value(ctx, r.Value)
	if err != nil {
		return err
	}
	return x.assign(r.Name, v)
}

func (x *executor) VisitRecordEvent(ctx context.Context, r RecordEvent) error {
	payload, err := x.object(ctx, "mapping", r.Mapping)
	if err != nil {
		return err
	}
	meta, err := x.object(ctx, "meta", r.Meta)
	if err != nil {
		return err
	}
	ev, err := x.in.factory.NewEvent(r.Event, payload, meta)
	if err != nil {
		return x.wrap(err)
	}
	recorded, _ := x.scope[RecordedEventsKey].([]message.Event)
	x.scope[RecordedEventsKey] = append(slices.Clip(recorded), ev)
	return nil
}

func (x *executor) VisitFindInformation(ctx context.Context, r FindInformation) error {
	info, err := x.information(r.Information)
	if err != nil {
		return err
	}
	f, err := x.criteria(ctx, r.Filter)
	if err != nil {
		return err
	}
	skip, err := x.integer(ctx, "skip", r.Skip)
	if err != nil {
		return err
	}
	limit, err := x.integer(ctx, "limit", r.Limit)
	if err != nil {
		return err
	}
	if r.One {
		limit = 1
	}
	records, err := info.Find(ctx, f, storage.FindOptions{Skip: skip, Limit: limit, OrderBy: r.OrderBy, Fields: r.Fields})
	if err != nil {
		return x.wrap(err)
	}
	if r.One {
		if len(records) == 0 {
			return x.assign(r.Variable, nil)
		}
		return x.assign(r.Variable, records[0])
	}
	list := make([]any, len(records))
	for i, rec := range records {
		list[i] = rec
	}
	return x.assign(r.Variable, list)
}

func (x *executor) VisitFindInformationByID(ctx context.Context, r FindInformationByID) error {
	info, err := x.information(r.Information)
	if err != nil {
		return err
	}
	id, err := x.str(ctx, "id", r.ID)
	if err != nil {
		return err
	}
	rec, err := info.Get(ctx, id, r.Fields)
	if err != nil {
		if r.Optional && errs.IsNotFound(err) {
			return x.assign(r.Variable, nil)
		}
		return x.wrap(err)
	}
	return x.assign(r.Variable, rec)
}

func (x *executor) VisitCountInformation(ctx context.Context, r CountInformation) error {
	info, err := x.information(r.Information)
	if err != nil {
		return err
	}
	f, err := x.criteria(ctx, r.Filter)
	if err != nil {
		return err
	}
	n, err := info.Count(ctx, f)
	if err != nil {
		return x.wrap(err)
	}
	return x.assign(r.Variable, int64(n))
}

func (x *executor) VisitWriteInformation(ctx context.Context, r WriteInformation) error {
	info, err := x.information(r.Information)
	if err != nil {
		return err
	}
	var data map[string]any
	if r.Op != OpDelete {
		if data, err = x.object(ctx, "data", r.Data); err != nil {
			return err
		}
	}
	var id string
	if r.ID != nil {
		if id, err = x.str(ctx, "id", r.ID); err != nil {
			return err
		}
	}
	var f filter.Filter
	if r.Filter != nil {
		if f, err = x.criteria(ctx, r.Filter); err != nil {
			return err
		}
	}

	switch {
	case r.Op == OpInsert:
		err = info.Insert(ctx, id, data)
	case r.Op == OpUpsert:
		err = info.Upsert(ctx, id, data)
	case r.Op == OpUpdate && f == nil:
		err = info.UpdateByID(ctx, id, data)
	case r.Op == OpUpdate:
		err = info.Update(ctx, f, data)
	case r.Op == OpDelete && f == nil:
		err = info.DeleteByID(ctx, id)
	case r.Op == OpDelete:
		err = info.Delete(ctx, f)
	default:
		return x.fail(nil, "unknown write %q", r.Op)
	}
	if err != nil {
		return x.wrap(err)
	}
	return nil
}

func (x *executor) VisitCallService(ctx context.Context, r CallService) error {
	svc, err := x.deps.Service(r.Service)
	if err != nil {
		return x.wrap(err)
	}
	options, err := x.object(ctx, "options", r.Options)
	if err != nil {
		return err
	}
	out, err := svc.Call(ctx, options)
	if err != nil {
		return x.wrap(err)
	}
	if r.Variable == "" {
		return nil
	}
	n, err := canon.Normalize(out)
	if err != nil {
		return x.fail(err, "result of service %s", r.Service)
	}
	return x.assign(r.Variable, n)
}

func (x *executor) VisitLookupUser(ctx context.Context, r LookupUser) error {
	auth, err := x.deps.Auth()
	if err != nil {
		return x.wrap(err)
	}
	id, err := x.str(ctx, "id", r.ID)
	if err != nil {
		return err
	}
	u, err := auth.GetUser(ctx, id)
	if err != nil {
		return x.wrap(err)
	}
	return x.assign(r.Variable, u)
}

func (x *executor) VisitLookupUsers(ctx context.Context, r LookupUsers) error {
	auth, err := x.deps.Auth()
	if err != nil {
		return x.wrap(err)
	}
	f, err := x.criteria(ctx, r.Filter)
	if err != nil {
		return err
	}
	users, err := auth.FindUsers(ctx, f)
	if err != nil {
		return x.wrap(err)
	}
	list := make([]any, len(users))
	for i, u := range users {
		list[i] = u
	}
	return x.assign(r.Variable, list)
}

func (x *executor) VisitTriggerCommand(ctx context.Context, r TriggerCommand) error {
	sink, err := x.deps.Commands()
	if err != nil {
		return x.wrap(err)
	}
	payload, err := x.object(ctx, "payload", r.Payload)
	if err != nil {
		return err
	}
	meta, err := x.object(ctx, "meta", r.Meta)
	if err != nil {
		return err
	}
	if err := sink.Enqueue(ctx, r.Command, payload, meta); err != nil {
		return x.wrap(err)
	}
	return nil
}

func (x *executor) VisitThrowError(ctx context.Context, r ThrowError) error {
	v, err := x.value(ctx, r.Message)
	if err != nil {
		return err
	}
	msg, ok := v.(string)
	if !ok {
		msg = fmt.Sprint(v)
	}
	e := errs.RuleExecution(nil, "%s", msg).With("rule", x.path)
	if r.Code != "" {
		e = e.With("code", r.Code)
	}
	return e
}

func (x *executor) VisitLogMessage(ctx context.Context, r LogMessage) error {
	v, err := x.value(ctx, r.Message)
	if err != nil {
		return err
	}
	msg, ok := v.(string)
	if !ok {
		msg = fmt.Sprint(v)
	}
	x.in.logger.Log(ctx, logLevels[r.Level], msg, "rule", x.path)
	return nil
}

// truthy follows Lua: only nil and false are false.
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	}
	return true
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// saveVars records the current values of the loop paths and returns a
// function that puts them back.
func saveVars(scope map[string]any, paths ...string) func(map[string]any) {
	type saved struct {
		path    string
		value   any
		present bool
	}
	var vars []saved
	for _, p := range paths {
		if p == "" {
			continue
		}
		v, ok := canon.GetPath(scope, p)
		vars = append(vars, saved{p, canon.Clone(v), ok})
	}
	return func(scope map[string]any) {
		for _, s := range vars {
			if s.present {
				_ = canon.SetPath(scope, s.path, s.value)
			} else {
				canon.DeletePath(scope, s.path)
			}
		}
	}
}

type noDependencies struct{}

func (noDependencies) Information(name string) (services.Information, error) {
	return nil, errs.ServiceResolution(services.KindInformation, name)
}

func (noDependencies) Service(name string) (services.External, error) {
	return nil, errs.ServiceResolution(services.KindExternal, name)
}

func (noDependencies) Auth() (services.Auth, error) {
	return nil, errs.ServiceResolution(services.KindAuth, "default")
}

func (noDependencies) Commands() (services.CommandSink, error) {
	return nil, errs.ServiceResolution(services.KindCommands, "queue")
}

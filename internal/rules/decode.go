package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
)

// Decode builds a Program from its data form: a list of single-key objects,
// each key naming a variant.
//
//	[
//	  {"assignVariable": {"name": "state.count", "value": "state.count + 1"}},
//	  {"if": {"condition": "payload.productionYear == nil",
//	          "then": [{"recordEvent": {"event": "IncompleteCarAdded", "mapping": "payload"}}],
//	          "stop": true}},
//	]
//
// Decoding is strict: unknown variants and unknown keys are validation errors
// naming their position, e.g. "rules[1].if.then[0]".
func Decode(v any) (Program, error) {
	n, err := canon.Normalize(v)
	if err != nil {
		return nil, errs.Validation("rules: %v", err)
	}
	return decodeProgram("rules", n)
}

// DecodeRule decodes a single rule object.
func DecodeRule(v any) (Rule, error) {
	n, err := canon.Normalize(v)
	if err != nil {
		return nil, errs.Validation("rule: %v", err)
	}
	return decodeRule("rule", n)
}

func decodeProgram(path string, v any) (Program, error) {
	if v == nil {
		return Program{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errs.Validation("%s: expected a list of rules, got %s", path, typeName(v))
	}
	prog := make(Program, 0, len(list))
	for i, item := range list {
		r, err := decodeRule(fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		prog = append(prog, r)
	}
	return prog, nil
}

func decodeRule(path string, v any) (Rule, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.Validation("%s: expected a rule object, got %s", path, typeName(v))
	}
	if len(m) != 1 {
		return nil, errs.Validation("%s: a rule object has exactly one key, got %s", path, strings.Join(canon.SortedKeys(m), ", "))
	}
	var kind string
	for k := range m {
		kind = k
	}
	path += "." + kind
	raw := m[kind]

	if kind == "executeRules" {
		prog, err := decodeProgram(path, raw)
		if err != nil {
			return nil, err
		}
		return ExecuteRules{Rules: prog}, nil
	}

	decode, ok := decoders[kind]
	if !ok {
		return nil, errs.Validation("%s: unknown rule", path)
	}
	body, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.Validation("%s: expected an object, got %s", path, typeName(raw))
	}
	b := &reader{path: path, m: body, used: make(map[string]bool, len(body))}
	r := decode(b)
	if err := b.finish(); err != nil {
		return nil, err
	}
	return r, nil
}

var decoders map[string]func(b *reader) Rule

func init() {
	decoders = map[string]func(b *reader) Rule{
		"if":    func(b *reader) Rule { return decodeIf(b, false) },
		"ifNot": func(b *reader) Rule { return decodeIf(b, true) },
		"forEach": func(b *reader) Rule {
			return ForEach{
				Elements: b.str("elements", true),
				Variable: b.name("variable", true),
				Index:    b.name("index", false),
				Then:     b.program("then"),
			}
		},
		"assignVariable": func(b *reader) Rule {
			name := b.str("name", true)
			if name != "" && !filter.ValidField(name) {
				b.fail("name %q is not a dotted path", name)
			}
			if strings.HasPrefix(name, RecordedEventsKey) {
				b.fail("name %q is reserved", name)
			}
			return AssignVariable{Name: name, Value: b.value("value", true)}
		},
		"recordEvent": func(b *reader) Rule {
			return RecordEvent{Event: b.str("event", true), Mapping: b.value("mapping", true), Meta: b.value("meta", false)}
		},
		"findInformation":           func(b *reader) Rule { return decodeFind(b, false, false) },
		"findOneInformation":        func(b *reader) Rule { return decodeFind(b, true, false) },
		"findPartialInformation":    func(b *reader) Rule { return decodeFind(b, false, true) },
		"findOnePartialInformation": func(b *reader) Rule { return decodeFind(b, true, true) },
		"findInformationById": func(b *reader) Rule {
			return FindInformationByID{
				Information: b.str("information", true),
				ID:          b.value("id", true),
				Fields:      b.fields("fields"),
				Optional:    b.boolean("optional"),
				Variable:    b.name("variable", true),
			}
		},
		"countInformation": func(b *reader) Rule {
			return CountInformation{
				Information: b.str("information", true),
				Filter:      b.value("filter", false),
				Variable:    b.name("variable", true),
			}
		},
		"insertInformation": func(b *reader) Rule { return decodeWrite(b, OpInsert) },
		"upsertInformation": func(b *reader) Rule { return decodeWrite(b, OpUpsert) },
		"updateInformation": func(b *reader) Rule { return decodeWrite(b, OpUpdate) },
		"deleteInformation": func(b *reader) Rule { return decodeWrite(b, OpDelete) },
		"callService": func(b *reader) Rule {
			return CallService{Service: b.str("service", true), Options: b.value("options", false), Variable: b.name("variable", false)}
		},
		"lookupUser": func(b *reader) Rule {
			return LookupUser{ID: b.value("id", true), Variable: b.name("variable", true)}
		},
		"lookupUsers": func(b *reader) Rule {
			return LookupUsers{Filter: b.value("filter", false), Variable: b.name("variable", true)}
		},
		"triggerCommand": func(b *reader) Rule {
			return TriggerCommand{Command: b.str("command", true), Payload: b.value("payload", false), Meta: b.value("meta", false)}
		},
		"throwError": func(b *reader) Rule {
			return ThrowError{Message: b.value("message", true), Code: b.str("code", false)}
		},
		"logMessage": func(b *reader) Rule {
			level := b.str("level", false)
			if _, ok := logLevels[level]; !ok {
				b.fail("unknown level %q", level)
			}
			return LogMessage{Message: b.value("message", true), Level: level}
		},
	}
}

func decodeIf(b *reader, not bool) Rule {
	return If{
		Condition: b.str("condition", true),
		Not:       not,
		Then:      b.program("then"),
		Else:      b.program("else"),
		Stop:      b.boolean("stop"),
	}
}

func decodeFind(b *reader, one, partial bool) Rule {
	r := FindInformation{
		Information: b.str("information", true),
		Filter:      b.value("filter", false),
		Skip:        b.value("skip", false),
		Limit:       b.value("limit", false),
		OrderBy:     b.orderBy("orderBy"),
		Fields:      b.fields("fields"),
		One:         one || b.boolean("one"),
		Variable:    b.name("variable", true),
	}
	if partial && len(r.Fields) == 0 {
		b.fail("fields are required")
	}
	return r
}

func decodeWrite(b *reader, op WriteOp) Rule {
	r := WriteInformation{
		Op:          op,
		Information: b.str("information", true),
		ID:          b.value("id", false),
		Data:        b.value("data", op != OpDelete),
		Filter:      b.value("filter", false),
	}
	switch op {
	case OpInsert, OpUpsert:
		if r.ID == nil {
			b.fail("id is required")
		}
		if r.Filter != nil {
			b.fail("filter is not allowed")
		}
	default:
		if (r.ID == nil) == (r.Filter == nil) {
			b.fail("exactly one of id and filter is required")
		}
	}
	if op == OpDelete && r.Data != nil {
		b.fail("data is not allowed")
	}
	return r
}

// reader reads the keys of one rule body and keeps the first error.
type reader struct {
	path string
	m    map[string]any
	used map[string]bool
	err  error
}

func (b *reader) fail(format string, args ...any) {
	if b.err == nil {
		b.err = errs.Validation("%s: %s", b.path, fmt.Sprintf(format, args...))
	}
}

func (b *reader) get(key string, required bool) (any, bool) {
	b.used[key] = true
	v, ok := b.m[key]
	if !ok || v == nil {
		if required {
			b.fail("%s is required", key)
		}
		return nil, false
	}
	return v, true
}

func (b *reader) value(key string, required bool) any {
	v, _ := b.get(key, required)
	return v
}

func (b *reader) str(key string, required bool) string {
	v, ok := b.get(key, required)
	if !ok {
		return ""
	}
	s, isStr := v.(string)
	if !isStr {
		b.fail("%s: expected a string, got %s", key, typeName(v))
		return ""
	}
	if required && strings.TrimSpace(s) == "" {
		b.fail("%s must not be empty", key)
	}
	return s
}

// name reads a context variable name.
func (b *reader) name(key string, required bool) string {
	s := b.str(key, required)
	if s != "" && (!filter.ValidField(s) || strings.HasPrefix(s, RecordedEventsKey)) {
		b.fail("%s: invalid variable name %q", key, s)
	}
	return s
}

func (b *reader) boolean(key string) bool {
	v, ok := b.get(key, false)
	if !ok {
		return false
	}
	flag, isBool := v.(bool)
	if !isBool {
		b.fail("%s: expected a boolean, got %s", key, typeName(v))
	}
	return flag
}

func (b *reader) program(key string) Program {
	v, _ := b.get(key, false)
	if b.err != nil {
		return nil
	}
	prog, err := decodeProgram(b.path+"."+key, v)
	if err != nil {
		b.err = err
	}
	return prog
}

func (b *reader) fields(key string) []string {
	v, ok := b.get(key, false)
	if !ok {
		return nil
	}
	list, isList := v.([]any)
	if !isList {
		b.fail("%s: expected a list of fields, got %s", key, typeName(v))
		return nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		f, isStr := item.(string)
		if !isStr || !filter.ValidField(f) {
			b.fail("%s[%d]: invalid field %v", key, i, item)
			return nil
		}
		out = append(out, f)
	}
	return out
}

// orderBy accepts "field", "-field", {"field": "year", "order": "desc"}, or a
// list of those.
func (b *reader) orderBy(key string) []filter.SortField {
	v, ok := b.get(key, false)
	if !ok {
		return nil
	}
	items, isList := v.([]any)
	if !isList {
		items = []any{v}
	}
	out := make([]filter.SortField, 0, len(items))
	for i, item := range items {
		sf, err := sortField(item)
		if err != nil {
			b.fail("%s[%d]: %v", key, i, err)
			return nil
		}
		out = append(out, sf)
	}
	return out
}

func sortField(v any) (filter.SortField, error) {
	switch x := v.(type) {
	case string:
		sf := filter.SortField{Field: x, Order: filter.Asc}
		if rest, ok := strings.CutPrefix(x, "-"); ok {
			sf = filter.SortField{Field: rest, Order: filter.Desc}
		}
		if !filter.ValidField(sf.Field) {
			return sf, fmt.Errorf("invalid field %q", sf.Field)
		}
		return sf, nil
	case map[string]any:
		field, _ := x["field"].(string)
		if !filter.ValidField(field) {
			return filter.SortField{}, fmt.Errorf("invalid field %v", x["field"])
		}
		for k := range x {
			if k != "field" && k != "order" {
				return filter.SortField{}, fmt.Errorf("unknown key %q", k)
			}
		}
		order, err := filter.ParseSortOrder(x["order"])
		if err != nil {
			return filter.SortField{}, err
		}
		return filter.SortField{Field: field, Order: order}, nil
	}
	return filter.SortField{}, fmt.Errorf("expected a field or an object, got %s", typeName(v))
}

func (b *reader) finish() error {
	if b.err != nil {
		return b.err
	}
	var unknown []string
	for k := range b.m {
		if !b.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errs.Validation("%s: unknown keys %s", b.path, strings.Join(unknown, ", "))
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

package expr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Shopify/go-lua"
)

// arrayMeta marks tables that must convert back to lists, so empty lists
// survive a round trip through Lua.
const arrayMeta = "rulebox.array"

// Reserved variables are not exposed to expressions.
const reservedPrefix = "__"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Lua evaluates expressions as Lua 5.2 expressions: the text is compiled as
// "return <expression>".
//
// Every non-reserved variable whose name is a Lua identifier becomes a global.
// All non-reserved variables are also reachable through the "vars" table,
// e.g. vars["odd-name"].
//
// Prelude functions:
//
//	list(a, b, ...)    new list
//	append(l, v, ...)  copy of l with values appended
//	merge(a, b, ...)   shallow merge of tables, later wins
//	keys(t)            sorted list of t's keys
//	count(t), len(t)   number of entries in t
//	contains(l, v)     whether list l holds v
//
// Numbers are Lua floats. Integers outside ±2^53 are rejected, since they
// would not survive the round trip exactly.
//
// A running expression checks ctx every hookInterval instructions and fails
// once ctx is done, so a loop in an expression cannot outlive its deadline.
type Lua struct{}

// hookInterval is the instruction count between ctx checks.
const hookInterval = 1000

// maxExactInt is the largest integer magnitude a float64 holds exactly.
const maxExactInt = 1 << 53

// NewLua creates a Lua evaluator.
func NewLua() *Lua {
	return &Lua{}
}

// Evaluate implements Evaluator.
func (e *Lua) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(expression) == "" {
		return nil, &Error{Expression: expression, Err: errors.New("empty expression")}
	}

	l := newState()
	if err := bindVars(l, vars); err != nil {
		return nil, &Error{Expression: expression, Err: err}
	}

	if err := lua.LoadString(l, "return "+expression); err != nil {
		return nil, &Error{Expression: expression, Err: fmt.Errorf("syntax: %w", err)}
	}
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if err := ctx.Err(); err != nil {
			lua.Errorf(l, "%s", err.Error())
		}
	}, lua.MaskCount, hookInterval)
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Expression: expression, Err: ctxErr}
		}
		return nil, &Error{Expression: expression, Err: err}
	}

	v, err := toGo(l, -1, 0)
	l.Pop(1)
	if err != nil {
		return nil, &Error{Expression: expression, Err: err}
	}
	return v, nil
}

func newState() *lua.State {
	l := lua.NewState()
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		l.PushNil()
		l.SetGlobal(unsafe)
	}

	lua.NewMetaTable(l, arrayMeta)
	l.Pop(1)

	for name, fn := range prelude {
		l.PushGoFunction(fn)
		l.SetGlobal(name)
	}
	return l
}

func bindVars(l *lua.State, vars map[string]any) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !strings.HasPrefix(k, reservedPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	l.CreateTable(0, len(keys))
	for _, k := range keys {
		if err := push(l, vars[k], 0); err != nil {
			return fmt.Errorf("variable %q: %w", k, err)
		}
		l.SetField(-2, k)
	}
	l.SetGlobal("vars")

	for _, k := range keys {
		if !identPattern.MatchString(k) {
			continue
		}
		if err := push(l, vars[k], 0); err != nil {
			return fmt.Errorf("variable %q: %w", k, err)
		}
		l.SetGlobal(k)
	}
	return nil
}

const maxDepth = 64

func push(l *lua.State, v any, depth int) error {
	if depth > maxDepth {
		return errors.New("value nested too deeply")
	}
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case string:
		l.PushString(x)
	case int64:
		if x > maxExactInt || x < -maxExactInt {
			return fmt.Errorf("integer %d exceeds the exact range of Lua numbers (±2^53)", x)
		}
		l.PushNumber(float64(x))
	case int:
		return push(l, int64(x), depth)
	case float64:
		l.PushNumber(x)
	case []any:
		l.CreateTable(len(x), 0)
		for i, elem := range x {
			if err := push(l, elem, depth+1); err != nil {
				return err
			}
			l.RawSetInt(-2, i+1)
		}
		lua.SetMetaTableNamed(l, arrayMeta)
	case map[string]any:
		l.CreateTable(0, len(x))
		for k, elem := range x {
			if err := push(l, elem, depth+1); err != nil {
				return err
			}
			l.SetField(-2, k)
		}
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}

func toGo(l *lua.State, index, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errors.New("result nested too deeply")
	}
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		f, _ := l.ToNumber(index)
		return normalizeNumber(f), nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeTable:
		return tableToGo(l, index, depth)
	default:
		return nil, fmt.Errorf("cannot convert lua %s to a value", lua.TypeNameOf(l, index))
	}
}

func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return int64(f)
	}
	return f
}

func isMarkedArray(l *lua.State, index int) bool {
	if !l.MetaTable(index) {
		return false
	}
	lua.MetaTableNamed(l, arrayMeta)
	marked := l.RawEqual(-1, -2)
	l.Pop(2)
	return marked
}

func tableToGo(l *lua.State, index, depth int) (any, error) {
	index = l.AbsIndex(index)
	marked := isMarkedArray(l, index)

	count, maxIndex := 0, 0
	sequence := true
	l.PushNil()
	for l.Next(index) {
		count++
		if l.TypeOf(-2) == lua.TypeNumber {
			n, _ := l.ToNumber(-2)
			if n >= 1 && n == math.Trunc(n) {
				if int(n) > maxIndex {
					maxIndex = int(n)
				}
			} else {
				sequence = false
			}
		} else {
			sequence = false
		}
		l.Pop(1)
	}

	if marked || (sequence && count > 0 && maxIndex == count) {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			v, err := toGo(l, -1, depth+1)
			l.Pop(1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i-1, err)
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	l.PushNil()
	for l.Next(index) {
		var key string
		switch l.TypeOf(-2) {
		case lua.TypeString:
			key, _ = l.ToString(-2)
		case lua.TypeNumber:
			// ToString would convert the key in place and break Next.
			n, _ := l.ToNumber(-2)
			key = strconv.FormatFloat(n, 'f', -1, 64)
		default:
			name := lua.TypeNameOf(l, -2)
			l.Pop(2)
			return nil, fmt.Errorf("unsupported table key type %s", name)
		}
		v, err := toGo(l, -1, depth+1)
		if err != nil {
			l.Pop(2)
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		out[key] = v
		l.Pop(1)
	}
	return out, nil
}

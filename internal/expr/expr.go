// Package expr evaluates the expressions embedded in rule programs.
//
// The interpreter treats the evaluator as a pure function of
// (expression, variables). The only implementation is Lua, backed by
// github.com/Shopify/go-lua: each call runs in a fresh interpreter state with
// the base, string, table and math libraries, so expressions cannot observe
// each other or touch the filesystem.
package expr

import (
	"context"
	"fmt"
)

// Evaluator evaluates one expression against a set of variables.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// Func adapts a plain function to Evaluator.
type Func func(ctx context.Context, expression string, vars map[string]any) (any, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	return f(ctx, expression, vars)
}

// Error reports a failed evaluation.
type Error struct {
	Expression string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expression, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

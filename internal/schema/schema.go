// Package schema validates message payloads against CUE schemas.
//
// A Registry owns one *cue.Context. CUE values can only be unified with values
// from the same context, so program loaders that build schemas from CUE files
// must compile them through Registry.Context.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/rulebox/internal/errs"
)

// Registry maps schema names to CUE values.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so every
// operation that touches CUE values holds the registry mutex.
type Registry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewRegistry creates an empty registry with its own CUE context.
func NewRegistry() *Registry {
	return NewRegistryWithContext(cuecontext.New())
}

// NewRegistryWithContext creates a registry sharing an existing CUE context.
func NewRegistryWithContext(ctx *cue.Context) *Registry {
	return &Registry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
}

// Context returns the CUE context schemas must be built with.
func (r *Registry) Context() *cue.Context {
	return r.ctx
}

// Register compiles CUE source and stores it under name.
//
//	reg.Register("CarAdded", `{vehicleId: string, brand: string, productionYear?: int}`)
func (r *Registry) Register(name, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := v.Err(); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "compile schema %q", name)
	}
	r.schemas[name] = v
	return nil
}

// RegisterValue stores an already built value. It must come from Context().
func (r *Registry) RegisterValue(name string, v cue.Value) error {
	if err := v.Err(); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "schema %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[name] = v
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schemas[name]
	return ok
}

// Names returns the registered schema names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	return names
}

// Validate checks data against the schema registered under name.
//
// The data must be concrete once unified with the schema: required fields
// missing from data fail validation. An unknown name is a validation error.
func (r *Registry) Validate(name string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[name]
	if !ok {
		return errs.Validation("no schema registered for %q", name)
	}

	dv := r.ctx.Encode(data)
	if err := dv.Err(); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "encode %q payload", name)
	}

	unified := s.Unify(dv)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &errs.Error{
			Code:    errs.CodeValidation,
			Message: fmt.Sprintf("%s payload does not match schema", name),
			Details: map[string]any{"schema": name, "violations": violations(err)},
			Err:     err,
		}
	}
	return nil
}

// violations flattens a CUE error list into stable, position-free messages.
func violations(err error) []any {
	var out []any
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := strings.Join(e.Path(), "."); path != "" {
			msg = path + ": " + msg
		}
		out = append(out, msg)
	}
	return out
}

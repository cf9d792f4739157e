package compiler

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rulebox/internal/errs"
)

// CompileError is a problem at one location of a program.
type CompileError struct {
	// Path is the dotted location, e.g. aggregates.Car.commands.AddCar.handler.
	Path    string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Is makes every CompileError a validation error.
func (e *CompileError) Is(target error) bool {
	return target == errs.ErrValidation
}

// CompileErrors returns the CompileErrors joined into err.
func CompileErrors(err error) []*CompileError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*CompileError
		for _, e := range joined.Unwrap() {
			out = append(out, CompileErrors(e)...)
		}
		return out
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		return []*CompileError{ce}
	}
	return nil
}

// cueError converts a CUE error into a CompileError at the value path and
// position of its first entry. path is used when the entry has no path.
func cueError(path string, err error) *CompileError {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &CompileError{Path: path, Message: err.Error()}
	}
	first := list[0]
	if p := strings.Join(first.Path(), "."); p != "" {
		path = p
	}
	format, args := first.Msg()
	ce := &CompileError{Path: path, Message: fmt.Sprintf(format, args...)}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

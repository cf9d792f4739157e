// Package errs defines the error taxonomy shared by every rulebox layer.
//
// All domain failures are *Error values carrying a Code. Sentinels such as
// ErrConflict match any *Error with the same code, so callers can test with
// errors.Is even after the error has been wrapped with fmt.Errorf("...: %w").
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes an error.
type Code string

const (
	// CodeValidation: a payload failed its schema or a definition is malformed.
	// Raised before any persistence.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound: the referenced aggregate, document or message is absent.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict: optimistic version mismatch. Retryable.
	CodeConflict Code = "CONCURRENCY_CONFLICT"

	// CodeDuplicate: creating something that already exists (document id,
	// unique index value, or a newAggregate command on an existing aggregate).
	CodeDuplicate Code = "DUPLICATE"

	// CodeRuleExecution: throwError rule or an expression evaluation failure.
	CodeRuleExecution Code = "RULE_EXECUTION"

	// CodeServiceResolution: an information, auth or external service name is
	// not registered.
	CodeServiceResolution Code = "SERVICE_RESOLUTION"
)

// Error is the structured error used across rulebox.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details contains additional context (field paths, versions, names).
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is matching by code.
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrDuplicate         = &Error{Code: CodeDuplicate}
	ErrRuleExecution     = &Error{Code: CodeRuleExecution}
	ErrServiceResolution = &Error{Code: CodeServiceResolution}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a CodeValidation error.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound creates a CodeNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// Conflict creates a CodeConflict error for a version mismatch.
func Conflict(subject string, expected, actual int64) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s: expected version %d, found %d", subject, expected, actual),
		Details: map[string]any{"expected": expected, "actual": actual},
	}
}

// Duplicate creates a CodeDuplicate error.
func Duplicate(format string, args ...any) *Error {
	return New(CodeDuplicate, format, args...)
}

// RuleExecution creates a CodeRuleExecution error.
func RuleExecution(err error, format string, args ...any) *Error {
	return Wrap(CodeRuleExecution, err, format, args...)
}

// ServiceResolution creates a CodeServiceResolution error.
func ServiceResolution(kind, name string) *Error {
	return &Error{
		Code:    CodeServiceResolution,
		Message: fmt.Sprintf("no %s service registered under %q", kind, name),
		Details: map[string]any{"kind": kind, "name": name},
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// DetailsOf returns the details of the first *Error in err's chain.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsDuplicate reports whether err is a duplicate-creation error.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }

// IsRuleExecution reports whether err came from rule execution.
func IsRuleExecution(err error) bool { return errors.Is(err, ErrRuleExecution) }

// IsServiceResolution reports whether err is an unresolved service name.
func IsServiceResolution(err error) bool { return errors.Is(err, ErrServiceResolution) }

// Retryable reports whether re-running the operation from a fresh load may
// succeed.
func Retryable(err error) bool {
	return IsConflict(err)
}

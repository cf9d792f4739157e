package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/rulebox/internal/errs"
)

// RuntimeError is a command rejected by the cascade guard.
//
// Runtime errors are returned from the command sink handed to policies, so
// the triggering policy fails and the dispatcher logs it. Nothing is
// enqueued.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Correlation identifies the affected command cascade.
	Correlation string

	// Command is the rejected command name.
	Command string

	// PayloadHash is the canonical checksum of the rejected payload (cycle
	// errors only).
	PayloadHash string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCycleDetected: the same (command, payload) was already triggered
	// in the correlation.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeQuotaExceeded: the correlation exceeded max_cascade commands.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Correlation != "" && e.Command != "" {
		return fmt.Sprintf("%s: %s (correlation=%s, command=%s)", e.Code, e.Message, e.Correlation, e.Command)
	}
	if e.Correlation != "" {
		return fmt.Sprintf("%s: %s (correlation=%s)", e.Code, e.Message, e.Correlation)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCycleError reports whether err is a cycle detection error.
func IsCycleError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeCycleDetected
	}
	return false
}

// IsQuotaError reports whether err is a cascade quota error.
func IsQuotaError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeQuotaExceeded
	}
	return false
}

// NewCycleError creates a RuntimeError for cycle detection.
func NewCycleError(correlation, command, payloadHash string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeCycleDetected,
		Message:     "command with the same payload already triggered in this correlation",
		Correlation: correlation,
		Command:     command,
		PayloadHash: payloadHash,
	}
}

// NewQuotaError creates a RuntimeError for an exceeded cascade quota.
func NewQuotaError(correlation, command string, steps, maxSteps int) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeQuotaExceeded,
		Message:     fmt.Sprintf("correlation exceeded max cascade (%d > %d)", steps, maxSteps),
		Correlation: correlation,
		Command:     command,
		Details: map[string]string{
			"steps":       fmt.Sprintf("%d", steps),
			"max_cascade": fmt.Sprintf("%d", maxSteps),
		},
	}
}

var errEngineStopped = errors.New("engine stopped: command queue closed")

func errUnknownCommand(name string) error {
	return errs.Validation("unknown command %q", name)
}

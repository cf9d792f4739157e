package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
)

// marshalJSON converts a canonical object to canonical JSON TEXT for storage.
func marshalJSON(what string, v map[string]any) (string, error) {
	normalized, err := canon.NormalizeMap(v)
	if err != nil {
		return "", errs.Wrap(errs.CodeValidation, err, "marshal %s", what)
	}
	data, err := canon.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

// unmarshalJSON parses JSON TEXT. Integers decode as int64.
func unmarshalJSON(what, data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	m, err := canon.DecodeMap([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", s, err)
	}
	return t.UTC(), nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapWriteError turns constraint failures into Duplicate errors.
func mapWriteError(err error, format string, args ...any) error {
	if isUniqueViolation(err) {
		return errs.Wrap(errs.CodeDuplicate, err, format, args...)
	}
	return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
}

package filter

import (
	"fmt"
	"regexp"

	"github.com/roach88/rulebox/internal/errs"
)

var (
	namePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)
)

// ValidName reports whether s is usable as a collection, stream or index name.
// Names are embedded in backend DDL and collection names, so the alphabet is
// restricted.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ValidField reports whether path is a well-formed dotted field path.
func ValidField(path string) bool {
	return fieldPattern.MatchString(path)
}

func validateField(path string) error {
	if path == "" {
		return errs.Validation("field is required")
	}
	if !ValidField(path) {
		return errs.Validation("invalid field path %q", path)
	}
	return nil
}

// Validate checks a filter tree for malformed fields and missing children.
// A nil filter is valid and means "match everything".
func Validate(f Filter) error {
	if f == nil {
		return nil
	}
	return f.ProcessWith(validator{})
}

type validator struct{}

func (validator) ProcessEquals(f Equals) error { return validateField(f.Field) }
func (validator) ProcessExists(f Exists) error { return validateField(f.Field) }
func (validator) ProcessAny(Any) error         { return nil }

func (validator) ProcessIn(f In) error {
	return validateField(f.Field)
}

func (validator) ProcessCompare(f Compare) error {
	if err := validateField(f.Field); err != nil {
		return err
	}
	switch f.Op {
	case OpGt, OpGte, OpLt, OpLte:
	default:
		return errs.Validation("field %q: unknown comparison %q", f.Field, f.Op)
	}
	switch f.Value.(type) {
	case string, int64, int, float64, bool:
		return nil
	}
	return errs.Validation("field %q: cannot order by %T", f.Field, f.Value)
}

func (validator) ProcessContains(f Contains) error { return validateField(f.Field) }

func (validator) ProcessLike(f Like) error { return validateField(f.Field) }

func (v validator) ProcessAnd(f And) error { return v.children("and", f.Filters) }
func (v validator) ProcessOr(f Or) error   { return v.children("or", f.Filters) }

func (v validator) ProcessNot(f Not) error {
	if f.Filter == nil {
		return errs.Validation("not: child filter is required")
	}
	return f.Filter.ProcessWith(v)
}

func (validator) ProcessDocID(f DocID) error {
	if f.ID == "" {
		return errs.Validation("doc id filter: id is required")
	}
	return nil
}

func (validator) ProcessDocIDs(DocIDs) error { return nil }

func (v validator) children(op string, filters []Filter) error {
	for i, child := range filters {
		if child == nil {
			return errs.Validation("%s[%d]: filter is nil", op, i)
		}
		if err := child.ProcessWith(v); err != nil {
			return fmt.Errorf("%s[%d]: %w", op, i, err)
		}
	}
	return nil
}

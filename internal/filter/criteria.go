package filter

import (
	"fmt"
	"strings"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
)

// FromCriteria decodes a criteria object built by a rule program into a
// Filter.
//
//	{"brand": "BMW"}                        Equals
//	{"year": {"$gte": 2000, "$lt": 2010}}   And of Compare
//	{"status": {"$in": ["a", "b"]}}         In
//	{"tags": {"$contains": "x"}}            Contains
//	{"$or": [{...}, {...}]}                 Or (also $and, $not)
//	{"$id": "v1"} / {"$ids": ["v1", "v2"]}  DocID / DocIDs
//
// Keys are processed in sorted order so that the produced tree, and therefore
// the compiled backend query, is deterministic. An empty object matches
// everything.
func FromCriteria(criteria map[string]any) (Filter, error) {
	var parts []Filter
	for _, key := range canon.SortedKeys(criteria) {
		value := criteria[key]
		f, err := criterion(key, value)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	switch len(parts) {
	case 0:
		return Any{}, nil
	case 1:
		return parts[0], nil
	}
	return And{Filters: parts}, nil
}

func criterion(key string, value any) (Filter, error) {
	switch key {
	case "$and", "$or":
		list, ok := value.([]any)
		if !ok {
			return nil, errs.Validation("%s expects a list, got %T", key, value)
		}
		children := make([]Filter, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errs.Validation("%s[%d] expects an object, got %T", key, i, item)
			}
			child, err := FromCriteria(m)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			children = append(children, child)
		}
		if key == "$and" {
			return And{Filters: children}, nil
		}
		return Or{Filters: children}, nil
	case "$not":
		m, ok := value.(map[string]any)
		if !ok {
			return nil, errs.Validation("$not expects an object, got %T", value)
		}
		child, err := FromCriteria(m)
		if err != nil {
			return nil, fmt.Errorf("$not: %w", err)
		}
		return Not{Filter: child}, nil
	case "$id":
		id, ok := value.(string)
		if !ok || id == "" {
			return nil, errs.Validation("$id expects a non-empty string, got %v", value)
		}
		return DocID{ID: id}, nil
	case "$ids":
		list, ok := value.([]any)
		if !ok {
			return nil, errs.Validation("$ids expects a list, got %T", value)
		}
		ids := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, errs.Validation("$ids expects strings, got %T", item)
			}
			ids = append(ids, s)
		}
		return DocIDs{IDs: ids}, nil
	}

	if strings.HasPrefix(key, "$") {
		return nil, errs.Validation("unknown criteria operator %q", key)
	}
	if err := validateField(key); err != nil {
		return nil, err
	}

	ops, ok := value.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return Equals{Field: key, Value: value}, nil
	}

	var parts []Filter
	for _, op := range canon.SortedKeys(ops) {
		f, err := fieldOperator(key, op, ops[op])
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return And{Filters: parts}, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func fieldOperator(field, op string, value any) (Filter, error) {
	switch op {
	case "$eq":
		return Equals{Field: field, Value: value}, nil
	case "$ne":
		return Not{Filter: Equals{Field: field, Value: value}}, nil
	case "$in", "$nin":
		list, ok := value.([]any)
		if !ok {
			return nil, errs.Validation("field %q: %s expects a list, got %T", field, op, value)
		}
		in := In{Field: field, Values: list}
		if op == "$nin" {
			return Not{Filter: in}, nil
		}
		return in, nil
	case "$gt":
		return Compare{Field: field, Op: OpGt, Value: value}, nil
	case "$gte":
		return Compare{Field: field, Op: OpGte, Value: value}, nil
	case "$lt":
		return Compare{Field: field, Op: OpLt, Value: value}, nil
	case "$lte":
		return Compare{Field: field, Op: OpLte, Value: value}, nil
	case "$exists":
		want, ok := value.(bool)
		if !ok {
			return nil, errs.Validation("field %q: $exists expects a boolean", field)
		}
		if want {
			return Exists{Field: field}, nil
		}
		return Not{Filter: Exists{Field: field}}, nil
	case "$contains":
		return Contains{Field: field, Value: value}, nil
	case "$like":
		pattern, ok := value.(string)
		if !ok {
			return nil, errs.Validation("field %q: $like expects a string", field)
		}
		return Like{Field: field, Pattern: pattern}, nil
	}
	return nil, errs.Validation("field %q: unknown operator %q", field, op)
}

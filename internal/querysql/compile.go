package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/filter"
)

// RegexpFunction is the SQL function the store registers on every
// connection. regexp(pattern, value) reports whether value matches the Go
// regular expression pattern, which also makes "value REGEXP pattern" work.
const RegexpFunction = "regexp"

// JSONPath converts a dotted field path to a SQLite JSON path. Numeric
// segments index arrays: "tags.0" is $."tags"[0].
func JSONPath(field string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range canon.SplitPath(field) {
		if n, err := strconv.Atoi(seg); err == nil && n >= 0 {
			fmt.Fprintf(&b, "[%d]", n)
			continue
		}
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		b.WriteByte('"')
	}
	return b.String()
}

// typeGuard returns the json_type values a stored value must have to equal
// or order against v. Booleans are stored as 0/1 by json_extract, so without
// the guard true would equal the number 1.
func typeGuard(v any) (string, bool) {
	switch v.(type) {
	case string:
		return "('text')", true
	case int64, float64:
		return "('integer', 'real')", true
	case bool:
		return "('true', 'false')", true
	case []any:
		return "('array')", true
	case map[string]any:
		return "('object')", true
	}
	return "", false
}

// sqlValue converts a canonical value to a bind parameter. Objects and
// arrays bind as canonical JSON text and compare through json().
func sqlValue(v any) (any, bool, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1), false, nil
		}
		return int64(0), false, nil
	case []any, map[string]any:
		b, err := canon.Marshal(x)
		if err != nil {
			return nil, false, err
		}
		return string(b), true, nil
	}
	return v, false, nil
}

// builder accumulates SQL text and arguments.
type builder struct {
	sql  strings.Builder
	args []any
}

func (b *builder) write(format string, args ...any) {
	b.sql.WriteString(format)
	b.args = append(b.args, args...)
}

// equalsExpr writes a predicate testing that the JSON value at path in
// column equals v.
func (b *builder) equalsExpr(column, path string, v any) error {
	n, err := canon.Normalize(v)
	if err != nil {
		return err
	}
	if n == nil {
		b.write(fmt.Sprintf("(COALESCE(json_type(%s, ?), 'null') = 'null')", column), path)
		return nil
	}
	guard, ok := typeGuard(n)
	if !ok {
		return fmt.Errorf("unsupported value %T", v)
	}
	param, isJSON, err := sqlValue(n)
	if err != nil {
		return err
	}
	if b2, ok := n.(bool); ok {
		want := "false"
		if b2 {
			want = "true"
		}
		b.write(fmt.Sprintf("(COALESCE(json_type(%s, ?) = '%s', 0))", column, want), path)
		return nil
	}
	rhs := "?"
	if isJSON {
		rhs = "json(?)"
	}
	b.write(fmt.Sprintf("(COALESCE(json_type(%s, ?) IN %s AND json_extract(%s, ?) = %s, 0))", column, guard, column, rhs), path, path, param)
	return nil
}

func (b *builder) compareExpr(column, path, op string, v any) error {
	n, err := canon.Normalize(v)
	if err != nil {
		return err
	}
	guard, ok := typeGuard(n)
	if !ok {
		b.write("(0 = 1)")
		return nil
	}
	switch n.(type) {
	case []any, map[string]any:
		// Range comparisons over objects and arrays never match.
		b.write("(0 = 1)")
		return nil
	}
	param, _, err := sqlValue(n)
	if err != nil {
		return err
	}
	b.write(fmt.Sprintf("(COALESCE(json_type(%s, ?) IN %s AND json_extract(%s, ?) %s ?, 0))", column, guard, column, op), path, path, param)
	return nil
}

var compareOps = map[filter.CompareOp]string{
	filter.OpGt:  ">",
	filter.OpGte: ">=",
	filter.OpLt:  "<",
	filter.OpLte: "<=",
}

// whereCompiler is a filter.Processor that writes a WHERE expression over
// the id and data columns of the documents table.
type whereCompiler struct {
	builder
}

var _ filter.Processor = (*whereCompiler)(nil)

// CompileWhere compiles f to a boolean SQL expression. A nil filter compiles
// to 1 = 1.
func CompileWhere(f filter.Filter) (string, []any, error) {
	if f == nil {
		return "1 = 1", nil, nil
	}
	if err := filter.Validate(f); err != nil {
		return "", nil, err
	}
	w := &whereCompiler{}
	if err := f.ProcessWith(w); err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	return w.sql.String(), w.args, nil
}

func (w *whereCompiler) ProcessEquals(f filter.Equals) error {
	return w.equalsExpr("data", JSONPath(f.Field), f.Value)
}

func (w *whereCompiler) ProcessIn(f filter.In) error {
	if len(f.Values) == 0 {
		w.write("(0 = 1)")
		return nil
	}
	w.write("(")
	for i, v := range f.Values {
		if i > 0 {
			w.write(" OR ")
		}
		if err := w.equalsExpr("data", JSONPath(f.Field), v); err != nil {
			return err
		}
	}
	w.write(")")
	return nil
}

func (w *whereCompiler) ProcessExists(f filter.Exists) error {
	w.write("(json_type(data, ?) IS NOT NULL)", JSONPath(f.Field))
	return nil
}

func (w *whereCompiler) ProcessCompare(f filter.Compare) error {
	op, ok := compareOps[f.Op]
	if !ok {
		return fmt.Errorf("unknown compare operator %q", f.Op)
	}
	return w.compareExpr("data", JSONPath(f.Field), op, f.Value)
}

func (w *whereCompiler) ProcessContains(f filter.Contains) error {
	n, err := canon.Normalize(f.Value)
	if err != nil {
		return err
	}
	path := JSONPath(f.Field)
	w.write("(COALESCE(json_type(data, ?) = 'array' AND EXISTS (SELECT 1 FROM json_each(data, ?) AS e WHERE ", path, path)
	switch x := n.(type) {
	case nil:
		w.write("e.type = 'null'")
	case bool:
		if x {
			w.write("e.type = 'true'")
		} else {
			w.write("e.type = 'false'")
		}
	default:
		guard, ok := typeGuard(n)
		if !ok {
			return fmt.Errorf("unsupported value %T", f.Value)
		}
		param, isJSON, err := sqlValue(n)
		if err != nil {
			return err
		}
		rhs := "?"
		if isJSON {
			rhs = "json(?)"
		}
		w.write(fmt.Sprintf("e.type IN %s AND e.value = %s", guard, rhs), param)
	}
	w.write("), 0))")
	return nil
}

func (w *whereCompiler) ProcessLike(f filter.Like) error {
	path := JSONPath(f.Field)
	w.write("(COALESCE(json_type(data, ?) = 'text' AND json_extract(data, ?) LIKE ?, 0))", path, path, f.Pattern)
	return nil
}

func (w *whereCompiler) ProcessAny(filter.Any) error {
	w.write("(1 = 1)")
	return nil
}

func (w *whereCompiler) ProcessAnd(f filter.And) error {
	return w.join(f.Filters, " AND ", "(1 = 1)")
}

func (w *whereCompiler) ProcessOr(f filter.Or) error {
	return w.join(f.Filters, " OR ", "(0 = 1)")
}

func (w *whereCompiler) join(filters []filter.Filter, sep, empty string) error {
	if len(filters) == 0 {
		w.write(empty)
		return nil
	}
	w.write("(")
	for i, child := range filters {
		if i > 0 {
			w.write(sep)
		}
		if err := child.ProcessWith(w); err != nil {
			return err
		}
	}
	w.write(")")
	return nil
}

func (w *whereCompiler) ProcessNot(f filter.Not) error {
	w.write("(NOT ")
	if err := f.Filter.ProcessWith(w); err != nil {
		return err
	}
	w.write(")")
	return nil
}

func (w *whereCompiler) ProcessDocID(f filter.DocID) error {
	w.write("(id = ?)", f.ID)
	return nil
}

func (w *whereCompiler) ProcessDocIDs(f filter.DocIDs) error {
	if len(f.IDs) == 0 {
		w.write("(0 = 1)")
		return nil
	}
	w.write("(id IN (" + placeholders(len(f.IDs)) + "))")
	for _, id := range f.IDs {
		w.args = append(w.args, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CompileOrderBy compiles sort fields to an ORDER BY clause (without the
// keyword). id COLLATE BINARY ASC is always appended as the tiebreaker.
func CompileOrderBy(fields []filter.SortField) (string, []any) {
	parts := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		dir := "ASC"
		if f.Order == filter.Desc {
			dir = "DESC"
		}
		parts = append(parts, "json_extract(data, ?) "+dir)
		args = append(args, JSONPath(f.Field))
	}
	parts = append(parts, "id COLLATE BINARY ASC")
	return strings.Join(parts, ", "), args
}

// CompileLimit compiles skip and limit. Zero limit means unlimited.
func CompileLimit(skip, limit int) string {
	switch {
	case limit > 0 && skip > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, skip)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case skip > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", skip)
	}
	return ""
}

// FindQuery is a compiled document SELECT.
type FindQuery struct {
	Collection string
	Filter     filter.Filter
	OrderBy    []filter.SortField
	Skip       int
	Limit      int
}

// CompileFind compiles q to a SELECT of id, data, metadata and version from
// the documents table.
func CompileFind(q FindQuery) (string, []any, error) {
	where, args, err := CompileWhere(q.Filter)
	if err != nil {
		return "", nil, err
	}
	order, orderArgs := CompileOrderBy(q.OrderBy)
	sql := "SELECT id, data, metadata, version FROM documents WHERE collection = ? AND " + where +
		" ORDER BY " + order + CompileLimit(q.Skip, q.Limit)

	all := make([]any, 0, 1+len(args)+len(orderArgs))
	all = append(all, q.Collection)
	all = append(all, args...)
	all = append(all, orderArgs...)
	return sql, all, nil
}

// CompileCount compiles a COUNT over the documents of collection matching f.
func CompileCount(collection string, f filter.Filter) (string, []any, error) {
	where, args, err := CompileWhere(f)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM documents WHERE collection = ? AND " + where, append([]any{collection}, args...), nil
}

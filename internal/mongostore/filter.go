package mongostore

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// fieldExpr resolves a dotted path below root ("$data" or "$meta") the way
// canon.GetPath does: numeric segments index arrays, other segments read
// object fields, and anything else yields a missing value.
func fieldExpr(root, path string) any {
	var cur any = root
	for _, seg := range canon.SplitPath(path) {
		field := bson.D{{Key: "$cond", Value: bson.D{
			{Key: "if", Value: bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: cur}}, "object"}}}},
			{Key: "then", Value: bson.D{{Key: "$getField", Value: bson.D{
				{Key: "field", Value: bson.D{{Key: "$literal", Value: seg}}},
				{Key: "input", Value: cur},
			}}}},
			{Key: "else", Value: "$$REMOVE"},
		}}}
		if i, err := strconv.Atoi(seg); err == nil && i >= 0 {
			field = bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: bson.D{{Key: "$isArray", Value: bson.A{cur}}}},
				{Key: "then", Value: bson.D{{Key: "$arrayElemAt", Value: bson.A{cur, i}}}},
				{Key: "else", Value: field},
			}}}
		}
		cur = field
	}
	return cur
}

func typeOf(x any) bson.D {
	return bson.D{{Key: "$type", Value: x}}
}

func literal(v any) bson.D {
	return bson.D{{Key: "$literal", Value: toBSON(v)}}
}

func exists(x any) bson.D {
	return bson.D{{Key: "$ne", Value: bson.A{typeOf(x), "missing"}}}
}

func and(exprs ...any) bson.D {
	return bson.D{{Key: "$and", Value: bson.A(exprs)}}
}

func or(exprs ...any) bson.D {
	return bson.D{{Key: "$or", Value: bson.A(exprs)}}
}

// equalsExpr is canon.Equal against a present field. Aggregation $eq
// compares numbers by value and never traverses arrays.
func equalsExpr(x, v any) bson.D {
	return and(exists(x), bson.D{{Key: "$eq", Value: bson.A{x, literal(v)}}})
}

// sameType guards a range comparison so values of different JSON types
// never match. Values without an order (null, arrays, objects) report false.
func sameType(x, v any) (bson.D, bool) {
	switch v.(type) {
	case int64, float64:
		return bson.D{{Key: "$isNumber", Value: x}}, true
	case string:
		return bson.D{{Key: "$eq", Value: bson.A{typeOf(x), "string"}}}, true
	case bool:
		return bson.D{{Key: "$eq", Value: bson.A{typeOf(x), "bool"}}}, true
	}
	return nil, false
}

var compareOps = map[filter.CompareOp]string{
	filter.OpGt:  "$gt",
	filter.OpGte: "$gte",
	filter.OpLt:  "$lt",
	filter.OpLte: "$lte",
}

func compareExpr(x any, op string, v any) any {
	guard, ok := sameType(x, v)
	if !ok {
		return false
	}
	return and(guard, bson.D{{Key: op, Value: bson.A{x, literal(v)}}})
}

func regexExpr(x any, pattern, options string) bson.D {
	return bson.D{{Key: "$cond", Value: bson.D{
		{Key: "if", Value: bson.D{{Key: "$eq", Value: bson.A{typeOf(x), "string"}}}},
		{Key: "then", Value: bson.D{{Key: "$regexMatch", Value: bson.D{
			{Key: "input", Value: x},
			{Key: "regex", Value: pattern},
			{Key: "options", Value: options},
		}}}},
		{Key: "else", Value: false},
	}}}
}

// exprCompiler implements filter.Processor.
type exprCompiler struct {
	expr any
}

var _ filter.Processor = (*exprCompiler)(nil)

// CompileFilter compiles f into an aggregation expression over documents
// stored as {_id, data, metadata, version}. A nil filter is true.
func CompileFilter(f filter.Filter) (any, error) {
	if f == nil {
		return true, nil
	}
	if err := filter.Validate(f); err != nil {
		return nil, err
	}
	c := &exprCompiler{}
	if err := f.ProcessWith(c); err != nil {
		return nil, err
	}
	return c.expr, nil
}

// QueryFilter wraps CompileFilter for Find and CountDocuments.
func QueryFilter(f filter.Filter) (bson.D, error) {
	expr, err := CompileFilter(f)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "$expr", Value: expr}}, nil
}

func (c *exprCompiler) normalize(v any) (any, error) {
	return canon.Normalize(v)
}

func (c *exprCompiler) ProcessEquals(f filter.Equals) error {
	x := fieldExpr("$data", f.Field)
	v, err := c.normalize(f.Value)
	if err != nil {
		return err
	}
	if v == nil {
		c.expr = bson.D{{Key: "$in", Value: bson.A{typeOf(x), bson.A{"missing", "null"}}}}
		return nil
	}
	c.expr = equalsExpr(x, v)
	return nil
}

func (c *exprCompiler) ProcessIn(f filter.In) error {
	x := fieldExpr("$data", f.Field)
	alts := bson.A{}
	for _, raw := range f.Values {
		v, err := c.normalize(raw)
		if err != nil {
			return err
		}
		alts = append(alts, equalsExpr(x, v))
	}
	c.expr = bson.D{{Key: "$or", Value: alts}}
	if len(alts) == 0 {
		c.expr = false
	}
	return nil
}

func (c *exprCompiler) ProcessExists(f filter.Exists) error {
	c.expr = exists(fieldExpr("$data", f.Field))
	return nil
}

func (c *exprCompiler) ProcessCompare(f filter.Compare) error {
	v, err := c.normalize(f.Value)
	if err != nil {
		return err
	}
	op, ok := compareOps[f.Op]
	if !ok {
		return errs.Validation("unknown comparison %q", f.Op)
	}
	c.expr = compareExpr(fieldExpr("$data", f.Field), op, v)
	return nil
}

func (c *exprCompiler) ProcessContains(f filter.Contains) error {
	x := fieldExpr("$data", f.Field)
	v, err := c.normalize(f.Value)
	if err != nil {
		return err
	}
	c.expr = bson.D{{Key: "$cond", Value: bson.D{
		{Key: "if", Value: bson.D{{Key: "$isArray", Value: bson.A{x}}}},
		{Key: "then", Value: bson.D{{Key: "$in", Value: bson.A{literal(v), x}}}},
		{Key: "else", Value: false},
	}}}
	return nil
}

func (c *exprCompiler) ProcessLike(f filter.Like) error {
	c.expr = regexExpr(fieldExpr("$data", f.Field), filter.LikeToRegexp(f.Pattern), "is")
	return nil
}

func (c *exprCompiler) ProcessAny(filter.Any) error {
	c.expr = true
	return nil
}

func (c *exprCompiler) ProcessAnd(f filter.And) error {
	return c.join(f.Filters, "$and", true)
}

func (c *exprCompiler) ProcessOr(f filter.Or) error {
	return c.join(f.Filters, "$or", false)
}

func (c *exprCompiler) join(filters []filter.Filter, op string, empty bool) error {
	if len(filters) == 0 {
		c.expr = empty
		return nil
	}
	parts := make(bson.A, 0, len(filters))
	for _, child := range filters {
		expr, err := CompileFilter(child)
		if err != nil {
			return err
		}
		parts = append(parts, expr)
	}
	c.expr = bson.D{{Key: op, Value: parts}}
	return nil
}

func (c *exprCompiler) ProcessNot(f filter.Not) error {
	expr, err := CompileFilter(f.Filter)
	if err != nil {
		return err
	}
	c.expr = bson.D{{Key: "$not", Value: bson.A{expr}}}
	return nil
}

func (c *exprCompiler) ProcessDocID(f filter.DocID) error {
	c.expr = bson.D{{Key: "$eq", Value: bson.A{"$_id", bson.D{{Key: "$literal", Value: f.ID}}}}}
	return nil
}

func (c *exprCompiler) ProcessDocIDs(f filter.DocIDs) error {
	ids := make(bson.A, len(f.IDs))
	for i, id := range f.IDs {
		ids[i] = id
	}
	c.expr = bson.D{{Key: "$in", Value: bson.A{"$_id", bson.D{{Key: "$literal", Value: ids}}}}}
	return nil
}

// CompileMatcher compiles a metadata matcher over the meta field of stored
// events. An empty matcher is true.
func CompileMatcher(m storage.MetadataMatcher) (any, error) {
	if len(m) == 0 {
		return true, nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	parts := bson.A{}
	for _, field := range m.Fields() {
		c := m[field]
		x := fieldExpr("$meta", field)
		v, err := canon.Normalize(c.Value)
		if err != nil {
			return nil, fmt.Errorf("matcher %s: %w", field, err)
		}
		switch c.Op {
		case storage.MatchEq:
			parts = append(parts, equalsExpr(x, v))
		case storage.MatchIn:
			alts := bson.A{}
			for _, candidate := range v.([]any) {
				alts = append(alts, equalsExpr(x, candidate))
			}
			if len(alts) == 0 {
				parts = append(parts, false)
				continue
			}
			parts = append(parts, bson.D{{Key: "$or", Value: alts}})
		case storage.MatchRegex:
			parts = append(parts, regexExpr(x, v.(string), ""))
		default:
			parts = append(parts, compareExpr(x, "$"+string(c.Op), v))
		}
	}
	return and(parts...), nil
}

// sortSpec orders by fields then _id.
func sortSpec(fields []filter.SortField) bson.D {
	d := make(bson.D, 0, len(fields)+1)
	for _, f := range fields {
		dir := 1
		if f.Order == filter.Desc {
			dir = -1
		}
		d = append(d, bson.E{Key: "data." + f.Field, Value: dir})
	}
	return append(d, bson.E{Key: "_id", Value: 1})
}

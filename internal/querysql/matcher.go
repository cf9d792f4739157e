package querysql

import (
	"fmt"

	"github.com/roach88/rulebox/internal/storage"
)

var matchOps = map[storage.MatchOp]string{
	storage.MatchGt:  ">",
	storage.MatchGte: ">=",
	storage.MatchLt:  "<",
	storage.MatchLte: "<=",
}

// CompileMatcher compiles a metadata matcher over a JSON column. An empty
// matcher compiles to 1 = 1. Conditions are joined in sorted field order.
func CompileMatcher(column string, m storage.MetadataMatcher) (string, []any, error) {
	if len(m) == 0 {
		return "1 = 1", nil, nil
	}
	if err := m.Validate(); err != nil {
		return "", nil, err
	}

	b := &builder{}
	for i, field := range m.Fields() {
		if i > 0 {
			b.write(" AND ")
		}
		c := m[field]
		path := JSONPath(field)
		switch c.Op {
		case storage.MatchEq:
			if err := b.equalsExpr(column, path, c.Value); err != nil {
				return "", nil, fmt.Errorf("matcher %s: %w", field, err)
			}
		case storage.MatchIn:
			values := c.Value.([]any)
			if len(values) == 0 {
				b.write("(0 = 1)")
				continue
			}
			b.write("(")
			for j, v := range values {
				if j > 0 {
					b.write(" OR ")
				}
				if err := b.equalsExpr(column, path, v); err != nil {
					return "", nil, fmt.Errorf("matcher %s: %w", field, err)
				}
			}
			b.write(")")
		case storage.MatchRegex:
			b.write(fmt.Sprintf("(COALESCE(json_type(%s, ?) = 'text' AND %s(?, json_extract(%s, ?)), 0))", column, RegexpFunction, column),
				path, c.Value, path)
		default:
			if err := b.compareExpr(column, path, matchOps[c.Op], c.Value); err != nil {
				return "", nil, fmt.Errorf("matcher %s: %w", field, err)
			}
		}
	}
	return b.sql.String(), b.args, nil
}

// EventQuery is a compiled event SELECT.
type EventQuery struct {
	Stream  string
	Matcher storage.MetadataMatcher
	// After is exclusive.
	After int64
	Limit int
}

// CompileLoad compiles q to a SELECT of position, uuid, name, payload, meta
// and created_at from the events table, in position order.
func CompileLoad(q EventQuery) (string, []any, error) {
	where, args, err := CompileMatcher("meta", q.Matcher)
	if err != nil {
		return "", nil, err
	}
	sql := "SELECT position, uuid, name, payload, meta, created_at FROM events WHERE stream = ? AND position > ? AND " + where +
		" ORDER BY position ASC" + CompileLimit(0, q.Limit)
	return sql, append([]any{q.Stream, q.After}, args...), nil
}

// CompileVersion compiles a COUNT of the stream events selected by m.
func CompileVersion(stream string, m storage.MetadataMatcher) (string, []any, error) {
	where, args, err := CompileMatcher("meta", m)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM events WHERE stream = ? AND " + where, append([]any{stream}, args...), nil
}

package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `$."brand"`, JSONPath("brand"))
	assert.Equal(t, `$."specs"."hp"`, JSONPath("specs.hp"))
	assert.Equal(t, `$."tags"[0]`, JSONPath("tags.0"))
}

func TestCompileWhere_Equals(t *testing.T) {
	sql, args, err := CompileWhere(filter.Eq("brand", "BMW"))
	require.NoError(t, err)
	assert.Equal(t, `(COALESCE(json_type(data, ?) IN ('text') AND json_extract(data, ?) = ?, 0))`, sql)
	assert.Equal(t, []any{`$."brand"`, `$."brand"`, "BMW"}, args)
	assert.NotContains(t, sql, "BMW", "values are bound, not interpolated")
}

func TestCompileWhere_EqualsNullAndBool(t *testing.T) {
	sql, args, err := CompileWhere(filter.Eq("year", nil))
	require.NoError(t, err)
	assert.Equal(t, `(COALESCE(json_type(data, ?), 'null') = 'null')`, sql)
	assert.Equal(t, []any{`$."year"`}, args)

	sql, args, err = CompileWhere(filter.Eq("done", true))
	require.NoError(t, err)
	assert.Equal(t, `(COALESCE(json_type(data, ?) = 'true', 0))`, sql)
	assert.Equal(t, []any{`$."done"`}, args)
}

func TestCompileWhere_Logic(t *testing.T) {
	f := filter.AllOf(
		filter.Gt("year", 2019),
		filter.Negate(filter.ByIDs("a", "b")),
		filter.AnyOf(),
	)
	sql, args, err := CompileWhere(f)
	require.NoError(t, err)
	assert.Equal(t,
		`((COALESCE(json_type(data, ?) IN ('integer', 'real') AND json_extract(data, ?) > ?, 0)) AND (NOT (id IN (?, ?))) AND (0 = 1))`,
		sql)
	assert.Equal(t, []any{`$."year"`, `$."year"`, int64(2019), "a", "b"}, args)

	sql, args, err = CompileWhere(nil)
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", sql)
	assert.Empty(t, args)
}

func TestCompileWhere_ContainsAndLike(t *testing.T) {
	sql, args, err := CompileWhere(filter.Contains{Field: "tags", Value: "b"})
	require.NoError(t, err)
	assert.Contains(t, sql, "json_each(data, ?)")
	assert.Equal(t, []any{`$."tags"`, `$."tags"`, "b"}, args)

	sql, args, err = CompileWhere(filter.Like{Field: "brand", Pattern: "bm%"})
	require.NoError(t, err)
	assert.Contains(t, sql, "LIKE ?")
	assert.Equal(t, "bm%", args[2])
}

func TestCompileWhere_InvalidField(t *testing.T) {
	_, _, err := CompileWhere(filter.Eq("", 1))
	assert.True(t, errs.IsValidation(err))
}

func TestCompileFind(t *testing.T) {
	sql, args, err := CompileFind(FindQuery{
		Collection: "cars",
		Filter:     filter.Has("plate"),
		OrderBy:    []filter.SortField{{Field: "year", Order: filter.Desc}},
		Skip:       5,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT id, data, metadata, version FROM documents WHERE collection = ? AND (json_type(data, ?) IS NOT NULL) ORDER BY json_extract(data, ?) DESC, id COLLATE BINARY ASC LIMIT -1 OFFSET 5`,
		sql)
	assert.Equal(t, []any{"cars", `$."plate"`, `$."year"`}, args)
}

func TestCompileLimit(t *testing.T) {
	assert.Equal(t, "", CompileLimit(0, 0))
	assert.Equal(t, " LIMIT 3", CompileLimit(0, 3))
	assert.Equal(t, " LIMIT 3 OFFSET 2", CompileLimit(2, 3))
}

func TestCompileMatcher(t *testing.T) {
	m := storage.MetadataMatcher{
		"aggregateId":      {Op: storage.MatchRegex, Value: "^v"},
		"aggregateVersion": {Op: storage.MatchLte, Value: int64(3)},
	}
	sql, args, err := CompileMatcher("meta", m)
	require.NoError(t, err)
	assert.Equal(t,
		`(COALESCE(json_type(meta, ?) = 'text' AND regexp(?, json_extract(meta, ?)), 0)) AND (COALESCE(json_type(meta, ?) IN ('integer', 'real') AND json_extract(meta, ?) <= ?, 0))`,
		sql)
	assert.Equal(t, []any{`$."aggregateId"`, "^v", `$."aggregateId"`, `$."aggregateVersion"`, `$."aggregateVersion"`, int64(3)}, args)

	_, _, err = CompileMatcher("meta", storage.MetadataMatcher{"x": {Op: "near"}})
	assert.True(t, errs.IsValidation(err))
}

func TestCompileLoad(t *testing.T) {
	sql, args, err := CompileLoad(EventQuery{Stream: "Car", Matcher: storage.AggregateMatcher("Car", "v1"), After: 2, Limit: 10})
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE stream = ? AND position > ? AND ")
	assert.Contains(t, sql, "ORDER BY position ASC LIMIT 10")
	assert.Equal(t, []any{"Car", int64(2), `$."aggregateId"`, `$."aggregateId"`, "v1", `$."aggregateType"`, `$."aggregateType"`, "Car"}, args)
}

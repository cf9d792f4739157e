package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
)

var car = map[string]any{
	"brand": "BMW",
	"model": "1er",
	"year":  int64(2020),
	"tags":  []any{"compact", "petrol"},
	"owner": map[string]any{"name": "Ada", "active": true},
	"note":  nil,
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"equals", Eq("brand", "BMW"), true},
		{"equals nested", Eq("owner.name", "Ada"), true},
		{"equals mismatch type", Eq("year", "2020"), false},
		{"equals numeric across kinds", Eq("year", 2020.0), true},
		{"equals nil on missing", Eq("color", nil), true},
		{"equals nil on null", Eq("note", nil), true},
		{"in", OneOf("model", "2er", "1er"), true},
		{"in empty", In{Field: "model"}, false},
		{"exists", Has("owner.active"), true},
		{"exists null", Has("note"), true},
		{"exists missing", Has("color"), false},
		{"gt", Gt("year", 2019), true},
		{"lte", Lte("year", int64(2019)), false},
		{"compare cross type", Gt("brand", 1), false},
		{"contains", Contains{Field: "tags", Value: "petrol"}, true},
		{"contains not array", Contains{Field: "brand", Value: "B"}, false},
		{"like", Like{Field: "model", Pattern: "1%"}, true},
		{"like case insensitive", Like{Field: "brand", Pattern: "b_w"}, true},
		{"like non string", Like{Field: "year", Pattern: "20%"}, false},
		{"any", All(), true},
		{"and", AllOf(Eq("brand", "BMW"), Gt("year", 2000)), true},
		{"and empty", And{}, true},
		{"or", AnyOf(Eq("brand", "Audi"), Eq("model", "1er")), true},
		{"or empty", Or{}, false},
		{"not", Negate(Eq("brand", "Audi")), true},
		{"not missing", Negate(Eq("color", "red")), true},
		{"doc id", ByID("v1"), true},
		{"doc ids", ByIDs("v2", "v3"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.filter, "v1", car)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_NilFilter(t *testing.T) {
	ok, err := Match(nil, "x", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(AllOf(Eq("a.b", 1), Negate(Has("c")))))
	assert.NoError(t, Validate(nil))

	assert.True(t, errs.IsValidation(Validate(Eq("", 1))))
	assert.True(t, errs.IsValidation(Validate(Eq("a..b", 1))))
	assert.True(t, errs.IsValidation(Validate(Not{})))
	assert.True(t, errs.IsValidation(Validate(And{Filters: []Filter{nil}})))
	assert.True(t, errs.IsValidation(Validate(Compare{Field: "a", Op: "between", Value: 1})))
	assert.True(t, errs.IsValidation(Validate(Gt("a", []any{1}))))
	assert.True(t, errs.IsValidation(Validate(DocID{})))
}

func TestFromCriteria(t *testing.T) {
	f, err := FromCriteria(map[string]any{
		"brand": "BMW",
		"year":  map[string]any{"$gte": int64(2000), "$lt": int64(2030)},
	})
	require.NoError(t, err)
	assert.Equal(t, And{Filters: []Filter{
		Equals{Field: "brand", Value: "BMW"},
		And{Filters: []Filter{
			Compare{Field: "year", Op: OpGte, Value: int64(2000)},
			Compare{Field: "year", Op: OpLt, Value: int64(2030)},
		}},
	}}, f)

	f, err = FromCriteria(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, Any{}, f)

	f, err = FromCriteria(map[string]any{"$or": []any{
		map[string]any{"$id": "v1"},
		map[string]any{"tags": map[string]any{"$contains": "x"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, Or{Filters: []Filter{DocID{ID: "v1"}, Contains{Field: "tags", Value: "x"}}}, f)

	f, err = FromCriteria(map[string]any{"owner": map[string]any{"name": "Ada"}})
	require.NoError(t, err)
	assert.Equal(t, Equals{Field: "owner", Value: map[string]any{"name": "Ada"}}, f)

	f, err = FromCriteria(map[string]any{"color": map[string]any{"$exists": false}})
	require.NoError(t, err)
	assert.Equal(t, Not{Filter: Exists{Field: "color"}}, f)
}

func TestFromCriteria_Errors(t *testing.T) {
	for name, criteria := range map[string]map[string]any{
		"unknown top op":   {"$where": "x"},
		"unknown field op": {"a": map[string]any{"$regex": "x"}},
		"in not list":      {"a": map[string]any{"$in": "x"}},
		"or not list":      {"$or": "x"},
		"bad field":        {"a b": 1},
		"exists not bool":  {"a": map[string]any{"$exists": "yes"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromCriteria(criteria)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
}

func TestIndexes(t *testing.T) {
	idx, err := NewFieldIndex("by_brand", "brand", Unique(), Ordered(Desc))
	require.NoError(t, err)
	assert.True(t, idx.Unique())
	assert.Equal(t, Desc, idx.Order())
	assert.Equal(t, []string{"brand"}, idx.Fields())

	_, err = NewFieldIndex("", "brand")
	assert.True(t, errs.IsValidation(err))
	_, err = NewFieldIndex("x", "")
	assert.True(t, errs.IsValidation(err))

	_, err = NewMultiFieldIndex("by_brand_model", []string{"brand"})
	assert.True(t, errs.IsValidation(err))
	_, err = NewMultiFieldIndex("dup", []string{"brand", "brand"})
	assert.True(t, errs.IsValidation(err))

	multi, err := NewMultiFieldIndex("by_brand_model", []string{"brand", "model"})
	require.NoError(t, err)
	assert.Equal(t, Asc, multi.Order())

	meta, err := NewMetaFieldIndex("by_version", "aggregateVersion")
	require.NoError(t, err)

	for _, built := range []Index{idx, multi, meta} {
		spec := SpecOf(built)
		rebuilt, err := spec.Build()
		require.NoError(t, err)
		assert.Equal(t, built, rebuilt)
	}
}

func TestCompareDocs(t *testing.T) {
	a := map[string]any{"year": int64(2020)}
	b := map[string]any{"year": int64(2019)}
	order := []SortField{{Field: "year", Order: Desc}}

	assert.Equal(t, -1, CompareDocs(order, "a", a, "b", b))
	assert.Equal(t, 1, CompareDocs(nil, "b", a, "a", b))
	assert.Equal(t, -1, CompareDocs([]SortField{{Field: "missing"}}, "a", a, "b", b))
}

func TestParseSortOrder(t *testing.T) {
	o, err := ParseSortOrder("desc")
	require.NoError(t, err)
	assert.Equal(t, Desc, o)

	o, err = ParseSortOrder(int64(1))
	require.NoError(t, err)
	assert.Equal(t, Asc, o)

	_, err = ParseSortOrder("sideways")
	assert.Error(t, err)
}

package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_NumbersBecomeInt64WhenIntegral(t *testing.T) {
	v, err := Normalize(map[string]any{
		"a": 1,
		"b": 2.0,
		"c": 2.5,
		"d": json.Number("7"),
		"e": []any{uint8(3), float32(1)},
	})
	require.NoError(t, err)

	m := v.(map[string]any)
	assert.Equal(t, int64(1), m["a"])
	assert.Equal(t, int64(2), m["b"])
	assert.Equal(t, 2.5, m["c"])
	assert.Equal(t, int64(7), m["d"])
	assert.Equal(t, []any{int64(3), int64(1)}, m["e"])
}

func TestNormalize_StructRoundTrip(t *testing.T) {
	type car struct {
		Brand string `json:"brand"`
		Year  int    `json:"year,omitempty"`
	}
	v, err := Normalize(car{Brand: "BMW"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW"}, v)
}

func TestNormalize_RejectsNaN(t *testing.T) {
	_, err := Normalize(map[string]any{"x": nan()})
	assert.Error(t, err)
}

func TestDecodeMap(t *testing.T) {
	m, err := DecodeMap([]byte(`{"vehicleId":"v1","productionYear":2020,"tags":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"vehicleId":      "v1",
		"productionYear": int64(2020),
		"tags":           []any{"a"},
	}, m)

	empty, err := DecodeMap(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeMap([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestClone_IsDeep(t *testing.T) {
	orig := map[string]any{"nested": map[string]any{"list": []any{int64(1)}}}
	c := CloneMap(orig)
	c["nested"].(map[string]any)["list"].([]any)[0] = int64(99)
	assert.Equal(t, int64(1), orig["nested"].(map[string]any)["list"].([]any)[0])
}

func TestPaths(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": []any{"x", "y"}}}

	v, ok := GetPath(doc, "a.b.1")
	require.True(t, ok)
	assert.Equal(t, "y", v)

	_, ok = GetPath(doc, "a.c")
	assert.False(t, ok)

	require.NoError(t, SetPath(doc, "a.c.d", int64(1)))
	v, ok = GetPath(doc, "a.c.d")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	assert.Error(t, SetPath(doc, "a.c.d.e", true))

	DeletePath(doc, "a.c")
	_, ok = GetPath(doc, "a.c")
	assert.False(t, ok)
}

func TestProject_KeepsNestedShape(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": int64(1), "c": int64(2)}, "d": "x"}
	assert.Equal(t,
		map[string]any{"a": map[string]any{"b": int64(1)}, "d": "x"},
		Project(data, []string{"a.b", "d", "missing"}))
}

func TestMergePatch(t *testing.T) {
	target := map[string]any{"a": int64(1), "b": map[string]any{"c": int64(2), "d": int64(3)}}
	out := MergePatch(target, map[string]any{"a": nil, "b": map[string]any{"c": int64(9)}, "e": "new"})

	assert.Equal(t, map[string]any{"b": map[string]any{"c": int64(9), "d": int64(3)}, "e": "new"}, out)
	assert.Equal(t, int64(1), target["a"], "target must not be modified")
}

func TestEqualAndCompare(t *testing.T) {
	assert.True(t, Equal(int64(2), 2.0))
	assert.True(t, Equal([]any{"a", map[string]any{"b": true}}, []any{"a", map[string]any{"b": true}}))
	assert.False(t, Equal("1", int64(1)))
	assert.False(t, Equal(nil, false))

	c, ok := Compare(int64(1), 1.5)
	require.True(t, ok)
	assert.Equal(t, -1, c)

	_, ok = Compare("a", int64(1))
	assert.False(t, ok)

	assert.Equal(t, -1, Order(nil, false))
	assert.Equal(t, -1, Order(int64(5), "a"))
	assert.Equal(t, 1, Order("b", "a"))
}

func TestMarshal_Canonical(t *testing.T) {
	data, err := Marshal(map[string]any{"b": int64(1), "a": []any{"<x>", 1.5}, "é": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["<x>",1.5],"b":1,"é":true}`, string(data))

	s1, err := Checksum(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	s2, err := Checksum(map[string]any{"y": 2.0, "x": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

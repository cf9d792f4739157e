package canon

import (
	"cmp"
	"sort"
	"strings"
)

// Equal reports deep equality of canonical values. Numbers compare by value,
// so int64(2) equals float64(2).
func Equal(a, b any) bool {
	if fa, ok := AsFloat(a); ok {
		fb, ok := AsFloat(b)
		if !ok {
			return false
		}
		ia, aInt := a.(int64)
		ib, bInt := b.(int64)
		if aInt && bInt {
			return ia == ib
		}
		return fa == fb
	}

	switch va := a.(type) {
	case nil:
		return b == nil
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !Equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, x := range va {
			y, ok := vb[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of the same JSON type. The boolean result is false
// when the types differ or cannot be ordered (objects, arrays, nil), in which
// case range comparisons must not match.
func Compare(a, b any) (int, bool) {
	if fa, ok := AsFloat(a); ok {
		fb, ok := AsFloat(b)
		if !ok {
			return 0, false
		}
		ia, aInt := a.(int64)
		ib, bInt := b.(int64)
		if aInt && bInt {
			return cmp.Compare(ia, ib), true
		}
		return cmp.Compare(fa, fb), true
	}
	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(va, vb), true
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp.Compare(boolRank(va), boolRank(vb)), true
	}
	return 0, false
}

// Order is a total order over canonical values used for sorting:
// missing/nil < booleans and numbers < strings < arrays < objects.
// Booleans rank as 0 and 1 among numbers.
func Order(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case rankNumber:
		return cmp.Compare(numeric(a), numeric(b))
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankArray, rankObject:
		ja, _ := Marshal(a)
		jb, _ := Marshal(b)
		return strings.Compare(string(ja), string(jb))
	}
	return 0
}

// SortedKeys returns the keys of m in byte order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const (
	rankNull = iota
	rankNumber
	rankString
	rankArray
	rankObject
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool, int64, int, float64:
		return rankNumber
	case string:
		return rankString
	case []any:
		return rankArray
	case map[string]any:
		return rankObject
	}
	return rankNull
}

func numeric(v any) float64 {
	if b, ok := v.(bool); ok {
		return float64(boolRank(b))
	}
	f, _ := AsFloat(v)
	return f
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

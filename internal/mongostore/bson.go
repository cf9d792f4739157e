package mongostore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/roach88/rulebox/internal/canon"
)

// toBSON converts a canonical value. Objects become bson.D with sorted keys
// so that stored documents and filter literals compare equal.
func toBSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		d := make(bson.D, 0, len(x))
		for _, k := range canon.SortedKeys(x) {
			d = append(d, bson.E{Key: k, Value: toBSON(x[k])})
		}
		return d
	case []any:
		a := make(bson.A, len(x))
		for i, elem := range x {
			a[i] = toBSON(elem)
		}
		return a
	}
	return v
}

// toBSONDoc converts a canonical object, treating nil as empty.
func toBSONDoc(m map[string]any) bson.D {
	if m == nil {
		return bson.D{}
	}
	return toBSON(m).(bson.D)
}

// fromBSON converts decoded bson back to canonical values.
func fromBSON(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			val, err := fromBSON(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Key, err)
			}
			m[e.Key] = val
		}
		return m, nil
	case bson.M:
		m := make(map[string]any, len(x))
		for k, e := range x {
			val, err := fromBSON(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = val
		}
		return m, nil
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			val, err := fromBSON(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = val
		}
		return out, nil
	case bson.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano), nil
	}
	return nil, fmt.Errorf("unsupported bson value %T", v)
}

func fromBSONDoc(d bson.D) (map[string]any, error) {
	v, err := fromBSON(d)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

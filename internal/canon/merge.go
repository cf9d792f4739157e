package canon

// MergePatch applies an RFC 7386 merge patch to target and returns the result
// as a new object. target is not modified.
//
//   - a nil value in patch removes the key
//   - nested objects merge recursively
//   - everything else replaces the existing value
func MergePatch(target, patch map[string]any) map[string]any {
	out := CloneMap(target)
	for k, pv := range patch {
		if pv == nil {
			delete(out, k)
			continue
		}
		if pm, ok := pv.(map[string]any); ok {
			if tm, ok := out[k].(map[string]any); ok {
				out[k] = MergePatch(tm, pm)
				continue
			}
			out[k] = MergePatch(nil, pm)
			continue
		}
		out[k] = Clone(pv)
	}
	return out
}

// Merge shallow-merges src over dst into a new map. Nil values are kept,
// unlike MergePatch.
func Merge(dst, src map[string]any) map[string]any {
	out := CloneMap(dst)
	for k, v := range src {
		out[k] = Clone(v)
	}
	return out
}

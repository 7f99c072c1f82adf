package util

// DeepMerge recursively merges src into dst: nested maps merge key-wise,
// any other value from src overwrites the value in dst. Values copied out
// of src are deep-copied so later mutation of dst never aliases src.
func DeepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				DeepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = DeepCopyValue(v)
	}
}

// DeepCopyMap returns a deep copy of a nested string-keyed map.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue deep-copies maps and slices; scalars are returned as-is.
func DeepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return DeepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = DeepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// StripNulls removes nil-valued keys recursively. Plugin templates test key
// presence via containment, so an explicit null must read as absent.
func StripNulls(m map[string]interface{}) {
	for k, v := range m {
		switch t := v.(type) {
		case nil:
			delete(m, k)
		case map[string]interface{}:
			StripNulls(t)
		}
	}
}

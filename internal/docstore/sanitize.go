package docstore

// Sanitize returns a copy of doc with nil values removed at every depth.
// Nil entries inside lists are dropped as well, so a stored document never
// carries an unset field.
func Sanitize(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if clean, ok := sanitizeValue(v); ok {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return Sanitize(val), true
	case []any:
		list := make([]any, 0, len(val))
		for _, item := range val {
			if clean, ok := sanitizeValue(item); ok {
				list = append(list, clean)
			}
		}
		return list, true
	case *string:
		if val == nil {
			return nil, false
		}
		return *val, true
	default:
		return v, true
	}
}

package cache

import "fmt"

// Sanitize recursively converts v into JSON-primitive shapes so arbitrary
// retrieval result objects serialize safely: numbers, strings, bools and nil
// pass through; float32 slices become float64 slices; maps and slices
// recurse; anything else falls back to its string form.
func Sanitize(v any) any {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float64:
		return val
	case float32:
		return float64(val)
	case []float32:
		out := make([]float64, len(val))
		for i, f := range val {
			out[i] = float64(f)
		}
		return out
	case []float64:
		return val
	case []string:
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Sanitize(item)
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}

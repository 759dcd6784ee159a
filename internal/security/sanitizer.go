// internal/security/sanitizer.go
package security

import "strings"

// MaxValueLength caps a sanitized template value, in characters.
const MaxValueLength = 1024

// SanitizeValue cleans a value before it is interpolated into an action payload.
// - Strips control characters (0x00-0x1F except tab/newline)
// - Strips triple backticks that could break code fences in agent prompts
// - Truncates to MaxValueLength characters
func SanitizeValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	result := strings.ReplaceAll(b.String(), "```", "")

	if len(result) > MaxValueLength {
		runes := []rune(result)
		if len(runes) > MaxValueLength {
			result = string(runes[:MaxValueLength])
		}
	}
	return result
}

// SanitizeData returns a copy of data with every string sanitized,
// including strings nested in maps and slices.
func SanitizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = sanitizeAny(v)
	}
	return out
}

func sanitizeAny(v any) any {
	switch val := v.(type) {
	case string:
		return SanitizeValue(val)
	case map[string]any:
		return SanitizeData(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeAny(item)
		}
		return out
	default:
		return v
	}
}

// internal/template/template.go
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var templateVar = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Expand replaces {{variable}} placeholders with values from data.
// Dotted names walk nested maps ({{user.name}}). Unknown variables are
// left verbatim.
func Expand(tmpl string, data map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		if val, ok := lookup(data, name); ok {
			return format(val)
		}
		return match
	})
}

// ExpandValue expands every string inside v, walking maps and slices.
// A string consisting of a single placeholder is replaced by the raw value,
// so {"count": "{{count}}"} keeps a numeric count.
func ExpandValue(v any, data map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := templateVar.FindStringSubmatchIndex(val); m != nil && m[0] == 0 && m[1] == len(val) {
			if raw, ok := lookup(data, val[m[2]:m[3]]); ok {
				return raw
			}
			return val
		}
		return Expand(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ExpandValue(item, data)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ExpandValue(item, data)
		}
		return out
	default:
		return v
	}
}

// ExpandMap is ExpandValue for a payload map. A nil payload stays nil.
func ExpandMap(payload map[string]any, data map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return ExpandValue(payload, data).(map[string]any)
}

func lookup(data map[string]any, name string) (any, bool) {
	if val, ok := data[name]; ok {
		return val, true
	}
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func format(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

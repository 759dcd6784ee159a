package trigger

import (
	"crypto/subtle"
	"reflect"
	"strings"
)

// Evaluate reports whether sample satisfies cond. It is a pure function.
//
// Schedule conditions never match a sample: their firing is the timer
// expiry itself and the scheduler dispatches without consulting Evaluate.
func Evaluate(cond Condition, s Sample) bool {
	switch cond.Kind {
	case ConditionEvent:
		return cond.Event != nil && matchEvent(*cond.Event, s)
	case ConditionThreshold:
		return cond.Threshold != nil && matchThreshold(*cond.Threshold, s)
	case ConditionWebhook:
		return cond.Webhook != nil && matchWebhook(*cond.Webhook, s)
	default:
		return false
	}
}

func matchEvent(c EventCondition, s Sample) bool {
	if s.Kind != SampleEvent || s.Type != c.EventType {
		return false
	}
	for key, want := range c.Filters {
		got, ok := s.Fields[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func matchThreshold(c ThresholdCondition, s Sample) bool {
	if s.Kind != SampleMetric || s.Type != c.Metric {
		return false
	}
	return Compare(s.Value, c.Threshold, c.Operator)
}

func matchWebhook(c WebhookCondition, s Sample) bool {
	if s.Kind != SampleWebhook || s.Path != c.Path {
		return false
	}
	if c.Method != "" && !strings.EqualFold(c.Method, s.Method) {
		return false
	}
	if c.Secret != "" && subtle.ConstantTimeCompare([]byte(c.Secret), []byte(s.Secret)) != 1 {
		return false
	}
	return true
}

// Compare applies op to value and threshold. Unknown operators never match.
func Compare(value, threshold float64, op Operator) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// valuesEqual compares filter values. Numbers compare by value regardless of
// their Go type so that YAML ints match JSON floats.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

package metrics

import (
	"strings"
	"time"
)

// Sink records engine metrics.
// All methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Event bus
	EventPublished(topic string, handlers int)
	HandlerFailed(topic string)

	// Scheduler
	ScheduleFired()
	ScheduleDrift(drift time.Duration)

	// Dispatcher
	DispatchCompleted(actionKind, outcome string, duration time.Duration)

	// Registry
	ListenersUpdate(count int)
}

// Outcome constants for DispatchCompleted.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// TopicClass reduces a bus topic to its prefix ("event", "metric", "webhook")
// so label cardinality stays bounded.
func TopicClass(topic string) string {
	class, _, ok := strings.Cut(topic, ":")
	if !ok || class == "" {
		return "other"
	}
	return class
}

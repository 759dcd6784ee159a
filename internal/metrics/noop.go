package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventPublished(topic string, handlers int)                     {}
func (n *NoopSink) HandlerFailed(topic string)                                    {}
func (n *NoopSink) ScheduleFired()                                                {}
func (n *NoopSink) ScheduleDrift(drift time.Duration)                             {}
func (n *NoopSink) DispatchCompleted(actionKind, outcome string, d time.Duration) {}
func (n *NoopSink) ListenersUpdate(count int)                                     {}

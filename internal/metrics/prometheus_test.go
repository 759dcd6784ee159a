package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, nil), reg
}

func TestPrometheusSink_Bus(t *testing.T) {
	s, _ := newTestSink(t)

	s.EventPublished("metric:cpu_usage", 2)
	s.EventPublished("metric:mem_usage", 1)
	s.EventPublished("webhook:/hooks/abc", 0)
	s.HandlerFailed("metric:cpu_usage")

	if got := testutil.ToFloat64(s.publishesTotal.WithLabelValues("metric")); got != 2 {
		t.Errorf("metric publishes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.deliveriesTotal.WithLabelValues("metric")); got != 3 {
		t.Errorf("metric deliveries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.publishesTotal.WithLabelValues("webhook")); got != 1 {
		t.Errorf("webhook publishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.handlerFailuresTotal.WithLabelValues("metric")); got != 1 {
		t.Errorf("handler failures = %v, want 1", got)
	}
}

func TestPrometheusSink_SchedulerAndDispatch(t *testing.T) {
	s, reg := newTestSink(t)

	s.ScheduleFired()
	s.ScheduleFired()
	s.ScheduleDrift(-20 * time.Millisecond)
	s.DispatchCompleted("agent_execute", OutcomeSuccess, 150*time.Millisecond)
	s.DispatchCompleted("agent_execute", OutcomeFailed, time.Second)
	s.DispatchCompleted("webhook", OutcomeSuccess, 10*time.Millisecond)
	s.ListenersUpdate(7)

	if got := testutil.ToFloat64(s.firesTotal); got != 2 {
		t.Errorf("fires = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.dispatchesTotal.WithLabelValues("agent_execute", OutcomeFailed)); got != 1 {
		t.Errorf("failed agent dispatches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.activeListeners); got != 7 {
		t.Errorf("active listeners = %v, want 7", got)
	}
	if n := testutil.CollectAndCount(s.dispatchDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}

	count, err := testutil.GatherAndCount(reg, "tripwire_scheduler_fire_drift_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Errorf("drift series = %d, want 1", count)
	}
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, nil)
	s := NewPrometheusSink(reg, nil)
	s.ScheduleFired()
}

func TestNoopSink_AllMethods(t *testing.T) {
	var s Sink = NewNoopSink()
	s.EventPublished("event:push", 1)
	s.HandlerFailed("event:push")
	s.ScheduleFired()
	s.ScheduleDrift(time.Second)
	s.DispatchCompleted("notification", OutcomeSuccess, time.Millisecond)
	s.ListenersUpdate(0)
}

func TestTopicClass(t *testing.T) {
	tests := map[string]string{
		"event:deploy":       "event",
		"metric:cpu_usage":   "metric",
		"webhook:/hooks/abc": "webhook",
		"plain":              "other",
		":x":                 "other",
	}
	for topic, want := range tests {
		if got := TopicClass(topic); got != want {
			t.Errorf("TopicClass(%q) = %q, want %q", topic, got, want)
		}
	}
}

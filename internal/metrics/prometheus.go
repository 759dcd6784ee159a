package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *slog.Logger

	// Event bus
	publishesTotal       *prometheus.CounterVec
	deliveriesTotal      *prometheus.CounterVec
	handlerFailuresTotal *prometheus.CounterVec

	// Scheduler
	firesTotal prometheus.Counter
	fireDrift  prometheus.Histogram

	// Dispatcher
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Registry
	activeListeners prometheus.Gauge
}

// NewPrometheusSink creates a sink and registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &PrometheusSink{logger: logger}
	s.initBusMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initRegistryMetrics(reg)
	return s
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.publishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripwire_eventbus_publishes_total",
		Help: "Total number of publish calls by topic class.",
	}, []string{"topic_class"})
	s.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripwire_eventbus_deliveries_total",
		Help: "Total number of handler invocations by topic class.",
	}, []string{"topic_class"})
	s.handlerFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripwire_eventbus_handler_failures_total",
		Help: "Total number of handlers that returned an error or panicked.",
	}, []string{"topic_class"})

	s.register(reg, s.publishesTotal, "tripwire_eventbus_publishes_total")
	s.register(reg, s.deliveriesTotal, "tripwire_eventbus_deliveries_total")
	s.register(reg, s.handlerFailuresTotal, "tripwire_eventbus_handler_failures_total")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.firesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripwire_scheduler_fires_total",
		Help: "Total number of schedule timer expiries.",
	})
	s.fireDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripwire_scheduler_fire_drift_seconds",
		Help:    "Difference between planned and actual firing time in seconds.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})

	s.register(reg, s.firesTotal, "tripwire_scheduler_fires_total")
	s.register(reg, s.fireDrift, "tripwire_scheduler_fire_drift_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripwire_dispatcher_dispatches_total",
		Help: "Total number of action dispatch attempts by action kind and outcome.",
	}, []string{"action", "outcome"})
	s.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripwire_dispatcher_duration_seconds",
		Help:    "Action dispatch latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
	}, []string{"action"})

	s.register(reg, s.dispatchesTotal, "tripwire_dispatcher_dispatches_total")
	s.register(reg, s.dispatchDuration, "tripwire_dispatcher_duration_seconds")
}

func (s *PrometheusSink) initRegistryMetrics(reg prometheus.Registerer) {
	s.activeListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripwire_registry_active_listeners",
		Help: "Number of installed trigger listeners and timers.",
	})
	s.register(reg, s.activeListeners, "tripwire_registry_active_listeners")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", "name", name, "error", err)
	}
}

func (s *PrometheusSink) EventPublished(topic string, handlers int) {
	class := TopicClass(topic)
	s.publishesTotal.WithLabelValues(class).Inc()
	s.deliveriesTotal.WithLabelValues(class).Add(float64(handlers))
}

func (s *PrometheusSink) HandlerFailed(topic string) {
	s.handlerFailuresTotal.WithLabelValues(TopicClass(topic)).Inc()
}

func (s *PrometheusSink) ScheduleFired() {
	s.firesTotal.Inc()
}

func (s *PrometheusSink) ScheduleDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.fireDrift.Observe(d)
}

func (s *PrometheusSink) DispatchCompleted(actionKind, outcome string, duration time.Duration) {
	s.dispatchesTotal.WithLabelValues(actionKind, outcome).Inc()
	s.dispatchDuration.WithLabelValues(actionKind).Observe(duration.Seconds())
}

func (s *PrometheusSink) ListenersUpdate(count int) {
	s.activeListeners.Set(float64(count))
}

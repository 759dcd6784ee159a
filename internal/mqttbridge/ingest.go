package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/colebrumley/tripwire/internal/trigger"
)

// Bus is the part of the event bus the ingest needs.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) int
}

// DefaultIngestInFlight bounds concurrent bus publishes started by the ingest.
const DefaultIngestInFlight = 64

// ErrIngestSaturated is returned when a message arrives while every publish
// slot is busy. The message is dropped.
var ErrIngestSaturated = errors.New("mqtt: metric ingest saturated")

// MetricIngest turns broker messages on <prefix>/metrics/<name> into metric
// samples on the bus topic metric:<name>. Publishing happens off the paho
// callback: a bus publish waits for every dispatch, and blocking the
// callback stalls the client's inbound traffic, acks included.
type MetricIngest struct {
	bus    Bus
	prefix string
	logger *slog.Logger
	now    func() time.Time

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewMetricIngest creates an ingest with at most inFlight publishes running;
// zero or less means DefaultIngestInFlight.
func NewMetricIngest(bus Bus, prefix string, inFlight int, logger *slog.Logger) *MetricIngest {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if inFlight <= 0 {
		inFlight = DefaultIngestInFlight
	}
	return &MetricIngest{
		bus:    bus,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
		slots:  make(chan struct{}, inFlight),
	}
}

// Filter is the subscription filter for metric topics.
func (m *MetricIngest) Filter() string {
	return m.prefix + "/metrics/+"
}

// Start subscribes the ingest on c.
func (m *MetricIngest) Start(c *Client) error {
	return c.Subscribe(m.Filter(), m.Handle)
}

// Handle parses one broker message and publishes it as a metric sample in
// the background. It never waits for dispatches.
func (m *MetricIngest) Handle(topic string, payload []byte) error {
	name, ok := strings.CutPrefix(topic, m.prefix+"/metrics/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("unexpected metric topic %q", topic)
	}
	value, at, err := ParseMetricPayload(payload)
	if err != nil {
		return fmt.Errorf("metric %s: %w", name, err)
	}
	if at.IsZero() {
		at = m.now()
	}

	select {
	case m.slots <- struct{}{}:
	default:
		return fmt.Errorf("%w: dropping %s = %v", ErrIngestSaturated, name, value)
	}
	m.wg.Add(1)
	go func() {
		defer func() {
			<-m.slots
			m.wg.Done()
		}()
		n := m.bus.Publish(context.Background(), trigger.MetricTopic(name), trigger.NewMetricSample(name, value, at))
		m.logger.Debug("metric ingested", "metric", name, "value", value, "handlers", n)
	}()
	return nil
}

// Wait blocks until every publish started by Handle has returned.
func (m *MetricIngest) Wait() {
	m.wg.Wait()
}

type metricMessage struct {
	Value     *float64 `json:"value"`
	Timestamp string   `json:"timestamp"`
}

// ParseMetricPayload accepts a bare number ("95.2") or a JSON object
// {"value": 95.2, "timestamp": "<RFC3339>"}. The timestamp is optional and
// returned as zero when absent.
func ParseMetricPayload(payload []byte) (float64, time.Time, error) {
	raw := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v, time.Time{}, nil
	}

	var msg metricMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return 0, time.Time{}, fmt.Errorf("payload %q is neither a number nor a JSON object", truncate(raw, 64))
	}
	if msg.Value == nil {
		return 0, time.Time{}, fmt.Errorf("payload has no value")
	}
	var at time.Time
	if msg.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, msg.Timestamp)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
		}
		at = t
	}
	return *msg.Value, at, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

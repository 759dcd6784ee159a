package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SampleKind identifies the producer of a Sample
type SampleKind string

const (
	SampleEvent    SampleKind = "event"
	SampleMetric   SampleKind = "metric"
	SampleWebhook  SampleKind = "webhook"
	SampleSchedule SampleKind = "schedule"
)

// Topic prefixes on the event bus
const (
	eventTopicPrefix   = "event:"
	metricTopicPrefix  = "metric:"
	webhookTopicPrefix = "webhook:"
)

// Sample is an incoming observation matched against trigger conditions:
// an application event, a metric reading, a webhook delivery or a timer expiry.
type Sample struct {
	Kind      SampleKind
	Type      string // event type, metric name, or "webhook"/"schedule"
	Fields    map[string]any
	Value     float64
	Timestamp time.Time

	// Webhook deliveries only
	Path    string
	Method  string
	Body    string
	Headers map[string]string
	Secret  string
}

// NewEventSample builds a sample for an application event.
func NewEventSample(eventType string, fields map[string]any, at time.Time) Sample {
	return Sample{Kind: SampleEvent, Type: eventType, Fields: fields, Timestamp: at}
}

// NewMetricSample builds a sample for a metric reading.
func NewMetricSample(metric string, value float64, at time.Time) Sample {
	return Sample{Kind: SampleMetric, Type: metric, Value: value, Timestamp: at}
}

// NewWebhookSample builds a sample for a webhook delivery. A JSON object
// body is also exposed through Fields.
func NewWebhookSample(path, method, body string, headers map[string]string, at time.Time) Sample {
	s := Sample{
		Kind:      SampleWebhook,
		Type:      "webhook",
		Path:      path,
		Method:    strings.ToUpper(method),
		Body:      body,
		Headers:   headers,
		Timestamp: at,
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err == nil {
		s.Fields = fields
	}
	return s
}

// NewScheduleSample builds the sample handed to the dispatcher on timer expiry.
func NewScheduleSample(at time.Time) Sample {
	return Sample{Kind: SampleSchedule, Type: "schedule", Timestamp: at}
}

// EventTopic returns the bus topic for application events of eventType.
func EventTopic(eventType string) string { return eventTopicPrefix + eventType }

// MetricTopic returns the bus topic for samples of metric.
func MetricTopic(metric string) string { return metricTopicPrefix + metric }

// WebhookTopic returns the bus topic for deliveries to path.
func WebhookTopic(path string) string { return webhookTopicPrefix + path }

// Topic returns the bus topic a condition listens on. Schedule conditions
// have no topic and return "".
func (c Condition) Topic() string {
	switch c.Kind {
	case ConditionWebhook:
		if c.Webhook != nil {
			return WebhookTopic(c.Webhook.Path)
		}
	case ConditionEvent:
		if c.Event != nil {
			return EventTopic(c.Event.EventType)
		}
	case ConditionThreshold:
		if c.Threshold != nil {
			return MetricTopic(c.Threshold.Metric)
		}
	}
	return ""
}

// TemplateData flattens the sample into the values available to payload templates.
func (s Sample) TemplateData() map[string]any {
	data := make(map[string]any, len(s.Fields)+6)
	for k, v := range s.Fields {
		data[k] = v
	}
	data["sample_kind"] = string(s.Kind)
	if !s.Timestamp.IsZero() {
		data["timestamp"] = s.Timestamp.UTC().Format(time.RFC3339)
	}

	switch s.Kind {
	case SampleEvent:
		data["event_type"] = s.Type
	case SampleMetric:
		data["metric"] = s.Type
		data["value"] = s.Value
	case SampleWebhook:
		data["http_body"] = s.Body
		data["http_method"] = s.Method
		data["http_path"] = s.Path
	}
	return data
}

// Describe renders the sample as agent input when an action has no explicit
// input template.
func (s Sample) Describe() string {
	switch s.Kind {
	case SampleWebhook:
		return s.Body
	case SampleMetric:
		return fmt.Sprintf("metric %s = %v", s.Type, s.Value)
	case SampleEvent:
		if len(s.Fields) == 0 {
			return "event " + s.Type
		}
		data, err := json.Marshal(s.Fields)
		if err != nil {
			return "event " + s.Type
		}
		return fmt.Sprintf("event %s: %s", s.Type, data)
	default:
		return "scheduled run at " + s.Timestamp.UTC().Format(time.RFC3339)
	}
}

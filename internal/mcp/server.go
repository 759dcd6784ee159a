// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/colebrumley/tripwire/internal/eventbus"
	"github.com/colebrumley/tripwire/internal/registry"
	"github.com/colebrumley/tripwire/internal/trigger"
)

// Server exposes trigger management as MCP tools
type Server struct {
	registry *registry.Registry
	bus      *eventbus.Bus
	now      func() time.Time
	server   *mcp.Server
}

// ListTriggersInput is the input schema for the list_triggers tool
type ListTriggersInput struct {
	GuildID string `json:"guild_id,omitempty" jsonschema:"Only list triggers of this guild"`
}

// ListTriggersOutput is the output schema for the list_triggers tool
type ListTriggersOutput struct {
	Triggers []TriggerSummary `json:"triggers"`
	Count    int              `json:"count"`
}

// TriggerSummary is a single trigger in list results
type TriggerSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	GuildID       string `json:"guild_id"`
	Condition     string `json:"condition"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	LastTriggered string `json:"last_triggered,omitempty"`
}

// CreateTriggerInput is the input schema for the create_trigger tool. Only
// the fields of the chosen condition and action kinds are read.
type CreateTriggerInput struct {
	Name        string `json:"name" jsonschema:"Short unique name for the trigger"`
	Description string `json:"description,omitempty" jsonschema:"What the trigger is for"`
	GuildID     string `json:"guild_id" jsonschema:"Owning guild"`
	AgentID     string `json:"agent_id,omitempty" jsonschema:"Owning agent"`

	ConditionKind string         `json:"condition_kind" jsonschema:"One of: schedule, webhook, event, threshold"`
	Schedule      string         `json:"schedule,omitempty" jsonschema:"Schedule conditions: every_minute, every_hour, every_day, every_week, @every 5m, or a cron expression"`
	Timezone      string         `json:"timezone,omitempty" jsonschema:"Schedule conditions: IANA timezone for cron expressions"`
	WebhookPath   string         `json:"webhook_path,omitempty" jsonschema:"Webhook conditions: path under /hooks/, e.g. /hooks/deploy"`
	EventType     string         `json:"event_type,omitempty" jsonschema:"Event conditions: event type to match"`
	Filters       map[string]any `json:"filters,omitempty" jsonschema:"Event conditions: fields the event must contain with equal values"`
	Metric        string         `json:"metric,omitempty" jsonschema:"Threshold conditions: metric name"`
	Operator      string         `json:"operator,omitempty" jsonschema:"Threshold conditions: one of >, >=, <, <=, ==, !="`
	Threshold     float64        `json:"threshold,omitempty" jsonschema:"Threshold conditions: value compared against"`

	ActionKind   string         `json:"action_kind" jsonschema:"One of: agent_execute, workflow_execute, notification, webhook"`
	Target       string         `json:"target" jsonschema:"Agent id, workflow id, notification channel or webhook URL"`
	Payload      map[string]any `json:"payload,omitempty" jsonschema:"Action payload; string values may use {{field}} tokens from the firing sample"`
	ReplyChannel string         `json:"reply_channel,omitempty" jsonschema:"Agent actions: send the agent output to this notification channel"`
	Inactive     bool           `json:"inactive,omitempty" jsonschema:"Create the trigger without a listener"`
}

// CreateTriggerOutput is the output schema for the create_trigger tool
type CreateTriggerOutput struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// TriggerIDInput identifies one trigger
type TriggerIDInput struct {
	ID string `json:"id" jsonschema:"Trigger ID (from list_triggers)"`
}

// SetStatusInput is the input schema for the set_trigger_status tool
type SetStatusInput struct {
	ID     string `json:"id" jsonschema:"Trigger ID (from list_triggers)"`
	Status string `json:"status" jsonschema:"active or inactive"`
}

// MessageOutput is a plain confirmation
type MessageOutput struct {
	Message string `json:"message"`
}

// PublishEventInput is the input schema for the publish_event tool
type PublishEventInput struct {
	EventType string         `json:"event_type" jsonschema:"Event type, e.g. deploy.finished"`
	Fields    map[string]any `json:"fields,omitempty" jsonschema:"Event fields matched against trigger filters"`
}

// PublishMetricInput is the input schema for the publish_metric tool
type PublishMetricInput struct {
	Metric string  `json:"metric" jsonschema:"Metric name, e.g. cpu_usage"`
	Value  float64 `json:"value" jsonschema:"Sample value"`
}

// PublishOutput reports how many listeners received a published sample
type PublishOutput struct {
	Delivered int `json:"delivered"`
}

// NewServer creates a new MCP server with trigger tools
func NewServer(reg *registry.Registry, bus *eventbus.Bus, version string) *Server {
	s := &Server{registry: reg, bus: bus, now: time.Now}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "tripwire",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_triggers",
		Description: "List triggers with their condition, action and status. Use before creating a trigger to avoid duplicates.",
	}, s.handleList)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_trigger",
		Description: "Create a trigger that runs an action when its condition holds: on a schedule, on a webhook delivery, on an application event, or when a metric crosses a threshold.",
	}, s.handleCreate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_trigger",
		Description: "Delete a trigger. It stops firing immediately.",
	}, s.handleDelete)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_trigger_status",
		Description: "Pause (inactive) or resume (active) a trigger without deleting it.",
	}, s.handleSetStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "publish_event",
		Description: "Publish an application event. Matching event triggers fire before this returns.",
	}, s.handlePublishEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "publish_metric",
		Description: "Publish a metric sample. Threshold triggers on the metric are evaluated before this returns.",
	}, s.handlePublishMetric)

	s.server = server
	return s
}

// Handler serves the tools over streamable HTTP
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

func (s *Server) handleList(ctx context.Context, req *mcp.CallToolRequest, input ListTriggersInput) (*mcp.CallToolResult, ListTriggersOutput, error) {
	var triggers []*trigger.Trigger
	if input.GuildID != "" {
		triggers = s.registry.ListByGuild(input.GuildID)
	} else {
		triggers = s.registry.List()
	}

	results := make([]TriggerSummary, len(triggers))
	for i, t := range triggers {
		results[i] = summarize(t)
	}
	return nil, ListTriggersOutput{Triggers: results, Count: len(results)}, nil
}

func (s *Server) handleCreate(ctx context.Context, req *mcp.CallToolRequest, input CreateTriggerInput) (*mcp.CallToolResult, CreateTriggerOutput, error) {
	def, err := input.definition()
	if err != nil {
		return nil, CreateTriggerOutput{}, err
	}
	t, err := s.registry.CreateTrigger(ctx, def)
	if err != nil {
		return nil, CreateTriggerOutput{}, fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil, CreateTriggerOutput{
		ID:      t.ID,
		Message: fmt.Sprintf("Created trigger %s (%s)", t.Name, t.ID),
	}, nil
}

func (s *Server) handleDelete(ctx context.Context, req *mcp.CallToolRequest, input TriggerIDInput) (*mcp.CallToolResult, MessageOutput, error) {
	if err := s.registry.DeleteTrigger(ctx, input.ID); err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			return nil, MessageOutput{}, fmt.Errorf("trigger %s not found", input.ID)
		}
		return nil, MessageOutput{}, fmt.Errorf("failed to delete trigger: %w", err)
	}
	return nil, MessageOutput{Message: fmt.Sprintf("Deleted trigger %s", input.ID)}, nil
}

func (s *Server) handleSetStatus(ctx context.Context, req *mcp.CallToolRequest, input SetStatusInput) (*mcp.CallToolResult, MessageOutput, error) {
	status := trigger.Status(input.Status)
	if status != trigger.StatusActive && status != trigger.StatusInactive {
		return nil, MessageOutput{}, fmt.Errorf("status must be active or inactive, got %q", input.Status)
	}
	t, err := s.registry.UpdateTrigger(ctx, input.ID, trigger.Update{Status: &status})
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			return nil, MessageOutput{}, fmt.Errorf("trigger %s not found", input.ID)
		}
		return nil, MessageOutput{}, fmt.Errorf("failed to update trigger: %w", err)
	}
	return nil, MessageOutput{Message: fmt.Sprintf("Trigger %s is now %s", t.Name, t.Status)}, nil
}

func (s *Server) handlePublishEvent(ctx context.Context, req *mcp.CallToolRequest, input PublishEventInput) (*mcp.CallToolResult, PublishOutput, error) {
	if input.EventType == "" {
		return nil, PublishOutput{}, errors.New("event_type is required")
	}
	sample := trigger.NewEventSample(input.EventType, input.Fields, s.now())
	n := s.bus.Publish(ctx, trigger.EventTopic(input.EventType), sample)
	return nil, PublishOutput{Delivered: n}, nil
}

func (s *Server) handlePublishMetric(ctx context.Context, req *mcp.CallToolRequest, input PublishMetricInput) (*mcp.CallToolResult, PublishOutput, error) {
	if input.Metric == "" {
		return nil, PublishOutput{}, errors.New("metric is required")
	}
	sample := trigger.NewMetricSample(input.Metric, input.Value, s.now())
	n := s.bus.Publish(ctx, trigger.MetricTopic(input.Metric), sample)
	return nil, PublishOutput{Delivered: n}, nil
}

// definition builds the registry input. Shape errors are left to the
// registry's validation.
func (in CreateTriggerInput) definition() (trigger.Definition, error) {
	cond := trigger.Condition{Kind: trigger.ConditionKind(in.ConditionKind)}
	switch cond.Kind {
	case trigger.ConditionSchedule:
		cond.Schedule = &trigger.ScheduleCondition{Expression: in.Schedule, Timezone: in.Timezone}
	case trigger.ConditionWebhook:
		cond.Webhook = &trigger.WebhookCondition{Path: in.WebhookPath}
	case trigger.ConditionEvent:
		cond.Event = &trigger.EventCondition{EventType: in.EventType, Filters: in.Filters}
	case trigger.ConditionThreshold:
		cond.Threshold = &trigger.ThresholdCondition{
			Metric:    in.Metric,
			Operator:  trigger.Operator(in.Operator),
			Threshold: in.Threshold,
		}
	default:
		return trigger.Definition{}, fmt.Errorf("%w: unknown condition_kind %q", trigger.ErrValidation, in.ConditionKind)
	}

	status := trigger.StatusActive
	if in.Inactive {
		status = trigger.StatusInactive
	}

	return trigger.Definition{
		Name:        in.Name,
		Description: in.Description,
		GuildID:     in.GuildID,
		AgentID:     in.AgentID,
		Condition:   cond,
		Action: trigger.Action{
			Kind:         trigger.ActionKind(in.ActionKind),
			Target:       in.Target,
			Payload:      in.Payload,
			ReplyChannel: in.ReplyChannel,
		},
		Status: status,
	}, nil
}

func summarize(t *trigger.Trigger) TriggerSummary {
	out := TriggerSummary{
		ID:        t.ID,
		Name:      t.Name,
		GuildID:   t.GuildID,
		Condition: t.Condition.String(),
		Action:    fmt.Sprintf("%s %s", t.Action.Kind, t.Action.Target),
		Status:    string(t.Status),
	}
	if t.LastTriggered != nil {
		out.LastTriggered = t.LastTriggered.UTC().Format(time.RFC3339)
	}
	return out
}

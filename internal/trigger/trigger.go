// internal/trigger/trigger.go
package trigger

import (
	"fmt"
	"maps"
	"time"
)

// Status controls whether a trigger is listened on
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ConditionKind tags which variant of Condition is populated
type ConditionKind string

const (
	ConditionSchedule  ConditionKind = "schedule"
	ConditionWebhook   ConditionKind = "webhook"
	ConditionEvent     ConditionKind = "event"
	ConditionThreshold ConditionKind = "threshold"
)

// ActionKind tags which collaborator an Action is dispatched to
type ActionKind string

const (
	ActionAgentExecute    ActionKind = "agent_execute"
	ActionWorkflowExecute ActionKind = "workflow_execute"
	ActionNotification    ActionKind = "notification"
	ActionWebhook         ActionKind = "webhook"
)

// Operator is a threshold comparison operator
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Operators returns all supported threshold operators.
func Operators() []Operator {
	return []Operator{OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual}
}

// Condition is the predicate that must hold for a trigger to fire.
// Exactly one of the variant fields matching Kind is set.
type Condition struct {
	Kind      ConditionKind       `json:"kind" yaml:"kind"`
	Schedule  *ScheduleCondition  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Webhook   *WebhookCondition   `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Event     *EventCondition     `json:"event,omitempty" yaml:"event,omitempty"`
	Threshold *ThresholdCondition `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// ScheduleCondition fires on a recurrence: a named frequency (every_minute,
// every_hour, ...), an @descriptor, or a cron expression.
type ScheduleCondition struct {
	Expression string `json:"expression" yaml:"expression"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// WebhookCondition fires when a webhook is delivered to Path.
type WebhookCondition struct {
	Path   string `json:"path" yaml:"path"`
	Method string `json:"method,omitempty" yaml:"method,omitempty"` // empty accepts any method
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// EventCondition fires on internal application events of EventType whose
// fields contain every Filters pair.
type EventCondition struct {
	EventType string         `json:"event_type" yaml:"event_type"`
	Filters   map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// ThresholdCondition fires when a sample of Metric compares true against Threshold.
type ThresholdCondition struct {
	Metric    string   `json:"metric" yaml:"metric"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

// Action is the side effect performed when a trigger fires.
//
// Target is the agent id, workflow id, notification channel or webhook URL
// depending on Kind. Payload string values may contain {{field}} tokens.
type Action struct {
	Kind    ActionKind     `json:"kind" yaml:"kind"`
	Target  string         `json:"target" yaml:"target"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`

	// Agent actions only: send the agent output to this notification channel.
	ReplyChannel  string `json:"reply_channel,omitempty" yaml:"reply_channel,omitempty"`
	ReplyTemplate string `json:"reply_template,omitempty" yaml:"reply_template,omitempty"`
}

// Trigger is a persisted rule binding a condition to an action.
type Trigger struct {
	ID            string     `json:"id"`
	GuildID       string     `json:"guild_id"`
	AgentID       string     `json:"agent_id,omitempty"`
	AgentName     string     `json:"agent_name,omitempty"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Condition     Condition  `json:"condition"`
	Action        Action     `json:"action"`
	Status        Status     `json:"status"`
	Source        string     `json:"source,omitempty"` // "file:<name>" for definition files
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`

	// Metadata holds runtime handles and is never persisted.
	Metadata map[string]string `json:"-"`
}

// Active reports whether the trigger should have a live listener.
func (t *Trigger) Active() bool {
	return t.Status == StatusActive
}

// Clone returns an independent copy of the trigger.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	cpy := *t
	cpy.Condition = t.Condition.Clone()
	cpy.Action = t.Action.Clone()
	if t.LastTriggered != nil {
		ts := *t.LastTriggered
		cpy.LastTriggered = &ts
	}
	cpy.Metadata = maps.Clone(t.Metadata)
	return &cpy
}

// String renders the condition on one line, e.g. "threshold cpu > 90".
func (c Condition) String() string {
	switch {
	case c.Kind == ConditionSchedule && c.Schedule != nil:
		return "schedule " + c.Schedule.Expression
	case c.Kind == ConditionWebhook && c.Webhook != nil:
		return "webhook " + c.Webhook.Path
	case c.Kind == ConditionEvent && c.Event != nil:
		if len(c.Event.Filters) > 0 {
			return fmt.Sprintf("event %s %v", c.Event.EventType, c.Event.Filters)
		}
		return "event " + c.Event.EventType
	case c.Kind == ConditionThreshold && c.Threshold != nil:
		return fmt.Sprintf("threshold %s %s %v", c.Threshold.Metric, c.Threshold.Operator, c.Threshold.Threshold)
	default:
		return string(c.Kind)
	}
}

// Clone returns a deep copy of the condition.
func (c Condition) Clone() Condition {
	cpy := Condition{Kind: c.Kind}
	if c.Schedule != nil {
		s := *c.Schedule
		cpy.Schedule = &s
	}
	if c.Webhook != nil {
		w := *c.Webhook
		cpy.Webhook = &w
	}
	if c.Event != nil {
		e := *c.Event
		e.Filters = cloneMap(c.Event.Filters)
		cpy.Event = &e
	}
	if c.Threshold != nil {
		th := *c.Threshold
		cpy.Threshold = &th
	}
	return cpy
}

// Clone returns a deep copy of the action.
func (a Action) Clone() Action {
	cpy := a
	cpy.Payload = cloneMap(a.Payload)
	return cpy
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// Definition is the input accepted by the registry's creation calls.
type Definition struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	GuildID     string    `json:"guild_id" yaml:"guild_id"`
	AgentID     string    `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	AgentName   string    `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
	Condition   Condition `json:"condition" yaml:"condition"`
	Action      Action    `json:"action" yaml:"action"`
	Status      Status    `json:"status,omitempty" yaml:"status,omitempty"` // defaults to active
	Source      string    `json:"source,omitempty" yaml:"-"`
}

// Update is a partial update; nil fields are left unchanged.
type Update struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	AgentID     *string    `json:"agent_id,omitempty"`
	AgentName   *string    `json:"agent_name,omitempty"`
	Condition   *Condition `json:"condition,omitempty"`
	Action      *Action    `json:"action,omitempty"`
	Status      *Status    `json:"status,omitempty"`
}

// Apply returns a copy of t with the update applied. The id, guild and
// timestamps are never touched here.
func (u Update) Apply(t *Trigger) *Trigger {
	next := t.Clone()
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.AgentID != nil {
		next.AgentID = *u.AgentID
	}
	if u.AgentName != nil {
		next.AgentName = *u.AgentName
	}
	if u.Condition != nil {
		next.Condition = u.Condition.Clone()
	}
	if u.Action != nil {
		next.Action = u.Action.Clone()
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	return next
}

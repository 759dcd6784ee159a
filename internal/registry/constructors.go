package registry

import (
	"context"
	"maps"

	"github.com/colebrumley/tripwire/internal/trigger"
)

// SlackMessageEvent is the event type published for incoming Slack messages.
const SlackMessageEvent = "slack.message"

// Owner identifies who a trigger belongs to.
type Owner struct {
	GuildID   string
	AgentID   string
	AgentName string
}

func (o Owner) definition(name string, cond trigger.Condition, action trigger.Action) trigger.Definition {
	return trigger.Definition{
		Name:      name,
		GuildID:   o.GuildID,
		AgentID:   o.AgentID,
		AgentName: o.AgentName,
		Condition: cond,
		Action:    action,
	}
}

// CreateScheduledTrigger creates a trigger that fires on schedule: a named
// frequency such as every_hour, an @descriptor, or a cron expression.
func (r *Registry) CreateScheduledTrigger(ctx context.Context, owner Owner, name, schedule string, action trigger.Action) (*trigger.Trigger, error) {
	cond := trigger.Condition{
		Kind:     trigger.ConditionSchedule,
		Schedule: &trigger.ScheduleCondition{Expression: schedule},
	}
	return r.CreateTrigger(ctx, owner.definition(name, cond, action))
}

// CreateWebhookTrigger creates a trigger that fires on deliveries to path.
func (r *Registry) CreateWebhookTrigger(ctx context.Context, owner Owner, name, path string, action trigger.Action) (*trigger.Trigger, error) {
	cond := trigger.Condition{
		Kind:    trigger.ConditionWebhook,
		Webhook: &trigger.WebhookCondition{Path: path},
	}
	return r.CreateTrigger(ctx, owner.definition(name, cond, action))
}

// CreateThresholdTrigger creates a trigger that fires when a sample of
// metric compares true against threshold.
func (r *Registry) CreateThresholdTrigger(ctx context.Context, owner Owner, name, metric string, op trigger.Operator, threshold float64, action trigger.Action) (*trigger.Trigger, error) {
	cond := trigger.Condition{
		Kind:      trigger.ConditionThreshold,
		Threshold: &trigger.ThresholdCondition{Metric: metric, Operator: op, Threshold: threshold},
	}
	return r.CreateTrigger(ctx, owner.definition(name, cond, action))
}

// CreateSlackMessageTrigger creates a trigger that runs the owner's agent on
// every Slack message in channelID matching filters, and posts the agent's
// answer back to the channel.
func (r *Registry) CreateSlackMessageTrigger(ctx context.Context, owner Owner, channelID string, filters map[string]any) (*trigger.Trigger, error) {
	f := maps.Clone(filters)
	if f == nil {
		f = make(map[string]any, 1)
	}
	f["channel"] = channelID

	cond := trigger.Condition{
		Kind:  trigger.ConditionEvent,
		Event: &trigger.EventCondition{EventType: SlackMessageEvent, Filters: f},
	}
	action := trigger.Action{
		Kind:         trigger.ActionAgentExecute,
		Target:       owner.AgentID,
		Payload:      map[string]any{"input": "{{text}}"},
		ReplyChannel: "slack:" + channelID,
	}
	return r.CreateTrigger(ctx, owner.definition("slack-message-"+channelID, cond, action))
}

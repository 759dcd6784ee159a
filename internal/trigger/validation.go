package trigger

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// WebhookPathPrefix is the URL prefix the daemon serves webhook deliveries under.
const WebhookPathPrefix = "/hooks/"

// Validate checks the shape of a definition. Schedule strings are only
// checked for presence here; the scheduler resolves them. An empty status
// means active.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if d.GuildID == "" {
		return fmt.Errorf("%w: guild_id is required", ErrValidation)
	}
	switch d.Status {
	case "", StatusActive, StatusInactive:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrValidation, d.Status)
	}
	if err := d.Condition.Validate(); err != nil {
		return err
	}
	return d.Action.Validate()
}

// Validate checks that the variant named by Kind is present and complete.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionSchedule:
		if c.Schedule == nil || strings.TrimSpace(c.Schedule.Expression) == "" {
			return fmt.Errorf("%w: schedule condition requires an expression", ErrValidation)
		}
	case ConditionWebhook:
		if c.Webhook == nil || c.Webhook.Path == "" {
			return fmt.Errorf("%w: webhook condition requires a path", ErrValidation)
		}
		rest, ok := strings.CutPrefix(c.Webhook.Path, WebhookPathPrefix)
		if !ok || rest == "" {
			return fmt.Errorf("%w: webhook path %q must be under %s", ErrValidation, c.Webhook.Path, WebhookPathPrefix)
		}
	case ConditionEvent:
		if c.Event == nil || c.Event.EventType == "" {
			return fmt.Errorf("%w: event condition requires an event_type", ErrValidation)
		}
	case ConditionThreshold:
		if c.Threshold == nil || c.Threshold.Metric == "" {
			return fmt.Errorf("%w: threshold condition requires a metric", ErrValidation)
		}
		if !slices.Contains(Operators(), c.Threshold.Operator) {
			return fmt.Errorf("%w: unknown operator %q", ErrValidation, c.Threshold.Operator)
		}
	case "":
		return fmt.Errorf("%w: condition kind is required", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown condition kind %q", ErrValidation, c.Kind)
	}
	return nil
}

// Validate checks the action kind and target.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionAgentExecute, ActionWorkflowExecute, ActionNotification:
	case ActionWebhook:
		u, err := url.Parse(a.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook action target %q is not an http(s) URL", ErrValidation, a.Target)
		}
	case "":
		return fmt.Errorf("%w: action kind is required", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrValidation, a.Kind)
	}
	if strings.TrimSpace(a.Target) == "" {
		return fmt.Errorf("%w: %s action requires a target", ErrValidation, a.Kind)
	}
	return nil
}

// Validate checks a stored trigger, as done before an update is applied.
// Unlike a definition, a stored trigger must carry an explicit status.
func (t *Trigger) Validate() error {
	if t.Status != StatusActive && t.Status != StatusInactive {
		return fmt.Errorf("%w: status must be %s or %s, got %q", ErrValidation, StatusActive, StatusInactive, t.Status)
	}
	return t.Definition().Validate()
}

// Definition returns the user-supplied portion of the trigger.
func (t *Trigger) Definition() Definition {
	return Definition{
		Name:        t.Name,
		Description: t.Description,
		GuildID:     t.GuildID,
		AgentID:     t.AgentID,
		AgentName:   t.AgentName,
		Condition:   t.Condition.Clone(),
		Action:      t.Action.Clone(),
		Status:      t.Status,
		Source:      t.Source,
	}
}

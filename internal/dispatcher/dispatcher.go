// Package dispatcher performs trigger actions: it resolves payload templates
// and hands the result to the collaborator for the action kind.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/colebrumley/tripwire/internal/logging"
	"github.com/colebrumley/tripwire/internal/metrics"
	"github.com/colebrumley/tripwire/internal/security"
	"github.com/colebrumley/tripwire/internal/state"
	"github.com/colebrumley/tripwire/internal/template"
	"github.com/colebrumley/tripwire/internal/trigger"
)

const (
	maxOutputLen    = 10 * 1024
	maxEventDataLen = 1024

	// DefaultReplyTemplate renders the agent output unchanged.
	DefaultReplyTemplate = "{{response}}"
)

// Outcome describes one dispatch attempt.
type Outcome struct {
	ExecutionID string
	TriggerID   string
	Action      trigger.ActionKind
	StartedAt   time.Time
	FinishedAt  time.Time
	Output      string
	// Err wraps trigger.ErrDispatch when the collaborator call failed.
	Err error
}

// Success reports whether the collaborator call succeeded.
func (o Outcome) Success() bool { return o.Err == nil }

// Options configures a Dispatcher. Nil collaborators make the matching
// action kind fail, except Notifier which falls back to LogNotifier.
type Options struct {
	Agents    AgentExecutor
	Workflows WorkflowExecutor
	Notifier  NotificationSender
	Webhooks  WebhookCaller
	Recorder  Recorder
	Analytics Analytics
	Metrics   metrics.Sink
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Dispatcher executes trigger actions. It is safe for concurrent use.
type Dispatcher struct {
	agents    AgentExecutor
	workflows WorkflowExecutor
	notifier  NotificationSender
	webhooks  WebhookCaller
	recorder  Recorder
	analytics Analytics
	metrics   metrics.Sink
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		agents:    opts.Agents,
		workflows: opts.Workflows,
		notifier:  opts.Notifier,
		webhooks:  opts.Webhooks,
		recorder:  opts.Recorder,
		analytics: opts.Analytics,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	if d.notifier == nil {
		d.notifier = LogNotifier{Logger: d.logger}
	}
	if d.metrics == nil {
		d.metrics = metrics.NewNoopSink()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d
}

// Dispatch performs t's action for sample s. It never returns an error:
// failures are logged, recorded in history and reported in the Outcome.
// There is no retry.
func (d *Dispatcher) Dispatch(ctx context.Context, t *trigger.Trigger, s trigger.Sample) Outcome {
	out := Outcome{
		ExecutionID: d.newID(),
		TriggerID:   t.ID,
		Action:      t.Action.Kind,
		StartedAt:   d.now(),
	}
	logger := logging.WithExecution(logging.WithTrigger(d.logger, t.ID, t.Name), out.ExecutionID, string(t.Action.Kind))

	ctx = WithExecution(ctx, Execution{ID: out.ExecutionID, TriggerID: t.ID, TriggerName: t.Name})
	data := templateContext(t, s, out.ExecutionID)

	output, err := d.perform(ctx, t, s, data, out.ExecutionID)
	out.FinishedAt = d.now()
	out.Output = truncate(security.ScrubOutput(output), maxOutputLen)
	duration := out.FinishedAt.Sub(out.StartedAt)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		out.Err = fmt.Errorf("%w: %s %q: %v", trigger.ErrDispatch, t.Action.Kind, t.Action.Target, err)
		outcome = metrics.OutcomeFailed
		logger.Error("dispatch failed", "error", out.Err, "duration", duration)
	} else {
		logger.Info("dispatched", "duration", duration)
	}

	d.metrics.DispatchCompleted(string(t.Action.Kind), outcome, duration)
	if d.analytics != nil {
		d.analytics.RecordFiring(ctx, t.ID, outcome, out.StartedAt)
	}
	d.record(context.WithoutCancel(ctx), t, s, out, logger)
	return out
}

func (d *Dispatcher) perform(ctx context.Context, t *trigger.Trigger, s trigger.Sample, data map[string]any, executionID string) (string, error) {
	switch t.Action.Kind {
	case trigger.ActionAgentExecute:
		return d.runAgent(ctx, t, s, data, executionID)
	case trigger.ActionWorkflowExecute:
		return d.runWorkflow(ctx, t, data, executionID)
	case trigger.ActionNotification:
		return d.notify(ctx, t, s, data)
	case trigger.ActionWebhook:
		return d.callWebhook(ctx, t, data)
	default:
		return "", fmt.Errorf("unknown action kind %q", t.Action.Kind)
	}
}

func (d *Dispatcher) runAgent(ctx context.Context, t *trigger.Trigger, s trigger.Sample, data map[string]any, executionID string) (string, error) {
	if d.agents == nil {
		return "", errors.New("no agent executor configured")
	}

	payload := template.ExpandMap(t.Action.Payload, data)
	input := s.Describe()
	if v, ok := payload["input"]; ok {
		input = fmt.Sprint(v)
		delete(payload, "input")
	}

	res, err := d.agents.Execute(ctx, t.Action.Target, input, executionContext(t, payload, data, executionID))
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.New("agent returned no result")
	}
	if res.Status == "error" {
		return res.Output, fmt.Errorf("agent reported error: %s", truncate(res.Output, 200))
	}

	if t.Action.ReplyChannel != "" {
		tmpl := t.Action.ReplyTemplate
		if tmpl == "" {
			tmpl = DefaultReplyTemplate
		}
		replyData := make(map[string]any, len(data)+1)
		for k, v := range data {
			replyData[k] = v
		}
		replyData["response"] = security.ScrubOutput(res.Output)
		if err := d.notifier.Send(ctx, t.Action.ReplyChannel, template.Expand(tmpl, replyData), nil); err != nil {
			return res.Output, fmt.Errorf("sending reply to %s: %w", t.Action.ReplyChannel, err)
		}
	}
	return res.Output, nil
}

func (d *Dispatcher) runWorkflow(ctx context.Context, t *trigger.Trigger, data map[string]any, executionID string) (string, error) {
	if d.workflows == nil {
		return "", errors.New("no workflow executor configured")
	}
	payload := template.ExpandMap(t.Action.Payload, data)
	id, err := d.workflows.Execute(ctx, t.Action.Target, executionContext(t, payload, data, executionID))
	if err != nil {
		return "", err
	}
	return "workflow execution " + id, nil
}

func (d *Dispatcher) notify(ctx context.Context, t *trigger.Trigger, s trigger.Sample, data map[string]any) (string, error) {
	payload := template.ExpandMap(t.Action.Payload, data)

	message := fmt.Sprintf("Trigger %s fired: %s", t.Name, s.Describe())
	if v, ok := payload["message"]; ok {
		message = fmt.Sprint(v)
	}
	recipients := toStrings(payload["recipients"])

	if err := d.notifier.Send(ctx, t.Action.Target, message, recipients); err != nil {
		return "", err
	}
	return message, nil
}

func (d *Dispatcher) callWebhook(ctx context.Context, t *trigger.Trigger, data map[string]any) (string, error) {
	if d.webhooks == nil {
		return "", errors.New("no webhook caller configured")
	}
	body := template.ExpandMap(t.Action.Payload, data)
	if body == nil {
		body = map[string]any{
			"trigger_id":   t.ID,
			"trigger_name": t.Name,
			"guild_id":     t.GuildID,
			"data":         data,
		}
	}

	status, err := d.webhooks.Post(ctx, t.Action.Target, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return fmt.Sprintf("status %d", status), fmt.Errorf("webhook returned status %d", status)
	}
	return fmt.Sprintf("status %d", status), nil
}

func (d *Dispatcher) record(ctx context.Context, t *trigger.Trigger, s trigger.Sample, out Outcome, logger *slog.Logger) {
	if d.recorder == nil {
		return
	}
	rec := state.ExecutionRecord{
		ExecutionID:   out.ExecutionID,
		TriggerID:     t.ID,
		TriggerName:   t.Name,
		ConditionKind: string(t.Condition.Kind),
		ActionKind:    string(t.Action.Kind),
		State:         state.StateSuccess,
		StartedAt:     out.StartedAt,
		FinishedAt:    out.FinishedAt,
		DurationMs:    out.FinishedAt.Sub(out.StartedAt).Milliseconds(),
		Output:        out.Output,
	}
	if out.Err != nil {
		rec.State = state.StateFailure
		rec.Error = security.ScrubOutput(out.Err.Error())
	}
	if raw, err := json.Marshal(s.TemplateData()); err == nil {
		rec.EventData = truncate(security.ScrubOutput(string(raw)), maxEventDataLen)
	}
	if _, err := d.recorder.RecordExecution(ctx, rec); err != nil {
		logger.Warn("recording dispatch history", "error", err)
	}
}

// templateContext builds the values available to payload templates. Sample
// values are sanitized; trigger identity always wins over a sample field of
// the same name.
func templateContext(t *trigger.Trigger, s trigger.Sample, executionID string) map[string]any {
	data := security.SanitizeData(s.TemplateData())
	data["trigger_id"] = t.ID
	data["trigger_name"] = t.Name
	data["guild_id"] = t.GuildID
	data["agent_id"] = t.AgentID
	data["agent_name"] = t.AgentName
	data["execution_id"] = executionID
	return data
}

func executionContext(t *trigger.Trigger, payload, data map[string]any, executionID string) map[string]any {
	ctx := make(map[string]any, len(payload)+6)
	for k, v := range payload {
		ctx[k] = v
	}
	ctx["executionId"] = executionID
	ctx["isSimulation"] = false
	ctx["triggerId"] = t.ID
	ctx["triggerName"] = t.Name
	ctx["guildId"] = t.GuildID
	ctx["sample"] = data
	return ctx
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return []string{fmt.Sprint(val)}
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

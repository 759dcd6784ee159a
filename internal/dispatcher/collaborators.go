package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/colebrumley/tripwire/internal/state"
)

// AgentResult is the reply of an agent execution.
type AgentResult struct {
	Output         string `json:"output"`
	ChainOfThought string `json:"chain_of_thought,omitempty"`
	Status         string `json:"status,omitempty"`
}

// AgentExecutor runs an agent with a text input.
type AgentExecutor interface {
	Execute(ctx context.Context, agentID, input string, execCtx map[string]any) (*AgentResult, error)
}

// WorkflowExecutor starts a workflow and returns its execution id.
type WorkflowExecutor interface {
	Execute(ctx context.Context, workflowID string, execCtx map[string]any) (string, error)
}

// NotificationSender delivers a message to a channel.
type NotificationSender interface {
	Send(ctx context.Context, channel, message string, recipients []string) error
}

// WebhookCaller posts a JSON payload and reports the HTTP status.
type WebhookCaller interface {
	Post(ctx context.Context, url string, payload map[string]any) (int, error)
}

// Recorder stores dispatch history.
type Recorder interface {
	RecordExecution(ctx context.Context, rec state.ExecutionRecord) (int64, error)
}

// Analytics counts firings per trigger. Implementations must not block.
type Analytics interface {
	RecordFiring(ctx context.Context, triggerID, outcome string, at time.Time)
}

// LogNotifier is the NotificationSender used when no transport is configured.
// It writes every message to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, channel, message string, recipients []string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "channel", channel, "recipients", recipients, "message", message)
	return nil
}

type executionKey struct{}

// Execution identifies the dispatch a collaborator call belongs to.
type Execution struct {
	ID          string
	TriggerID   string
	TriggerName string
}

// WithExecution attaches exec to ctx.
func WithExecution(ctx context.Context, exec Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, exec)
}

// ExecutionFromContext returns the dispatch that ctx was created for, if any.
func ExecutionFromContext(ctx context.Context) (Execution, bool) {
	exec, ok := ctx.Value(executionKey{}).(Execution)
	return exec, ok
}

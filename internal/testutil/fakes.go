package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/colebrumley/tripwire/internal/dispatcher"
	"github.com/colebrumley/tripwire/internal/state"
)

// AgentCall is one recorded AgentExecutor invocation.
type AgentCall struct {
	AgentID string
	Input   string
	Context map[string]any
}

// FakeAgent records calls and answers with Result or Err.
type FakeAgent struct {
	mu     sync.Mutex
	calls  []AgentCall
	Result dispatcher.AgentResult
	Err    error
}

func (f *FakeAgent) Execute(ctx context.Context, agentID, input string, execCtx map[string]any) (*dispatcher.AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, AgentCall{AgentID: agentID, Input: input, Context: execCtx})
	if f.Err != nil {
		return nil, f.Err
	}
	res := f.Result
	return &res, nil
}

// Calls returns a copy of the recorded calls.
func (f *FakeAgent) Calls() []AgentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AgentCall(nil), f.calls...)
}

// WorkflowCall is one recorded WorkflowExecutor invocation.
type WorkflowCall struct {
	WorkflowID string
	Context    map[string]any
}

// FakeWorkflows records calls and returns ExecutionID or Err.
type FakeWorkflows struct {
	mu          sync.Mutex
	calls       []WorkflowCall
	ExecutionID string
	Err         error
}

func (f *FakeWorkflows) Execute(ctx context.Context, workflowID string, execCtx map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, WorkflowCall{WorkflowID: workflowID, Context: execCtx})
	return f.ExecutionID, f.Err
}

func (f *FakeWorkflows) Calls() []WorkflowCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WorkflowCall(nil), f.calls...)
}

// Notification is one recorded NotificationSender invocation.
type Notification struct {
	Channel    string
	Message    string
	Recipients []string
}

// FakeNotifier records notifications.
type FakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (f *FakeNotifier) Send(ctx context.Context, channel, message string, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, Notification{Channel: channel, Message: message, Recipients: recipients})
	return f.Err
}

func (f *FakeNotifier) Sent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.sent...)
}

// WebhookPost is one recorded WebhookCaller invocation.
type WebhookPost struct {
	URL     string
	Payload map[string]any
}

// FakeWebhooks records posts and answers with Status (200 when zero) or Err.
type FakeWebhooks struct {
	mu     sync.Mutex
	posts  []WebhookPost
	Status int
	Err    error
}

func (f *FakeWebhooks) Post(ctx context.Context, url string, payload map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, WebhookPost{URL: url, Payload: payload})
	if f.Err != nil {
		return 0, f.Err
	}
	if f.Status == 0 {
		return 200, nil
	}
	return f.Status, nil
}

func (f *FakeWebhooks) Posts() []WebhookPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WebhookPost(nil), f.posts...)
}

// FakeRecorder keeps execution records in memory.
type FakeRecorder struct {
	mu      sync.Mutex
	records []state.ExecutionRecord
}

func (f *FakeRecorder) RecordExecution(ctx context.Context, rec state.ExecutionRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return int64(len(f.records)), nil
}

func (f *FakeRecorder) Records() []state.ExecutionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]state.ExecutionRecord(nil), f.records...)
}

// Firing is one recorded analytics firing.
type Firing struct {
	TriggerID string
	Outcome   string
	At        time.Time
}

// FakeAnalytics records firings.
type FakeAnalytics struct {
	mu      sync.Mutex
	firings []Firing
}

func (f *FakeAnalytics) RecordFiring(ctx context.Context, triggerID, outcome string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firings = append(f.firings, Firing{TriggerID: triggerID, Outcome: outcome, At: at})
}

func (f *FakeAnalytics) Firings() []Firing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Firing(nil), f.firings...)
}

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

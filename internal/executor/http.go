// internal/executor/http.go
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/colebrumley/tripwire/internal/dispatcher"
)

const maxErrorBody = 512

// HTTPAgentExecutor calls the agent service:
// POST {base}/agent/{id}/execute with {"input", "context"}.
type HTTPAgentExecutor struct {
	baseURL string
	client  *http.Client
}

var _ dispatcher.AgentExecutor = (*HTTPAgentExecutor)(nil)

// NewHTTPAgentExecutor creates an executor. The timeout bounds each call.
func NewHTTPAgentExecutor(baseURL string, timeout time.Duration) *HTTPAgentExecutor {
	return &HTTPAgentExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type agentRequest struct {
	Input   string         `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// Execute runs agentID. A non-2xx reply or a body with status "error" is a
// failure.
func (e *HTTPAgentExecutor) Execute(ctx context.Context, agentID, input string, execCtx map[string]any) (*dispatcher.AgentResult, error) {
	endpoint := fmt.Sprintf("%s/agent/%s/execute", e.baseURL, url.PathEscape(agentID))

	var res dispatcher.AgentResult
	if err := postJSON(ctx, e.client, endpoint, agentRequest{Input: input, Context: execCtx}, &res); err != nil {
		return nil, fmt.Errorf("executing agent %s: %w", agentID, err)
	}
	if res.Status == "error" {
		return nil, fmt.Errorf("executing agent %s: %s", agentID, res.Output)
	}
	return &res, nil
}

// HTTPWorkflowExecutor starts workflows:
// POST {base}/workflows/{id}/execute with {"context"}, answering {"executionId"}.
type HTTPWorkflowExecutor struct {
	baseURL string
	client  *http.Client
}

var _ dispatcher.WorkflowExecutor = (*HTTPWorkflowExecutor)(nil)

func NewHTTPWorkflowExecutor(baseURL string, timeout time.Duration) *HTTPWorkflowExecutor {
	return &HTTPWorkflowExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type workflowRequest struct {
	Context map[string]any `json:"context"`
}

type workflowResponse struct {
	ExecutionID string `json:"executionId"`
}

// Execute starts workflowID and returns the execution id reported by the service.
func (e *HTTPWorkflowExecutor) Execute(ctx context.Context, workflowID string, execCtx map[string]any) (string, error) {
	endpoint := fmt.Sprintf("%s/workflows/%s/execute", e.baseURL, url.PathEscape(workflowID))

	var res workflowResponse
	if err := postJSON(ctx, e.client, endpoint, workflowRequest{Context: execCtx}, &res); err != nil {
		return "", fmt.Errorf("executing workflow %s: %w", workflowID, err)
	}
	if res.ExecutionID == "" {
		return "", fmt.Errorf("executing workflow %s: response has no executionId", workflowID)
	}
	return res.ExecutionID, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

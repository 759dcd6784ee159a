// internal/executor/command.go
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/colebrumley/tripwire/internal/config"
	"github.com/colebrumley/tripwire/internal/dispatcher"
)

// CommandAgentExecutor runs a local agent CLI in print mode, passing the
// input (and the execution context as JSON) as the prompt.
type CommandAgentExecutor struct {
	cfg     config.CommandConfig
	timeout time.Duration
	debug   bool
}

var _ dispatcher.AgentExecutor = (*CommandAgentExecutor)(nil)

func NewCommandAgentExecutor(cfg config.CommandConfig, timeout time.Duration, debug bool) *CommandAgentExecutor {
	return &CommandAgentExecutor{cfg: cfg, timeout: timeout, debug: debug}
}

// BuildArgs constructs the command-line arguments for the agent CLI
func BuildArgs(cfg config.CommandConfig, prompt string, debug bool) []string {
	args := []string{"--print"}

	if debug {
		args = append(args, "--verbose", "--output-format", "stream-json")
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(cfg.DisallowedTools, ","))
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", cfg.MaxBudgetUSD))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	if cfg.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.AppendSystemPrompt)
	}

	args = append(args, prompt)
	return args
}

// BuildPrompt appends the execution context to input so the agent can see
// which trigger fired it.
func BuildPrompt(input string, execCtx map[string]any) string {
	if len(execCtx) == 0 {
		return input
	}
	data, err := json.MarshalIndent(execCtx, "", "  ")
	if err != nil {
		return input
	}
	return input + "\n\nTrigger context:\n" + string(data)
}

// Execute runs the CLI with agentID exported as TRIPWIRE_AGENT_ID.
func (e *CommandAgentExecutor) Execute(ctx context.Context, agentID, input string, execCtx map[string]any) (*dispatcher.AgentResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	path := e.cfg.Path
	if path == "" {
		path = "claude"
	}
	cmd := exec.CommandContext(ctx, path, BuildArgs(e.cfg, BuildPrompt(input, execCtx), e.debug)...)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), envList(e.cfg.EnvVars)...)
	cmd.Env = append(cmd.Env, "TRIPWIRE_AGENT_ID="+agentID)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent %s timed out after %s", agentID, time.Since(start).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("agent %s: %w: %s", agentID, err, truncateOutput(output))
	}

	return &dispatcher.AgentResult{Output: string(output), Status: "success"}, nil
}

func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func truncateOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

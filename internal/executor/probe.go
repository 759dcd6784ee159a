// internal/executor/probe.go
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/colebrumley/tripwire/internal/config"
)

// DefaultProbeTimeout bounds a probe command when the caller gives none.
const DefaultProbeTimeout = 30 * time.Second

// RunProbe runs a probe command and parses the first field of its stdout as
// the metric value.
func RunProbe(ctx context.Context, p config.ProbeConfig, timeout time.Duration) (float64, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("probe %s: %w: %s", p.Metric, err, truncateOutput(stderr.Bytes()))
	}
	return ParseProbeOutput(stdout.String())
}

// ParseProbeOutput extracts the number printed by a probe. Only the first
// whitespace-separated field is read, so "42.5 percent" yields 42.5.
func ParseProbeOutput(out string) (float64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("probe printed nothing")
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("probe output %q is not a number", fields[0])
	}
	return v, nil
}

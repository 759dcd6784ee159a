// internal/config/validate.go
package config

import (
	"fmt"
	"net/url"

	"github.com/colebrumley/tripwire/internal/scheduler"
)

// ValidateGlobal checks the global configuration after defaults are applied.
func ValidateGlobal(cfg *Global) error {
	switch cfg.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.ListenPort < 1 || cfg.Daemon.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", cfg.Daemon.ListenPort)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format %q (must be json or text)", cfg.Logging.Format)
	}

	switch cfg.Agents.Mode {
	case "http":
		if err := validateBaseURL("agents.base_url", cfg.Agents.BaseURL); err != nil {
			return err
		}
	case "command":
		if cfg.Agents.Command.Path == "" {
			return fmt.Errorf("agents.command.path is required in command mode")
		}
	default:
		return fmt.Errorf("invalid agents.mode %q (must be http or command)", cfg.Agents.Mode)
	}

	if cfg.Workflows.BaseURL != "" {
		if err := validateBaseURL("workflows.base_url", cfg.Workflows.BaseURL); err != nil {
			return err
		}
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.IngestMetrics && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.ingest_metrics requires mqtt.broker")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Probes {
		if p.Metric == "" {
			return fmt.Errorf("probes[%d]: metric is required", i)
		}
		if p.Command == "" {
			return fmt.Errorf("probes[%d] (%s): command is required", i, p.Metric)
		}
		if p.Schedule == "" {
			return fmt.Errorf("probes[%d] (%s): schedule is required", i, p.Metric)
		}
		if _, err := scheduler.Parse(p.Schedule, ""); err != nil {
			return fmt.Errorf("probes[%d] (%s): %w", i, p.Metric, err)
		}
		if seen[p.Metric] {
			return fmt.Errorf("probes[%d]: duplicate metric %q", i, p.Metric)
		}
		seen[p.Metric] = true
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q is not an http(s) URL", field, raw)
	}
	return nil
}

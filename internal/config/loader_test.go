// internal/config/loader_test.go
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colebrumley/tripwire/internal/trigger"
)

func TestLoadGlobal(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
daemon:
  log_level: debug
  listen_port: 9900
  listen_address: 0.0.0.0
  triggers_dir: /etc/tripwire/triggers
  state_db_path: /var/lib/tripwire/state.db
logging:
  format: text
bus:
  max_concurrent_handlers: 4
agents:
  base_url: http://localhost:5000
  timeout_seconds: 30
mqtt:
  broker: tcp://localhost:1883
  qos: 1
  ingest_metrics: true
probes:
  - metric: cpu_usage
    schedule: every_minute
    command: /usr/local/bin/cpu-percent
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadGlobal(configPath)
	if err != nil {
		t.Fatalf("LoadGlobal failed: %v", err)
	}

	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.ListenPort != 9900 {
		t.Errorf("expected port 9900, got %d", cfg.Daemon.ListenPort)
	}
	if cfg.Bus.MaxConcurrentHandlers != 4 {
		t.Errorf("expected 4 handlers, got %d", cfg.Bus.MaxConcurrentHandlers)
	}
	if cfg.Agents.Mode != "http" {
		t.Errorf("expected agents mode inferred as http, got %s", cfg.Agents.Mode)
	}
	if cfg.MQTT.TopicPrefix != "tripwire" {
		t.Errorf("expected default topic prefix, got %s", cfg.MQTT.TopicPrefix)
	}
	if len(cfg.Probes) != 1 || cfg.Probes[0].Metric != "cpu_usage" {
		t.Errorf("unexpected probes: %+v", cfg.Probes)
	}
	if err := ValidateGlobal(cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Daemon.ListenAddress != "127.0.0.1" || cfg.Daemon.ListenPort != 9876 {
		t.Errorf("unexpected listen defaults: %s:%d", cfg.Daemon.ListenAddress, cfg.Daemon.ListenPort)
	}
	if cfg.Agents.Mode != "command" || cfg.Agents.Command.Path != "claude" {
		t.Errorf("expected command agent mode by default, got %+v", cfg.Agents)
	}
	if cfg.Daemon.TriggersDir == "" || cfg.Daemon.StateDBPath == "" {
		t.Error("expected default paths")
	}
	if err := ValidateGlobal(cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu-alert.yaml")

	content := `
name: cpu-alert
description: Ask the ops agent to look at hot hosts
guild_id: guild-1
agent_id: ops-bot
agent_name: Ops Bot
condition:
  kind: threshold
  threshold:
    metric: cpu_usage
    operator: ">"
    threshold: 90
action:
  kind: agent_execute
  target: ops-bot
  payload:
    input: "CPU is at {{value}} on {{host}}"
  reply_channel: slack:ops
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition failed: %v", err)
	}

	if def.Name != "cpu-alert" || def.GuildID != "guild-1" {
		t.Errorf("unexpected identity: %+v", def)
	}
	if def.Source != "file:cpu-alert" {
		t.Errorf("expected source file:cpu-alert, got %q", def.Source)
	}
	if def.Condition.Kind != trigger.ConditionThreshold || def.Condition.Threshold == nil {
		t.Fatalf("unexpected condition: %+v", def.Condition)
	}
	if def.Condition.Threshold.Operator != trigger.OpGreater || def.Condition.Threshold.Threshold != 90 {
		t.Errorf("unexpected threshold: %+v", def.Condition.Threshold)
	}
	if def.Action.Payload["input"] != "CPU is at {{value}} on {{host}}" {
		t.Errorf("unexpected payload: %v", def.Action.Payload)
	}
	if def.Action.ReplyChannel != "slack:ops" {
		t.Errorf("unexpected reply channel: %q", def.Action.ReplyChannel)
	}
	if err := def.Validate(); err != nil {
		t.Errorf("expected valid definition, got %v", err)
	}
}

func TestLoadDefinition_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	content := `
name: broken
guild_id: g
condition:
  kind: webhook
  webhook:
    method: POST
action:
  kind: notification
  target: ops
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition failed: %v", err)
	}
	err = def.Validate()
	if !errors.Is(err, trigger.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "path") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoadDefinitionsDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":    "name: a\nguild_id: g\n",
		"b.yml":     "name: b\nguild_id: g\n",
		"notes.txt": "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.yaml"), 0755); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitionsDir(dir)
	if err != nil {
		t.Fatalf("LoadDefinitionsDir failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	sources := map[string]bool{}
	for _, d := range defs {
		sources[d.Source] = true
	}
	if !sources["file:a"] || !sources["file:b"] {
		t.Errorf("unexpected sources: %v", sources)
	}
}

func TestLoadDefinitionsDir_ParseError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadDefinitionsDir(dir)
	if err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("expected error naming bad.yaml, got %v", err)
	}
}

func TestValidateGlobal(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Global)
		wantErr string
	}{
		{"valid", func(cfg *Global) {}, ""},
		{"bad log level", func(cfg *Global) { cfg.Daemon.LogLevel = "loud" }, "log_level"},
		{"bad port", func(cfg *Global) { cfg.Daemon.ListenPort = 70000 }, "listen_port"},
		{"bad format", func(cfg *Global) { cfg.Logging.Format = "xml" }, "format"},
		{"http mode without url", func(cfg *Global) { cfg.Agents.Mode = "http" }, "agents.base_url"},
		{"http mode bad url", func(cfg *Global) {
			cfg.Agents.Mode = "http"
			cfg.Agents.BaseURL = "localhost:5000"
		}, "agents.base_url"},
		{"unknown agent mode", func(cfg *Global) { cfg.Agents.Mode = "grpc" }, "agents.mode"},
		{"bad qos", func(cfg *Global) { cfg.MQTT.QoS = 3 }, "qos"},
		{"ingest without broker", func(cfg *Global) { cfg.MQTT.IngestMetrics = true }, "broker"},
		{"probe without command", func(cfg *Global) {
			cfg.Probes = []ProbeConfig{{Metric: "cpu", Schedule: "every_minute"}}
		}, "command"},
		{"probe bad schedule", func(cfg *Global) {
			cfg.Probes = []ProbeConfig{{Metric: "cpu", Schedule: "sometimes", Command: "true"}}
		}, "schedule"},
		{"duplicate probe", func(cfg *Global) {
			p := ProbeConfig{Metric: "cpu", Schedule: "every_minute", Command: "true"}
			cfg.Probes = []ProbeConfig{p, p}
		}, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateGlobal(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("unexpected error message: %v", err)
			}
		})
	}
}

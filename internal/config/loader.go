// internal/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/colebrumley/tripwire/internal/trigger"
	"gopkg.in/yaml.v3"
)

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyGlobalDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Global {
	var cfg Global
	applyGlobalDefaults(&cfg)
	return &cfg
}

// DefaultDir is the per-user tripwire directory holding config.yaml,
// triggers/ and the state database.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tripwire")
	}
	return filepath.Join(".", ".tripwire")
}

// DefaultPath is the default location of config.yaml.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefinitionSource is the trigger Source value for a definition file.
func DefinitionSource(path string) string {
	base := filepath.Base(path)
	return "file:" + strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadDefinition loads a trigger definition from a YAML file
func LoadDefinition(path string) (*trigger.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}

	var def trigger.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing definition file: %w", err)
	}
	def.Source = DefinitionSource(path)

	return &def, nil
}

// LoadDefinitionsDir loads all trigger definitions from a directory
func LoadDefinitionsDir(dir string) ([]*trigger.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading triggers directory: %w", err)
	}

	var defs []*trigger.Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading definition %s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}

	return defs, nil
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.ListenPort == 0 {
		cfg.Daemon.ListenPort = 9876
	}
	if cfg.Daemon.ListenAddress == "" {
		cfg.Daemon.ListenAddress = "127.0.0.1"
	}
	if cfg.Daemon.TriggersDir == "" {
		cfg.Daemon.TriggersDir = filepath.Join(DefaultDir(), "triggers")
	}
	if cfg.Daemon.StateDBPath == "" {
		cfg.Daemon.StateDBPath = filepath.Join(DefaultDir(), "state.db")
	}
	if cfg.Daemon.HistoryRetentionDays <= 0 {
		cfg.Daemon.HistoryRetentionDays = 90
	}
	if cfg.Daemon.WebhookRatePerMinute <= 0 {
		cfg.Daemon.WebhookRatePerMinute = 60
	}
	if cfg.Daemon.WebhookBurst <= 0 {
		cfg.Daemon.WebhookBurst = 10
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Bus.MaxConcurrentHandlers <= 0 {
		cfg.Bus.MaxConcurrentHandlers = 32
	}
	if cfg.Agents.Mode == "" {
		if cfg.Agents.BaseURL != "" {
			cfg.Agents.Mode = "http"
		} else {
			cfg.Agents.Mode = "command"
		}
	}
	if cfg.Agents.TimeoutSeconds <= 0 {
		cfg.Agents.TimeoutSeconds = 300
	}
	if cfg.Agents.Command.Path == "" {
		cfg.Agents.Command.Path = "claude"
	}
	if cfg.Agents.Command.PermissionMode == "" {
		cfg.Agents.Command.PermissionMode = "default"
	}
	if cfg.Workflows.TimeoutSeconds <= 0 {
		cfg.Workflows.TimeoutSeconds = 60
	}
	if cfg.Webhooks.SigningSecretEnv == "" {
		cfg.Webhooks.SigningSecretEnv = "TRIPWIRE_WEBHOOK_SECRET"
	}
	if cfg.Webhooks.TimeoutSeconds <= 0 {
		cfg.Webhooks.TimeoutSeconds = 10
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "tripwired"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tripwire"
	}
	if cfg.Analytics.WindowSeconds <= 0 {
		cfg.Analytics.WindowSeconds = 60
	}
	if cfg.Analytics.RetentionHours <= 0 {
		cfg.Analytics.RetentionHours = 24
	}
}

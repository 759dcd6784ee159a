// internal/config/types.go
package config

// Global configuration loaded from config.yaml
type Global struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bus       BusConfig       `yaml:"bus"`
	Agents    AgentsConfig    `yaml:"agents"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	MCP       MCPConfig       `yaml:"mcp"`
	Probes    []ProbeConfig   `yaml:"probes"`
}

type DaemonConfig struct {
	LogLevel             string `yaml:"log_level"`
	ListenAddress        string `yaml:"listen_address"`
	ListenPort           int    `yaml:"listen_port"`
	TriggersDir          string `yaml:"triggers_dir"`
	StateDBPath          string `yaml:"state_db_path"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
	WebhookRatePerMinute int    `yaml:"webhook_rate_per_minute"`
	WebhookBurst         int    `yaml:"webhook_burst"`
}

type LoggingConfig struct {
	Format    string `yaml:"format"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	Debug     bool   `yaml:"debug"`
}

type BusConfig struct {
	MaxConcurrentHandlers int `yaml:"max_concurrent_handlers"`
}

// AgentsConfig selects how agent_execute actions reach an agent.
// Mode "http" calls the agent service at BaseURL; "command" runs a local CLI.
type AgentsConfig struct {
	Mode           string        `yaml:"mode"`
	BaseURL        string        `yaml:"base_url"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Command        CommandConfig `yaml:"command"`
}

// CommandConfig configures the local agent CLI
type CommandConfig struct {
	Path               string            `yaml:"path"`
	Model              string            `yaml:"model"`
	AllowedTools       []string          `yaml:"allowed_tools"`
	DisallowedTools    []string          `yaml:"disallowed_tools"`
	PermissionMode     string            `yaml:"permission_mode"`
	MaxBudgetUSD       float64           `yaml:"max_budget_usd"`
	SystemPrompt       string            `yaml:"system_prompt"`
	AppendSystemPrompt string            `yaml:"append_system_prompt"`
	WorkDir            string            `yaml:"work_dir"`
	EnvVars            map[string]string `yaml:"env_vars"`
}

type WorkflowsConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebhooksConfig struct {
	SigningSecretEnv string `yaml:"signing_secret_env"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// MQTTConfig enables the MQTT notification sender and metric ingest.
// An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	PasswordEnv   string `yaml:"password_env"`
	TopicPrefix   string `yaml:"topic_prefix"`
	QoS           byte   `yaml:"qos"`
	IngestMetrics bool   `yaml:"ingest_metrics"`
}

// AnalyticsConfig enables per-trigger firing counters in Redis.
// An empty RedisAddr disables analytics.
type AnalyticsConfig struct {
	RedisAddr        string `yaml:"redis_addr"`
	RedisPasswordEnv string `yaml:"redis_password_env"`
	RedisDB          int    `yaml:"redis_db"`
	WindowSeconds    int    `yaml:"window_seconds"`
	RetentionHours   int    `yaml:"retention_hours"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ProbeConfig samples a metric by running a command on a schedule and
// publishing its numeric output as metric:<Metric>.
type ProbeConfig struct {
	Metric   string   `yaml:"metric"`
	Schedule string   `yaml:"schedule"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
}

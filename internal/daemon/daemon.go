// internal/daemon/daemon.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/colebrumley/tripwire/internal/analytics"
	"github.com/colebrumley/tripwire/internal/config"
	"github.com/colebrumley/tripwire/internal/dispatcher"
	"github.com/colebrumley/tripwire/internal/eventbus"
	"github.com/colebrumley/tripwire/internal/executor"
	"github.com/colebrumley/tripwire/internal/logging"
	"github.com/colebrumley/tripwire/internal/mcp"
	"github.com/colebrumley/tripwire/internal/metrics"
	"github.com/colebrumley/tripwire/internal/mqttbridge"
	"github.com/colebrumley/tripwire/internal/registry"
	"github.com/colebrumley/tripwire/internal/scheduler"
	"github.com/colebrumley/tripwire/internal/security"
	"github.com/colebrumley/tripwire/internal/state"
	"github.com/colebrumley/tripwire/internal/webhook"
)

// Version is reported by /health and the MCP server.
var Version = "dev"

// Daemon wires the trigger engine to its stores, collaborators and HTTP surface.
type Daemon struct {
	configPath  string
	triggersDir string
	config      *config.Global
	logger      *slog.Logger
	logWriter   io.WriteCloser

	db         *state.DB
	promReg    *prometheus.Registry
	sink       metrics.Sink
	bus        *eventbus.Bus
	sched      *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	mcp        *mcp.Server
	mqtt       *mqttbridge.Client
	ingest     *mqttbridge.MetricIngest
	redis      *redis.Client
	probes     []*scheduler.Entry

	httpServer *http.Server
	startTime  time.Time
	now        func() time.Time

	reloadMu sync.Mutex // serializes definition syncs
}

// New creates a new daemon instance. An empty triggersDir uses the
// configured one.
func New(configPath, triggersDir string) *Daemon {
	return &Daemon{
		configPath:  configPath,
		triggersDir: triggersDir,
		now:         time.Now,
	}
}

// Run starts the daemon and blocks until ctx is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = d.now()

	if err := d.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logWriter, err := d.initLogWriter()
	if err != nil {
		d.logger = logging.NewLogger(d.config.Logging.Format, d.logLevel(), os.Stdout)
		d.logger.Warn("failed to initialize rotating log writer, using stdout", "error", err)
	} else {
		d.logWriter = logWriter
		d.logger = logging.NewLogger(d.config.Logging.Format, d.logLevel(), logWriter)
	}

	d.logger.Info("starting daemon", "config", d.configPath, "triggers_dir", d.triggersDir, "version", Version)

	if err := d.setup(ctx); err != nil {
		d.shutdown()
		return err
	}

	if n, err := d.registry.Restore(ctx); err != nil {
		d.logger.Error("restoring triggers", "error", err)
	} else {
		d.logger.Info("restored persisted triggers", "count", n)
	}

	go d.cleanupHistory(ctx)

	if err := d.syncDefinitions(ctx); err != nil {
		d.logger.Error("loading trigger definitions", "error", err)
	}

	d.startProbes()

	errCh := make(chan error, 1)
	go func() { errCh <- d.serveHTTP() }()
	go d.startHotReload(ctx)

	d.logger.Info("daemon started",
		"triggers", len(d.registry.List()),
		"listeners", d.registry.Listeners(),
		"address", d.httpServer.Addr)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	d.logger.Info("daemon stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("HTTP server shutdown", "error", err)
	}
	d.shutdown()
	return runErr
}

func (d *Daemon) loadConfig() error {
	cfg, err := config.LoadGlobal(d.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return err
	} else if err := security.ValidateFilePermissions(d.configPath); err != nil {
		// The config names the agent command the daemon runs.
		return err
	}
	if err := config.ValidateGlobal(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	d.config = cfg
	if d.triggersDir == "" {
		d.triggersDir = cfg.Daemon.TriggersDir
	}
	return nil
}

func (d *Daemon) logLevel() string {
	if d.config.Logging.Debug {
		return "debug"
	}
	return d.config.Daemon.LogLevel
}

// initLogWriter creates the rotating log file writer when logging.file is set.
func (d *Daemon) initLogWriter() (*logging.RotatingWriter, error) {
	if d.config.Logging.File == "" {
		return nil, errors.New("no log file configured")
	}
	if err := os.MkdirAll(filepath.Dir(d.config.Logging.File), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	maxSize := int64(d.config.Logging.MaxSizeMB) * 1024 * 1024
	return logging.NewRotatingWriter(d.config.Logging.File, maxSize, logging.DefaultKeep)
}

// setup builds every component from d.config. d.logger must be set.
func (d *Daemon) setup(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.config.Daemon.StateDBPath), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	db, err := state.Open(d.config.Daemon.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	d.db = db

	d.promReg = prometheus.NewRegistry()
	d.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.sink = metrics.NewPrometheusSink(d.promReg, d.logger)

	d.bus = eventbus.New(eventbus.Options{
		MaxConcurrentHandlers: d.config.Bus.MaxConcurrentHandlers,
		Metrics:               d.sink,
		Logger:                d.logger.With("component", "bus"),
	})
	d.sched = scheduler.New(scheduler.Options{
		Metrics: d.sink,
		Logger:  d.logger.With("component", "scheduler"),
	})

	opts, err := d.collaborators(ctx)
	if err != nil {
		return err
	}
	d.dispatcher = dispatcher.New(opts)

	d.registry = registry.New(registry.Options{
		Store:      db,
		Bus:        d.bus,
		Scheduler:  d.sched,
		Dispatcher: d.dispatcher,
		Metrics:    d.sink,
		Logger:     d.logger.With("component", "registry"),
	})

	if d.config.MCP.Enabled {
		d.mcp = mcp.NewServer(d.registry, d.bus, Version)
	}

	if d.mqtt != nil && d.config.MQTT.IngestMetrics {
		ingest := mqttbridge.NewMetricIngest(d.bus, d.config.MQTT.TopicPrefix, 0, d.logger.With("component", "mqtt"))
		if err := ingest.Start(d.mqtt); err != nil {
			d.logger.Warn("MQTT metric ingest disabled", "error", err)
		} else {
			d.ingest = ingest
			d.logger.Info("ingesting metrics from MQTT", "filter", ingest.Filter())
		}
	}

	if err := security.ValidateDirectoryPermissions(d.triggersDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Error("CRITICAL: triggers directory has unsafe permissions", "error", err, "path", d.triggersDir)
	}

	d.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", d.config.Daemon.ListenAddress, d.config.Daemon.ListenPort),
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// collaborators builds the dispatcher options: agent and workflow executors,
// notification sender, webhook caller, history recorder and analytics.
func (d *Daemon) collaborators(ctx context.Context) (dispatcher.Options, error) {
	cfg := d.config
	opts := dispatcher.Options{
		Webhooks: webhook.NewHTTPCaller(os.Getenv(cfg.Webhooks.SigningSecretEnv), seconds(cfg.Webhooks.TimeoutSeconds)),
		Recorder: d.db,
		Metrics:  d.sink,
		Logger:   d.logger.With("component", "dispatcher"),
	}

	agentTimeout := seconds(cfg.Agents.TimeoutSeconds)
	switch cfg.Agents.Mode {
	case "http":
		opts.Agents = executor.NewHTTPAgentExecutor(cfg.Agents.BaseURL, agentTimeout)
	default:
		opts.Agents = executor.NewCommandAgentExecutor(cfg.Agents.Command, agentTimeout, cfg.Logging.Debug)
	}
	if cfg.Workflows.BaseURL != "" {
		opts.Workflows = executor.NewHTTPWorkflowExecutor(cfg.Workflows.BaseURL, seconds(cfg.Workflows.TimeoutSeconds))
	}

	if cfg.MQTT.Broker != "" {
		client, err := mqttbridge.Connect(cfg.MQTT, os.Getenv(cfg.MQTT.PasswordEnv), d.logger.With("component", "mqtt"))
		if err != nil {
			return opts, fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		d.mqtt = client
		opts.Notifier = mqttbridge.NewNotificationSender(client, cfg.MQTT.TopicPrefix)
	}

	if cfg.Analytics.RedisAddr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Analytics.RedisAddr,
			Password: os.Getenv(cfg.Analytics.RedisPasswordEnv),
			DB:       cfg.Analytics.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := d.redis.Ping(pingCtx).Err(); err != nil {
			d.logger.Warn("redis unreachable, firing counters will be dropped until it recovers", "addr", cfg.Analytics.RedisAddr, "error", err)
		}
		cancel()
		opts.Analytics = analytics.NewRedisSink(d.redis,
			seconds(cfg.Analytics.WindowSeconds),
			time.Duration(cfg.Analytics.RetentionHours)*time.Hour,
			d.logger.With("component", "analytics"))
	}

	return opts, nil
}

// cleanupHistory applies the history retention once at startup.
func (d *Daemon) cleanupHistory(ctx context.Context) {
	deleted, err := d.db.Cleanup(ctx, d.config.Daemon.HistoryRetentionDays)
	if err != nil {
		d.logger.Warn("history cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		d.logger.Info("cleaned up old dispatch records", "deleted", deleted)
	}
}

func (d *Daemon) serveHTTP() error {
	d.logger.Info("starting HTTP server", "address", d.httpServer.Addr)
	if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}

// shutdown stops every listener before closing the stores behind them.
func (d *Daemon) shutdown() {
	for _, p := range d.probes {
		d.sched.Cancel(p)
	}
	if d.registry != nil {
		d.registry.Close()
	}
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.mqtt != nil {
		d.mqtt.Close()
	}
	if d.ingest != nil {
		d.ingest.Wait()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
	if d.logWriter != nil {
		d.logWriter.Close()
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

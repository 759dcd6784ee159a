// cmd/tripwire/main.go
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/colebrumley/tripwire/internal/config"
	"github.com/colebrumley/tripwire/internal/scheduler"
	"github.com/colebrumley/tripwire/internal/state"
	"github.com/colebrumley/tripwire/internal/trigger"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit()
	case "validate":
		err = cmdValidate(args)
	case "status":
		err = cmdStatus()
	case "list":
		err = cmdList(args)
	case "pause":
		err = cmdSetStatus(cmd, args, trigger.StatusInactive)
	case "resume":
		err = cmdSetStatus(cmd, args, trigger.StatusActive)
	case "delete":
		err = cmdDelete(args)
	case "publish":
		err = cmdPublish(args)
	case "metric":
		err = cmdMetric(args)
	case "history":
		err = cmdHistory(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tripwire - Condition-triggered automation

Usage: tripwire <command> [options]

Commands:
  init                      Create the config file and triggers directory
  validate [file]           Validate trigger definition files
  status                    Show daemon status
  list [--guild id]         List triggers
  pause <id>                Deactivate a trigger
  resume <id>               Reactivate a trigger
  delete <id>               Delete a trigger
  publish <type> [k=v ...]  Publish an event
  metric <name> <value>     Publish a metric sample
  history [options]         Show recent dispatches

Environment:
  TRIPWIRE_CONFIG           Config file (default: ` + config.DefaultPath() + `)
  TRIPWIRE_URL              Daemon address, overrides the config listen address`)
}

func configPath() string {
	if p := os.Getenv("TRIPWIRE_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

// loadConfig returns the defaults when no config file exists yet.
func loadConfig() (*config.Global, error) {
	cfg, err := config.LoadGlobal(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func cmdInit() error {
	path := configPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.MkdirAll(cfg.Daemon.TriggersDir, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", cfg.Daemon.TriggersDir, err)
	}
	// The daemon refuses to load definitions from group or world writable directories.
	if err := os.Chmod(cfg.Daemon.TriggersDir, 0700); err != nil {
		return fmt.Errorf("setting triggers directory permissions: %w", err)
	}
	fmt.Printf("Created %s\n", cfg.Daemon.TriggersDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", path)
	}

	fmt.Println("\nInitialization complete. Add trigger definitions to:", cfg.Daemon.TriggersDir)
	return nil
}

func cmdValidate(args []string) error {
	if len(args) > 0 {
		def, err := config.LoadDefinition(args[0])
		if err != nil {
			return err
		}
		if err := validateDefinition(def); err != nil {
			return fmt.Errorf("invalid definition %s: %w", args[0], err)
		}
		fmt.Printf("Definition '%s' is valid\n", def.Name)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.ValidateGlobal(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	defs, err := config.LoadDefinitionsDir(cfg.Daemon.TriggersDir)
	if err != nil {
		return err
	}
	var failed int
	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			fmt.Printf("%-20s %v\n", def.Source, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(defs))
	}

	fmt.Printf("Validated %d definitions\n", len(defs))
	return nil
}

// validateDefinition applies the same checks the daemon runs on create,
// including schedule resolution.
func validateDefinition(def *trigger.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Condition.Kind == trigger.ConditionSchedule {
		return scheduler.Validate(*def.Condition.Schedule)
	}
	return nil
}

func cmdStatus() error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var health map[string]any
	if err := c.do("GET", "/health", nil, &health); err != nil {
		fmt.Println("Daemon is not running")
		return err
	}
	fmt.Printf("Daemon is running (version %v, up %v)\n", health["version"], health["uptime"])
	fmt.Printf("Triggers: %v loaded, %v active, %v listeners\n",
		health["triggers_loaded"], health["triggers_active"], health["listeners"])
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	guild := fs.String("guild", "", "only list triggers of this guild")
	fs.Parse(args)

	c, err := newClient()
	if err != nil {
		return err
	}

	path := "/api/triggers"
	if *guild != "" {
		path += "?guild_id=" + url.QueryEscape(*guild)
	}
	var triggers []listedTrigger
	if err := c.do("GET", path, nil, &triggers); err != nil {
		return err
	}

	if len(triggers) == 0 {
		fmt.Println("No triggers found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-8s %-30s %s\n", "ID", "NAME", "STATUS", "CONDITION", "LAST")
	fmt.Println(strings.Repeat("-", 110))
	for _, t := range triggers {
		last := "-"
		if t.LastTriggered != nil {
			last = t.LastTriggered.Local().Format("2006-01-02 15:04:05")
			if t.LastState != "" {
				last += " (" + t.LastState + ")"
			}
		}
		fmt.Printf("%-36s %-20s %-8s %-30s %s\n", t.ID, truncate(t.Name, 20), t.Status, truncate(t.Condition.String(), 30), last)
	}
	return nil
}

func cmdSetStatus(name string, args []string, status trigger.Status) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tripwire %s <trigger-id>", name)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var t trigger.Trigger
	if err := c.do("PATCH", "/api/triggers/"+url.PathEscape(args[0]), trigger.Update{Status: &status}, &t); err != nil {
		return err
	}
	fmt.Printf("Trigger '%s' is now %s\n", t.Name, t.Status)
	return nil
}

func cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tripwire delete <trigger-id>")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.do("DELETE", "/api/triggers/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Println("Deleted", args[0])
	return nil
}

func cmdPublish(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tripwire publish <event-type> [key=value ...]")
	}
	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var out struct {
		Delivered int `json:"delivered"`
	}
	if err := c.do("POST", "/api/events/"+url.PathEscape(args[0]), fields, &out); err != nil {
		return err
	}
	fmt.Printf("Delivered to %d listeners\n", out.Delivered)
	return nil
}

func cmdMetric(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: tripwire metric <name> <value>")
	}
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("metric value %q is not a number", args[1])
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var out struct {
		Delivered int `json:"delivered"`
	}
	if err := c.do("POST", "/api/metrics/"+url.PathEscape(args[0]), map[string]float64{"value": value}, &out); err != nil {
		return err
	}
	fmt.Printf("Delivered to %d listeners\n", out.Delivered)
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	triggerID := fs.String("trigger", "", "only show dispatches of this trigger")
	st := fs.String("state", "", "only show success or failure")
	limit := fs.Int("limit", 20, "maximum number of records")
	fs.Parse(args)

	q := url.Values{}
	if *triggerID != "" {
		q.Set("trigger_id", *triggerID)
	}
	if *st != "" {
		q.Set("state", *st)
	}
	q.Set("limit", strconv.Itoa(*limit))

	c, err := newClient()
	if err != nil {
		return err
	}
	var records []state.ExecutionRecord
	if err := c.do("GET", "/api/history?"+q.Encode(), nil, &records); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No dispatches recorded")
		return nil
	}

	fmt.Printf("%-20s %-20s %-10s %-8s %s\n", "STARTED", "TRIGGER", "ACTION", "STATE", "DURATION")
	fmt.Println(strings.Repeat("-", 75))
	for _, r := range records {
		fmt.Printf("%-20s %-20s %-10s %-8s %dms\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), truncate(r.TriggerName, 20), r.ActionKind, r.State, r.DurationMs)
		if r.Error != "" {
			fmt.Printf("  error: %s\n", r.Error)
		}
	}
	return nil
}

// parseFields turns key=value arguments into event fields. Values that
// parse as numbers or booleans keep that type so threshold and filter
// comparisons see them as such.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q must be key=value", arg)
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			fields[key] = n
		} else if value == "true" || value == "false" {
			fields[key] = value == "true"
		} else {
			fields[key] = value
		}
	}
	return fields, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

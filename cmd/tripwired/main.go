// cmd/tripwired/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/tripwire/internal/config"
	"github.com/colebrumley/tripwire/internal/daemon"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Println(daemon.Version)
		return
	}

	configPath := os.Getenv("TRIPWIRE_CONFIG")
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	// Empty means the triggers_dir from the config file.
	triggersDir := os.Getenv("TRIPWIRE_TRIGGERS_DIR")

	d := daemon.New(configPath, triggersDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}

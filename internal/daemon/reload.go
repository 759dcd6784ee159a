// internal/daemon/reload.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/colebrumley/tripwire/internal/config"
	"github.com/colebrumley/tripwire/internal/security"
)

const reloadDebounce = time.Second

// syncDefinitions loads the triggers directory and reconciles the
// file-sourced triggers with it. A missing directory means no definitions.
func (d *Daemon) syncDefinitions(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if _, err := os.Stat(d.triggersDir); errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("triggers directory does not exist", "dir", d.triggersDir)
		return nil
	}
	if err := security.ValidateDirectoryPermissions(d.triggersDir); err != nil {
		return fmt.Errorf("refusing to load definitions: %w", err)
	}

	defs, err := config.LoadDefinitionsDir(d.triggersDir)
	if err != nil {
		return err
	}

	res, err := d.registry.SyncDefinitions(ctx, defs)
	d.logger.Info("trigger definitions loaded",
		"files", len(defs),
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged)
	return err
}

// startHotReload watches the triggers directory and re-syncs definitions
// one debounce interval after the last change.
func (d *Daemon) startHotReload(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create triggers watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.triggersDir); err != nil {
		d.logger.Error("could not watch triggers directory", "error", err, "dir", d.triggersDir)
		return
	}

	d.logger.Info("hot-reload watcher started", "dir", d.triggersDir)

	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(event.Name) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.logger.Info("reloading trigger definitions (hot-reload)")
			if err := d.syncDefinitions(ctx); err != nil {
				d.logger.Error("failed to reload trigger definitions", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("triggers watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func isDefinitionFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

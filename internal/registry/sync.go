package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/colebrumley/tripwire/internal/trigger"
)

// SourcePrefix marks triggers that come from definition files.
const SourcePrefix = "file:"

// SyncResult counts the changes made by SyncDefinitions.
type SyncResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
}

// SyncDefinitions makes the file-sourced triggers match defs: new sources
// are created, changed ones updated, and sources no longer present deleted.
// Triggers created through the API are never touched. Every definition is
// attempted; errors are joined.
func (r *Registry) SyncDefinitions(ctx context.Context, defs []*trigger.Definition) (SyncResult, error) {
	var res SyncResult
	var errs []error

	existing := make(map[string]*trigger.Trigger)
	for _, t := range r.List() {
		if strings.HasPrefix(t.Source, SourcePrefix) {
			existing[t.Source] = t
		}
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if !strings.HasPrefix(def.Source, SourcePrefix) {
			errs = append(errs, fmt.Errorf("%w: definition %q has no file source", trigger.ErrValidation, def.Name))
			continue
		}
		if seen[def.Source] {
			errs = append(errs, fmt.Errorf("%w: duplicate definition source %s", trigger.ErrValidation, def.Source))
			continue
		}
		seen[def.Source] = true

		want := *def
		if want.Status == "" {
			want.Status = trigger.StatusActive
		}

		cur, ok := existing[def.Source]
		if !ok {
			if _, err := r.CreateTrigger(ctx, want); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", def.Source, err))
				continue
			}
			res.Created++
			continue
		}

		if jsonEqual(cur.Definition(), want) {
			res.Unchanged++
			continue
		}
		if cur.GuildID != want.GuildID {
			// The guild is part of the identity; replace the trigger.
			if err := r.DeleteTrigger(ctx, cur.ID); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", def.Source, err))
				continue
			}
			if _, err := r.CreateTrigger(ctx, want); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", def.Source, err))
				continue
			}
			res.Updated++
			continue
		}
		if _, err := r.UpdateTrigger(ctx, cur.ID, fullUpdate(want)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Source, err))
			continue
		}
		res.Updated++
	}

	for source, t := range existing {
		if seen[source] {
			continue
		}
		if err := r.DeleteTrigger(ctx, t.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
			continue
		}
		res.Deleted++
	}

	if res.Created+res.Updated+res.Deleted > 0 {
		r.logger.Info("definitions synced",
			"created", res.Created, "updated", res.Updated, "deleted", res.Deleted, "unchanged", res.Unchanged)
	}
	return res, errors.Join(errs...)
}

// fullUpdate replaces every mutable field with the definition's.
func fullUpdate(def trigger.Definition) trigger.Update {
	cond := def.Condition
	action := def.Action
	status := def.Status
	return trigger.Update{
		Name:        &def.Name,
		Description: &def.Description,
		AgentID:     &def.AgentID,
		AgentName:   &def.AgentName,
		Condition:   &cond,
		Action:      &action,
		Status:      &status,
	}
}

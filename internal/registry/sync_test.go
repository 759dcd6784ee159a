package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/colebrumley/tripwire/internal/registry"
	"github.com/colebrumley/tripwire/internal/trigger"
)

func fileDefinition(source, eventType string) *trigger.Definition {
	def := eventDefinition(eventType, map[string]any{"env": "prod"})
	def.Source = registry.SourcePrefix + source
	return &def
}

func TestSyncDefinitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// API-created triggers are never touched by a sync.
	manual, err := e.reg.CreateTrigger(ctx, eventDefinition("manual", nil))
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.reg.SyncDefinitions(ctx, []*trigger.Definition{
		fileDefinition("a.yaml", "deploy"),
		fileDefinition("b.yaml", "release"),
	})
	if err != nil {
		t.Fatalf("SyncDefinitions() error = %v", err)
	}
	if res != (registry.SyncResult{Created: 2}) {
		t.Errorf("first sync = %+v", res)
	}

	res, err = e.reg.SyncDefinitions(ctx, []*trigger.Definition{
		fileDefinition("a.yaml", "deploy"),
		fileDefinition("b.yaml", "release"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != (registry.SyncResult{Unchanged: 2}) {
		t.Errorf("repeat sync = %+v", res)
	}

	changed := fileDefinition("a.yaml", "rollback")
	res, err = e.reg.SyncDefinitions(ctx, []*trigger.Definition{changed})
	if err != nil {
		t.Fatal(err)
	}
	if res != (registry.SyncResult{Updated: 1, Deleted: 1}) {
		t.Errorf("third sync = %+v", res)
	}

	all := e.reg.List()
	if len(all) != 2 {
		t.Fatalf("expected manual trigger plus one file trigger, got %d", len(all))
	}
	if _, err := e.reg.Get(manual.ID); err != nil {
		t.Errorf("manual trigger removed by sync: %v", err)
	}
	if e.bus.HasSubscribers("event:deploy") || e.bus.HasSubscribers("event:release") {
		t.Error("stale file listeners remain")
	}
	if !e.bus.HasSubscribers("event:rollback") {
		t.Error("updated definition not listening")
	}
}

func TestSyncDefinitionsGuildChangeReplacesTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.reg.SyncDefinitions(ctx, []*trigger.Definition{fileDefinition("a.yaml", "deploy")}); err != nil {
		t.Fatal(err)
	}
	before := e.reg.List()[0]

	moved := fileDefinition("a.yaml", "deploy")
	moved.GuildID = "guild-2"
	res, err := e.reg.SyncDefinitions(ctx, []*trigger.Definition{moved})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Errorf("result = %+v", res)
	}

	after := e.reg.List()
	if len(after) != 1 || after[0].ID == before.ID || after[0].GuildID != "guild-2" {
		t.Errorf("expected a replacement trigger in guild-2, got %+v", after)
	}
}

func TestSyncDefinitionsRejectsBadInput(t *testing.T) {
	e := newEnv(t)

	noSource := eventDefinition("deploy", nil)
	invalid := fileDefinition("bad.yaml", "deploy")
	invalid.Action = trigger.Action{}

	res, err := e.reg.SyncDefinitions(context.Background(), []*trigger.Definition{
		&noSource,
		fileDefinition("a.yaml", "deploy"),
		fileDefinition("a.yaml", "release"),
		invalid,
	})
	if !errors.Is(err, trigger.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if res.Created != 1 {
		t.Errorf("valid definitions should still apply, got %+v", res)
	}
	if len(e.reg.List()) != 1 {
		t.Errorf("expected 1 trigger, got %d", len(e.reg.List()))
	}
}

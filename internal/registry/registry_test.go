package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/colebrumley/tripwire/internal/dispatcher"
	"github.com/colebrumley/tripwire/internal/eventbus"
	"github.com/colebrumley/tripwire/internal/registry"
	"github.com/colebrumley/tripwire/internal/scheduler"
	"github.com/colebrumley/tripwire/internal/testutil"
	"github.com/colebrumley/tripwire/internal/trigger"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	clock *testutil.FakeClock
	bus   *eventbus.Bus
	sched *scheduler.Scheduler
	store *testutil.MemoryStore
	agent *testutil.FakeAgent
	reg   *registry.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clock: testutil.NewFakeClock(epoch),
		bus:   eventbus.New(eventbus.Options{}),
		store: testutil.NewMemoryStore(),
		agent: &testutil.FakeAgent{Result: dispatcher.AgentResult{Output: "ok", Status: "success"}},
	}
	e.sched = scheduler.New(scheduler.Options{Clock: e.clock})
	d := dispatcher.New(dispatcher.Options{Agents: e.agent, Now: e.clock.Now})
	e.reg = registry.New(registry.Options{
		Store:      e.store,
		Bus:        e.bus,
		Scheduler:  e.sched,
		Dispatcher: d,
		Now:        e.clock.Now,
	})
	t.Cleanup(func() {
		e.reg.Close()
		e.sched.Stop()
	})
	return e
}

func (e *env) publish(topic string, s trigger.Sample) int {
	return e.bus.Publish(context.Background(), topic, s)
}

var owner = registry.Owner{GuildID: "guild-1", AgentID: "agent-1", AgentName: "Helper"}

func agentAction() trigger.Action {
	return trigger.Action{Kind: trigger.ActionAgentExecute, Target: "agent-1"}
}

func eventDefinition(eventType string, filters map[string]any) trigger.Definition {
	return trigger.Definition{
		Name:    "on-" + eventType,
		GuildID: "guild-1",
		Condition: trigger.Condition{
			Kind:  trigger.ConditionEvent,
			Event: &trigger.EventCondition{EventType: eventType, Filters: filters},
		},
		Action: agentAction(),
	}
}

func TestCreateTrigger(t *testing.T) {
	e := newEnv(t)

	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatalf("CreateTrigger() error = %v", err)
	}
	if tr.ID == "" {
		t.Error("expected generated id")
	}
	if tr.Status != trigger.StatusActive {
		t.Errorf("status = %q, want active", tr.Status)
	}
	if !tr.CreatedAt.Equal(epoch) || !tr.UpdatedAt.Equal(epoch) {
		t.Errorf("timestamps = %v / %v", tr.CreatedAt, tr.UpdatedAt)
	}
	if tr.Metadata[registry.MetadataListener] == "" {
		t.Error("active trigger should report its listener")
	}
	if _, err := e.store.LoadTrigger(context.Background(), tr.ID); err != nil {
		t.Errorf("trigger not persisted: %v", err)
	}
	if !e.bus.HasSubscribers("event:deploy") {
		t.Error("expected a subscription on event:deploy")
	}
	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}
}

func TestCreateTriggerValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		def  trigger.Definition
	}{
		{
			name: "webhook without path",
			def: trigger.Definition{
				Name:      "hook",
				GuildID:   "guild-1",
				Condition: trigger.Condition{Kind: trigger.ConditionWebhook, Webhook: &trigger.WebhookCondition{}},
				Action:    agentAction(),
			},
		},
		{
			name: "unresolvable schedule",
			def: trigger.Definition{
				Name:      "sometimes",
				GuildID:   "guild-1",
				Condition: trigger.Condition{Kind: trigger.ConditionSchedule, Schedule: &trigger.ScheduleCondition{Expression: "every_fortnight"}},
				Action:    agentAction(),
			},
		},
		{
			name: "missing guild",
			def: trigger.Definition{
				Name:      "x",
				Condition: trigger.Condition{Kind: trigger.ConditionEvent, Event: &trigger.EventCondition{EventType: "x"}},
				Action:    agentAction(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.reg.CreateTrigger(context.Background(), tt.def)
			if !errors.Is(err, trigger.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if e.store.Saves() != 0 {
		t.Errorf("invalid definitions must not be persisted, %d saves", e.store.Saves())
	}
	if e.reg.Listeners() != 0 || e.clock.Pending() != 0 {
		t.Error("invalid definitions must not install listeners")
	}
}

func TestCreateTriggerPersistenceFailureInstallsNothing(t *testing.T) {
	e := newEnv(t)
	e.store.FailSaves = true

	_, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if !errors.Is(err, trigger.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if e.bus.HasSubscribers("event:deploy") {
		t.Error("listener installed despite failed save")
	}
	if len(e.reg.List()) != 0 {
		t.Error("trigger kept in memory despite failed save")
	}

	if n := e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch)); n != 0 {
		t.Errorf("publish reached %d handlers", n)
	}
	if len(e.agent.Calls()) != 0 {
		t.Error("no dispatch expected")
	}
}

func TestInactiveTriggerHasNoListener(t *testing.T) {
	e := newEnv(t)
	def := eventDefinition("deploy", nil)
	def.Status = trigger.StatusInactive

	tr, err := e.reg.CreateTrigger(context.Background(), def)
	if err != nil {
		t.Fatalf("CreateTrigger() error = %v", err)
	}
	if e.bus.HasSubscribers("event:deploy") || e.reg.Listeners() != 0 {
		t.Error("inactive trigger must not have a listener")
	}
	if _, ok := tr.Metadata[registry.MetadataListener]; ok {
		t.Error("inactive trigger should report no listener")
	}
}

func TestMatchingEventDispatchesOnceAndUpdatesLastTriggered(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", map[string]any{"env": "prod"}))
	if err != nil {
		t.Fatal(err)
	}

	e.publish("event:deploy", trigger.NewEventSample("deploy", map[string]any{"env": "staging"}, epoch))
	if len(e.agent.Calls()) != 0 {
		t.Fatal("non-matching event dispatched")
	}
	if got, _ := e.reg.Get(tr.ID); got.LastTriggered != nil {
		t.Error("lastTriggered set without a dispatch")
	}

	e.publish("event:deploy", trigger.NewEventSample("deploy", map[string]any{"env": "prod"}, epoch))
	if got := len(e.agent.Calls()); got != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", got)
	}

	got, _ := e.reg.Get(tr.ID)
	if got.LastTriggered == nil || !got.LastTriggered.Equal(epoch) {
		t.Errorf("lastTriggered = %v, want %v", got.LastTriggered, epoch)
	}
	stored, _ := e.store.LoadTrigger(context.Background(), tr.ID)
	if stored.LastTriggered == nil {
		t.Error("lastTriggered not persisted")
	}
}

func TestFailedDispatchStillUpdatesLastTriggeredAndStaysActive(t *testing.T) {
	e := newEnv(t)
	e.agent.Err = errors.New("agent offline")
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	}

	if got := len(e.agent.Calls()); got != 3 {
		t.Errorf("expected every firing attempted, got %d", got)
	}
	got, _ := e.reg.Get(tr.ID)
	if got.LastTriggered == nil {
		t.Error("failed dispatch should still update lastTriggered")
	}
	if got.Status != trigger.StatusActive {
		t.Error("failing trigger must stay active")
	}
}

func TestNoFiringAfterDelete(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.reg.DeleteTrigger(context.Background(), tr.ID); err != nil {
		t.Fatalf("DeleteTrigger() error = %v", err)
	}
	before := len(e.agent.Calls())

	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))

	if got := len(e.agent.Calls()); got != before {
		t.Errorf("dispatch after delete: %d calls, want %d", got, before)
	}
	if e.bus.HasSubscribers("event:deploy") {
		t.Error("subscription outlived the trigger")
	}
	if _, err := e.reg.Get(tr.ID); !errors.Is(err, trigger.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if _, err := e.store.LoadTrigger(context.Background(), tr.ID); !errors.Is(err, trigger.ErrNotFound) {
		t.Errorf("store still has the trigger: %v", err)
	}
}

func TestDeleteScheduleReleasesTimer(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateScheduledTrigger(context.Background(), owner, "minutely", "every_minute", agentAction())
	if err != nil {
		t.Fatal(err)
	}
	if e.clock.Pending() != 1 {
		t.Fatalf("expected 1 armed timer, got %d", e.clock.Pending())
	}

	if err := e.reg.DeleteTrigger(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if e.clock.Pending() != 0 || e.sched.Len() != 0 {
		t.Errorf("timer not released: pending=%d entries=%d", e.clock.Pending(), e.sched.Len())
	}

	e.clock.Advance(5 * time.Minute)
	if len(e.agent.Calls()) != 0 {
		t.Error("deleted schedule fired")
	}
}

func TestDeleteTwiceAndUnknown(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.reg.DeleteTrigger(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.DeleteTrigger(context.Background(), tr.ID); err != nil {
		t.Errorf("repeat delete should succeed, got %v", err)
	}
	if err := e.reg.DeleteTrigger(context.Background(), "never-existed"); !errors.Is(err, trigger.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestDeletePersistenceFailureKeepsTriggerLive(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	e.store.FailDeletes = true
	if err := e.reg.DeleteTrigger(context.Background(), tr.ID); !errors.Is(err, trigger.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	if _, err := e.reg.Get(tr.ID); err != nil {
		t.Errorf("trigger should still exist: %v", err)
	}
	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}
	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	if len(e.agent.Calls()) != 1 {
		t.Error("trigger should keep firing after a failed delete")
	}
}

func TestUpdateUnknown(t *testing.T) {
	e := newEnv(t)
	name := "x"
	if _, err := e.reg.UpdateTrigger(context.Background(), "missing", trigger.Update{Name: &name}); !errors.Is(err, trigger.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateNameKeepsListener(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}
	before := tr.Metadata[registry.MetadataListener]

	name := "renamed"
	updated, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Name: &name})
	if err != nil {
		t.Fatalf("UpdateTrigger() error = %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("name = %q", updated.Name)
	}
	if after := updated.Metadata[registry.MetadataListener]; after != before {
		t.Errorf("listener changed on rename: %q -> %q", before, after)
	}
	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}

	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	if len(e.agent.Calls()) != 1 {
		t.Error("renamed trigger should still fire once")
	}
}

func TestUpdateConditionReinstallsListener(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}
	before := tr.Metadata[registry.MetadataListener]

	cond := trigger.Condition{Kind: trigger.ConditionEvent, Event: &trigger.EventCondition{EventType: "release"}}
	updated, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Condition: &cond})
	if err != nil {
		t.Fatalf("UpdateTrigger() error = %v", err)
	}
	after := updated.Metadata[registry.MetadataListener]
	if after == "" || after == before {
		t.Errorf("expected a new listener, before %q after %q", before, after)
	}
	if e.bus.HasSubscribers("event:deploy") {
		t.Error("old subscription still installed")
	}
	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}

	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	if len(e.agent.Calls()) != 0 {
		t.Error("old condition fired after update")
	}
	e.publish("event:release", trigger.NewEventSample("release", nil, epoch))
	if len(e.agent.Calls()) != 1 {
		t.Error("new condition did not fire")
	}
}

func TestUpdateActionReinstallsListener(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}
	before := tr.Metadata[registry.MetadataListener]

	action := trigger.Action{Kind: trigger.ActionAgentExecute, Target: "agent-2"}
	updated, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Action: &action})
	if err != nil {
		t.Fatalf("UpdateTrigger() error = %v", err)
	}
	if after := updated.Metadata[registry.MetadataListener]; after == "" || after == before {
		t.Errorf("expected a new listener, before %q after %q", before, after)
	}
	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}

	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	calls := e.agent.Calls()
	if len(calls) != 1 || calls[0].AgentID != "agent-2" {
		t.Errorf("calls = %+v, want one call to agent-2", calls)
	}
}

func TestUpdateStatusTogglesListener(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateScheduledTrigger(context.Background(), owner, "minutely", "every_minute", agentAction())
	if err != nil {
		t.Fatal(err)
	}

	inactive := trigger.StatusInactive
	if _, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Status: &inactive}); err != nil {
		t.Fatal(err)
	}
	if e.clock.Pending() != 0 || e.reg.Listeners() != 0 {
		t.Fatalf("deactivated trigger still armed: pending=%d listeners=%d", e.clock.Pending(), e.reg.Listeners())
	}
	e.clock.Advance(2 * time.Minute)
	if len(e.agent.Calls()) != 0 {
		t.Fatal("inactive trigger fired")
	}

	active := trigger.StatusActive
	if _, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Status: &active}); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Minute)
	if len(e.agent.Calls()) != 1 {
		t.Errorf("reactivated trigger: %d calls, want 1", len(e.agent.Calls()))
	}
}

func TestUpdateValidationAndPersistenceFailures(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	bad := trigger.Condition{Kind: trigger.ConditionWebhook, Webhook: &trigger.WebhookCondition{}}
	if _, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Condition: &bad}); !errors.Is(err, trigger.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}

	e.store.FailSaves = true
	cond := trigger.Condition{Kind: trigger.ConditionEvent, Event: &trigger.EventCondition{EventType: "release"}}
	if _, err := e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Condition: &cond}); !errors.Is(err, trigger.ErrPersistence) {
		t.Errorf("got %v, want ErrPersistence", err)
	}

	got, _ := e.reg.Get(tr.ID)
	if got.Condition.Event.EventType != "deploy" {
		t.Errorf("failed update changed the trigger: %+v", got.Condition.Event)
	}
	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	if len(e.agent.Calls()) != 1 {
		t.Error("original listener should survive failed updates")
	}
}

func TestUpdateRejectsEmptyStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, err := e.reg.CreateTrigger(ctx, eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	empty := trigger.Status("")
	if _, err := e.reg.UpdateTrigger(ctx, tr.ID, trigger.Update{Status: &empty}); !errors.Is(err, trigger.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}

	got, _ := e.reg.Get(tr.ID)
	if got.Status != trigger.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	stored, err := e.store.LoadTrigger(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != trigger.StatusActive {
		t.Errorf("stored status = %q, want active", stored.Status)
	}
	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	if len(e.agent.Calls()) != 1 {
		t.Error("trigger should still fire after the rejected update")
	}
}

// Scenario: a minutely schedule fires three times in three minutes.
func TestScheduleEveryMinuteFiresThreeTimes(t *testing.T) {
	e := newEnv(t)
	if _, err := e.reg.CreateScheduledTrigger(context.Background(), owner, "minutely", "every_minute", agentAction()); err != nil {
		t.Fatal(err)
	}

	e.clock.Advance(3 * time.Minute)

	if got := len(e.agent.Calls()); got != 3 {
		t.Errorf("expected 3 dispatches, got %d", got)
	}
}

// Scenario: cpu_usage > 90 fires for 95 and not for 85.
func TestThresholdFiresOnlyAboveThreshold(t *testing.T) {
	e := newEnv(t)
	if _, err := e.reg.CreateThresholdTrigger(context.Background(), owner, "cpu", "cpu_usage", trigger.OpGreater, 90, agentAction()); err != nil {
		t.Fatal(err)
	}

	e.publish(trigger.MetricTopic("cpu_usage"), trigger.NewMetricSample("cpu_usage", 95, epoch))
	e.publish(trigger.MetricTopic("cpu_usage"), trigger.NewMetricSample("cpu_usage", 85, epoch))

	calls := e.agent.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", len(calls))
	}
	if calls[0].Input != "metric cpu_usage = 95" {
		t.Errorf("dispatch was not for the first sample: %q", calls[0].Input)
	}
}

// Scenario: a webhook delivery reaches the agent as its input.
func TestWebhookDeliveryReachesAgent(t *testing.T) {
	e := newEnv(t)
	if _, err := e.reg.CreateWebhookTrigger(context.Background(), owner, "hook", "/hooks/abc", agentAction()); err != nil {
		t.Fatal(err)
	}

	sample := trigger.NewWebhookSample("/hooks/abc", "POST", `{"x":1}`, nil, epoch)
	if n := e.publish(trigger.WebhookTopic("/hooks/abc"), sample); n != 1 {
		t.Fatalf("publish reached %d handlers, want 1", n)
	}

	calls := e.agent.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 agent call, got %d", len(calls))
	}
	if calls[0].Input != `{"x":1}` {
		t.Errorf("agent input = %q, want the delivered payload", calls[0].Input)
	}
}

func TestCreateSlackMessageTrigger(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateSlackMessageTrigger(context.Background(), owner, "C123", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Action.ReplyChannel != "slack:C123" || tr.Action.Target != "agent-1" {
		t.Errorf("action = %+v", tr.Action)
	}

	e.publish(trigger.EventTopic(registry.SlackMessageEvent),
		trigger.NewEventSample(registry.SlackMessageEvent, map[string]any{"channel": "C999", "text": "hi"}, epoch))
	e.publish(trigger.EventTopic(registry.SlackMessageEvent),
		trigger.NewEventSample(registry.SlackMessageEvent, map[string]any{"channel": "C123", "text": "deploy please"}, epoch))

	calls := e.agent.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(calls))
	}
	if calls[0].Input != "deploy please" {
		t.Errorf("input = %q", calls[0].Input)
	}
}

func TestListAndListByGuild(t *testing.T) {
	e := newEnv(t)
	for _, guild := range []string{"g1", "g2", "g1"} {
		def := eventDefinition("deploy", nil)
		def.GuildID = guild
		if _, err := e.reg.CreateTrigger(context.Background(), def); err != nil {
			t.Fatal(err)
		}
		e.clock.Advance(time.Second)
	}

	if got := len(e.reg.List()); got != 3 {
		t.Errorf("List() = %d triggers, want 3", got)
	}
	g1 := e.reg.ListByGuild("g1")
	if len(g1) != 2 {
		t.Fatalf("ListByGuild(g1) = %d, want 2", len(g1))
	}
	if !g1[0].CreatedAt.Before(g1[1].CreatedAt) {
		t.Error("expected oldest first")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", map[string]any{"env": "prod"}))
	if err != nil {
		t.Fatal(err)
	}

	got, _ := e.reg.Get(tr.ID)
	got.Name = "mutated"
	got.Condition.Event.Filters["env"] = "dev"

	again, _ := e.reg.Get(tr.ID)
	if again.Name == "mutated" || again.Condition.Event.Filters["env"] != "prod" {
		t.Error("Get must return an independent copy")
	}
}

func TestRestore(t *testing.T) {
	e := newEnv(t)
	active := &trigger.Trigger{
		ID:        "stored-1",
		GuildID:   "g",
		Name:      "stored",
		Condition: trigger.Condition{Kind: trigger.ConditionEvent, Event: &trigger.EventCondition{EventType: "deploy"}},
		Action:    agentAction(),
		Status:    trigger.StatusActive,
		CreatedAt: epoch,
	}
	inactive := active.Clone()
	inactive.ID = "stored-2"
	inactive.Status = trigger.StatusInactive
	broken := active.Clone()
	broken.ID = "stored-3"
	broken.Condition = trigger.Condition{Kind: trigger.ConditionSchedule, Schedule: &trigger.ScheduleCondition{Expression: "whenever"}}

	for _, tr := range []*trigger.Trigger{active, inactive, broken} {
		e.store.Put(tr)
	}

	n, err := e.reg.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("restored %d, want 2", n)
	}
	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}

	// A second restore changes nothing.
	if n, _ := e.reg.Restore(context.Background()); n != 0 {
		t.Errorf("second restore added %d", n)
	}

	e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
	if len(e.agent.Calls()) != 1 {
		t.Errorf("expected 1 dispatch from the restored active trigger, got %d", len(e.agent.Calls()))
	}
}

func TestCloseRemovesListeners(t *testing.T) {
	e := newEnv(t)
	if _, err := e.reg.CreateScheduledTrigger(context.Background(), owner, "minutely", "every_minute", agentAction()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil)); err != nil {
		t.Fatal(err)
	}

	e.reg.Close()

	if e.reg.Listeners() != 0 || e.clock.Pending() != 0 || e.bus.Topics() != 0 {
		t.Errorf("listeners=%d pending=%d topics=%d", e.reg.Listeners(), e.clock.Pending(), e.bus.Topics())
	}
}

func TestConcurrentOperationsKeepOneListener(t *testing.T) {
	e := newEnv(t)
	tr, err := e.reg.CreateTrigger(context.Background(), eventDefinition("deploy", nil))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			eventType := "deploy"
			if i%2 == 1 {
				eventType = "release"
			}
			cond := trigger.Condition{Kind: trigger.ConditionEvent, Event: &trigger.EventCondition{EventType: eventType}}
			e.reg.UpdateTrigger(context.Background(), tr.ID, trigger.Update{Condition: &cond})
		}(i)
		go func() {
			defer wg.Done()
			e.publish("event:deploy", trigger.NewEventSample("deploy", nil, epoch))
		}()
	}
	wg.Wait()

	if e.reg.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", e.reg.Listeners())
	}
	if e.bus.Topics() != 1 {
		t.Errorf("topics = %d, want 1", e.bus.Topics())
	}
}

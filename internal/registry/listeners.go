package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/colebrumley/tripwire/internal/eventbus"
	"github.com/colebrumley/tripwire/internal/logging"
	"github.com/colebrumley/tripwire/internal/scheduler"
	"github.com/colebrumley/tripwire/internal/trigger"
)

// install creates the listener for t bound to gen. Exactly one of the
// returned handles is non-nil.
func (r *Registry) install(t *trigger.Trigger, gen uint64) (*eventbus.Subscription, *scheduler.Entry, error) {
	id := t.ID

	if t.Condition.Kind == trigger.ConditionSchedule {
		sched, err := scheduler.Parse(t.Condition.Schedule.Expression, t.Condition.Schedule.Timezone)
		if err != nil {
			return nil, nil, err
		}
		entry := r.sched.Add(id, sched, func(planned time.Time) {
			r.fire(context.Background(), id, gen, trigger.NewScheduleSample(planned), false)
		})
		return nil, entry, nil
	}

	topic := t.Condition.Topic()
	if topic == "" {
		return nil, nil, fmt.Errorf("%w: condition %q has no topic", trigger.ErrValidation, t.Condition.Kind)
	}
	sub := r.bus.Subscribe(topic, func(ctx context.Context, evt eventbus.Event) error {
		s, ok := evt.Payload.(trigger.Sample)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", evt.Payload, evt.Topic)
		}
		r.fire(ctx, id, gen, s, true)
		return nil
	})
	return sub, nil, nil
}

// attach records installed handles on e. If e moved to another generation
// while they were being installed, they are removed instead.
func (r *Registry) attach(e *entry, gen uint64, sub *eventbus.Subscription, sched *scheduler.Entry) {
	if sub == nil && sched == nil {
		return
	}

	r.mu.Lock()
	if e.gen != gen {
		r.mu.Unlock()
		r.remove(sub, sched)
		return
	}
	e.sub, e.sched = sub, sched
	t := e.t.Clone()
	t.Metadata = map[string]string{MetadataListener: handle(sub, sched)}
	e.t = t
	r.listeners++
	count := r.listeners
	r.mu.Unlock()

	r.metrics.ListenersUpdate(count)
	logging.WithTrigger(r.logger, t.ID, t.Name).Debug("listener installed", "listener", t.Metadata[MetadataListener])
}

// uninstall removes handles previously attached for id. Scheduler
// cancellation is synchronous.
func (r *Registry) uninstall(id string, sub *eventbus.Subscription, sched *scheduler.Entry) {
	if sub == nil && sched == nil {
		return
	}
	r.remove(sub, sched)

	r.mu.Lock()
	r.listeners--
	count := r.listeners
	r.mu.Unlock()

	r.metrics.ListenersUpdate(count)
	r.logger.Debug("listener removed", "trigger_id", id, "listener", handle(sub, sched))
}

func (r *Registry) remove(sub *eventbus.Subscription, sched *scheduler.Entry) {
	if sub != nil {
		r.bus.Unsubscribe(sub)
	}
	if sched != nil {
		r.sched.Cancel(sched)
	}
}

func handle(sub *eventbus.Subscription, sched *scheduler.Entry) string {
	if sub != nil {
		return fmt.Sprintf("bus:%d", sub.ID())
	}
	if sched != nil {
		return fmt.Sprintf("schedule:%d", sched.ID())
	}
	return ""
}

// fire runs one listener invocation. Listeners whose generation is no longer
// current do nothing, which is what keeps a removed or replaced listener
// from acting. Bus samples are evaluated; timer expiries are not.
func (r *Registry) fire(ctx context.Context, id string, gen uint64, s trigger.Sample, evaluate bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.gen != gen || !e.t.Active() {
		r.mu.Unlock()
		return
	}
	t := e.t.Clone()
	r.mu.Unlock()

	if evaluate && !trigger.Evaluate(t.Condition, s) {
		return
	}

	outcome := r.dispatcher.Dispatch(ctx, t, s)
	r.markTriggered(context.WithoutCancel(ctx), id, outcome.StartedAt)
}

// markTriggered records a dispatch attempt. The trigger may have been
// deleted meanwhile; the store update is update-only so nothing is revived.
func (r *Registry) markTriggered(ctx context.Context, id string, at time.Time) {
	unlock := r.lock(id)
	defer unlock()

	at = at.UTC()
	if err := r.store.MarkTriggered(ctx, id, at); err != nil {
		if !errors.Is(err, trigger.ErrNotFound) {
			r.logger.Warn("recording last triggered", "trigger_id", id, "error", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		t := e.t.Clone()
		t.LastTriggered = &at
		e.t = t
	}
}

// jsonEqual compares values by their JSON form, so numbers decoded from
// YAML (int) and from the store (float64) compare equal.
func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}

// Package registry owns the set of live triggers. It persists them, installs
// one listener (bus subscription or scheduler entry) per active trigger, and
// routes matching samples to the dispatcher.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colebrumley/tripwire/internal/dispatcher"
	"github.com/colebrumley/tripwire/internal/eventbus"
	"github.com/colebrumley/tripwire/internal/logging"
	"github.com/colebrumley/tripwire/internal/metrics"
	"github.com/colebrumley/tripwire/internal/scheduler"
	"github.com/colebrumley/tripwire/internal/trigger"
)

// MetadataListener is the Metadata key holding the live listener handle,
// e.g. "bus:12" or "schedule:3". Inactive triggers have none.
const MetadataListener = "listener"

// Store is the system of record for triggers.
type Store interface {
	SaveTrigger(ctx context.Context, t *trigger.Trigger) error
	LoadTrigger(ctx context.Context, id string) (*trigger.Trigger, error)
	ListTriggers(ctx context.Context) ([]*trigger.Trigger, error)
	ListByGuild(ctx context.Context, guildID string) ([]*trigger.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	// MarkTriggered must only update an existing row.
	MarkTriggered(ctx context.Context, id string, at time.Time) error
}

// Dispatcher performs a fired trigger's action.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *trigger.Trigger, s trigger.Sample) dispatcher.Outcome
}

type Options struct {
	Store      Store
	Bus        *eventbus.Bus
	Scheduler  *scheduler.Scheduler
	Dispatcher Dispatcher
	Metrics    metrics.Sink
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// entry is the in-memory state of one trigger. t is replaced, never mutated.
// gen changes whenever the listener is reinstalled; a listener only acts
// while its gen is current.
type entry struct {
	t     *trigger.Trigger
	gen   uint64
	sub   *eventbus.Subscription
	sched *scheduler.Entry
}

// Registry is the CRUD surface over triggers. Operations on the same id are
// serialized; the map lock is never held across I/O or dispatch.
type Registry struct {
	store      Store
	bus        *eventbus.Bus
	sched      *scheduler.Scheduler
	dispatcher Dispatcher
	metrics    metrics.Sink
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu        sync.Mutex
	entries   map[string]*entry
	deleted   map[string]struct{}
	nextGen   uint64
	listeners int

	locksMu sync.Mutex
	locks   map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty registry. Call Restore to load persisted triggers.
func New(opts Options) *Registry {
	r := &Registry{
		store:      opts.Store,
		bus:        opts.Bus,
		sched:      opts.Scheduler,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
		entries:    make(map[string]*entry),
		deleted:    make(map[string]struct{}),
		locks:      make(map[string]*idLock),
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNoopSink()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// lock serializes operations on one trigger id.
func (r *Registry) lock(id string) func() {
	r.locksMu.Lock()
	l := r.locks[id]
	if l == nil {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

// validate checks a definition, including resolving its schedule.
func validate(def trigger.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return validateSchedule(def.Condition)
}

// validateStored checks a trigger about to be persisted or restored.
func validateStored(t *trigger.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return validateSchedule(t.Condition)
}

func validateSchedule(c trigger.Condition) error {
	if c.Kind == trigger.ConditionSchedule {
		return scheduler.Validate(*c.Schedule)
	}
	return nil
}

// CreateTrigger validates def, persists a new trigger and, when it is
// active, installs its listener. Nothing is installed unless the store
// write succeeds.
func (r *Registry) CreateTrigger(ctx context.Context, def trigger.Definition) (*trigger.Trigger, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	t := &trigger.Trigger{
		ID:          r.newID(),
		GuildID:     def.GuildID,
		AgentID:     def.AgentID,
		AgentName:   def.AgentName,
		Name:        def.Name,
		Description: def.Description,
		Condition:   def.Condition.Clone(),
		Action:      def.Action.Clone(),
		Status:      def.Status,
		Source:      def.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Status == "" {
		t.Status = trigger.StatusActive
	}

	unlock := r.lock(t.ID)
	defer unlock()

	if err := r.store.SaveTrigger(ctx, t); err != nil {
		return nil, fmt.Errorf("%w: saving trigger %s: %v", trigger.ErrPersistence, t.ID, err)
	}

	e, err := r.admit(t)
	if err != nil {
		return nil, err
	}
	logging.WithTrigger(r.logger, t.ID, t.Name).Info("trigger created",
		"condition", t.Condition.Kind, "action", t.Action.Kind, "status", t.Status)
	return r.snapshot(e), nil
}

// admit adds a persisted trigger to the map and installs its listener.
// Caller holds the id lock.
func (r *Registry) admit(t *trigger.Trigger) (*entry, error) {
	r.mu.Lock()
	r.nextGen++
	e := &entry{t: t, gen: r.nextGen}
	r.entries[t.ID] = e
	delete(r.deleted, t.ID)
	r.mu.Unlock()

	if !t.Active() {
		return e, nil
	}
	sub, sched, err := r.install(t, e.gen)
	if err != nil {
		// Only reachable for a stored schedule that no longer parses.
		return e, err
	}
	r.attach(e, e.gen, sub, sched)
	return e, nil
}

// UpdateTrigger applies upd to trigger id. The listener is reinstalled only
// when the condition, action or status changed; the new listener is live
// before the old one is removed and only one of them acts at any time.
func (r *Registry) UpdateTrigger(ctx context.Context, id string, upd trigger.Update) (*trigger.Trigger, error) {
	unlock := r.lock(id)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	var cur *trigger.Trigger
	if ok {
		cur = e.t
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("updating trigger %s: %w", id, trigger.ErrNotFound)
	}

	next := upd.Apply(cur)
	next.UpdatedAt = r.now().UTC()
	if err := validateStored(next); err != nil {
		return nil, err
	}

	reinstall := !sameListener(cur, next)

	if err := r.store.SaveTrigger(ctx, next); err != nil {
		return nil, fmt.Errorf("%w: saving trigger %s: %v", trigger.ErrPersistence, id, err)
	}

	if !reinstall {
		r.mu.Lock()
		e.t = next
		r.mu.Unlock()
		logging.WithTrigger(r.logger, id, next.Name).Info("trigger updated")
		return r.snapshot(e), nil
	}

	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	r.mu.Unlock()

	var sub *eventbus.Subscription
	var sched *scheduler.Entry
	if next.Active() {
		var err error
		if sub, sched, err = r.install(next, gen); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	oldSub, oldSched := e.sub, e.sched
	e.t = next
	e.gen = gen
	e.sub, e.sched = nil, nil
	next.Metadata = nil
	r.mu.Unlock()

	r.uninstall(id, oldSub, oldSched)
	r.attach(e, gen, sub, sched)

	logging.WithTrigger(r.logger, id, next.Name).Info("trigger updated", "reinstalled", true, "status", next.Status)
	return r.snapshot(e), nil
}

// sameListener reports whether cur's listener can serve next unchanged.
func sameListener(cur, next *trigger.Trigger) bool {
	return cur.Status == next.Status &&
		jsonEqual(cur.Condition, next.Condition) &&
		jsonEqual(cur.Action, next.Action)
}

// DeleteTrigger removes the listener and then the trigger. Once it returns
// no new firing of the trigger starts. Deleting an id already deleted by
// this registry succeeds; an id never seen returns ErrNotFound.
func (r *Registry) DeleteTrigger(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	_, tombstoned := r.deleted[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		if tombstoned {
			return nil
		}
		return fmt.Errorf("deleting trigger %s: %w", id, trigger.ErrNotFound)
	}

	r.uninstall(id, e.sub, e.sched)

	if err := r.store.DeleteTrigger(ctx, id); err != nil && !errors.Is(err, trigger.ErrNotFound) {
		// Put the trigger back so memory keeps matching the store.
		if _, rerr := r.admit(e.t); rerr != nil {
			r.logger.Error("restoring trigger after failed delete", "trigger_id", id, "error", rerr)
		}
		return fmt.Errorf("%w: deleting trigger %s: %v", trigger.ErrPersistence, id, err)
	}

	r.mu.Lock()
	r.deleted[id] = struct{}{}
	r.mu.Unlock()

	logging.WithTrigger(r.logger, id, e.t.Name).Info("trigger deleted")
	return nil
}

// Get returns a copy of trigger id.
func (r *Registry) Get(id string) (*trigger.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("getting trigger %s: %w", id, trigger.ErrNotFound)
	}
	return e.t.Clone(), nil
}

// List returns copies of all triggers, oldest first.
func (r *Registry) List() []*trigger.Trigger {
	return r.filter(func(*trigger.Trigger) bool { return true })
}

// ListByGuild returns copies of the triggers of one guild, oldest first.
func (r *Registry) ListByGuild(guildID string) []*trigger.Trigger {
	return r.filter(func(t *trigger.Trigger) bool { return t.GuildID == guildID })
}

func (r *Registry) filter(keep func(*trigger.Trigger) bool) []*trigger.Trigger {
	r.mu.Lock()
	out := make([]*trigger.Trigger, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.t) {
			out = append(out, e.t.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Listeners returns the number of installed listeners.
func (r *Registry) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

// Restore loads every persisted trigger not already known and installs
// listeners for the active ones. Triggers that no longer validate are
// skipped and logged.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	stored, err := r.store.ListTriggers(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: listing triggers: %v", trigger.ErrPersistence, err)
	}

	restored := 0
	for _, t := range stored {
		logger := logging.WithTrigger(r.logger, t.ID, t.Name)
		if err := validateStored(t); err != nil {
			logger.Warn("skipping stored trigger", "error", err)
			continue
		}

		unlock := r.lock(t.ID)
		r.mu.Lock()
		_, known := r.entries[t.ID]
		r.mu.Unlock()
		if !known {
			if _, err := r.admit(t); err != nil {
				logger.Warn("installing stored trigger", "error", err)
			} else {
				restored++
			}
		}
		unlock()
	}
	r.logger.Info("triggers restored", "count", restored, "listeners", r.Listeners())
	return restored, nil
}

// Close removes every listener. The registry keeps its entries but no
// trigger fires afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	type owned struct {
		id    string
		sub   *eventbus.Subscription
		sched *scheduler.Entry
	}
	var all []owned
	for id, e := range r.entries {
		all = append(all, owned{id, e.sub, e.sched})
		e.sub, e.sched = nil, nil
		r.nextGen++
		e.gen = r.nextGen
	}
	r.mu.Unlock()

	for _, o := range all {
		r.uninstall(o.id, o.sub, o.sched)
	}
}

func (r *Registry) snapshot(e *entry) *trigger.Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.t.Clone()
}

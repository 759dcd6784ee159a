// Package scheduler turns recurrence descriptions into timer firings.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/colebrumley/tripwire/internal/metrics"
	"github.com/robfig/cron/v3"
)

// FireFunc is invoked on each expiry with the planned firing time.
type FireFunc func(planned time.Time)

// Entry is one recurring timer. It is the handle used to cancel it.
type Entry struct {
	id       uint64
	name     string
	schedule cron.Schedule
	fn       FireFunc

	mu        sync.Mutex
	timer     Timer
	next      time.Time
	cancelled bool
}

// ID returns a process-unique identifier for the entry.
func (e *Entry) ID() uint64 { return e.id }

// Name returns the label the entry was added with.
func (e *Entry) Name() string { return e.name }

// Next returns the next planned firing, or the zero time if none remains.
func (e *Entry) Next() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

// Options configures a Scheduler.
type Options struct {
	Clock   Clock
	Metrics metrics.Sink
	Logger  *slog.Logger
}

// Scheduler owns a set of recurring timers, one per entry.
type Scheduler struct {
	clock   Clock
	metrics metrics.Sink
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[uint64]*Entry
	nextID  uint64
	stopped bool
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		entries: make(map[uint64]*Entry),
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoopSink()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Add arms a recurring timer for sched and returns its handle. fn runs on
// the clock's goroutine for each expiry and must not block for long.
// Adding to a stopped scheduler returns a cancelled entry.
func (s *Scheduler) Add(name string, sched cron.Schedule, fn FireFunc) *Entry {
	s.mu.Lock()
	s.nextID++
	e := &Entry{id: s.nextID, name: name, schedule: sched, fn: fn}
	if s.stopped {
		s.mu.Unlock()
		e.cancelled = true
		return e
	}
	s.entries[e.id] = e
	s.mu.Unlock()

	e.mu.Lock()
	s.arm(e, s.clock.Now())
	e.mu.Unlock()

	s.logger.Debug("schedule armed", "entry", e.id, "name", name, "next", e.Next())
	return e
}

// arm schedules the next expiry after from. Caller holds e.mu.
func (s *Scheduler) arm(e *Entry, from time.Time) {
	next := e.schedule.Next(from)
	e.next = next
	if next.IsZero() {
		e.timer = nil
		return
	}
	e.timer = s.clock.AfterFunc(next.Sub(s.clock.Now()), func() { s.fire(e, next) })
}

func (s *Scheduler) fire(e *Entry, planned time.Time) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	// A late expiry (host suspend, clock jump) fires once; the missed
	// occurrences in between are skipped.
	from := planned
	if now := s.clock.Now(); now.After(from) {
		from = now
	}
	s.arm(e, from)
	e.mu.Unlock()

	s.metrics.ScheduleFired()
	s.metrics.ScheduleDrift(s.clock.Now().Sub(planned))
	e.fn(planned)
}

// Cancel stops e synchronously: once Cancel returns the entry's timer will
// not start another firing. A firing already running is not waited for.
// Cancelling twice is a no-op.
func (s *Scheduler) Cancel(e *Entry) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.cancelled = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.next = time.Time{}
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.entries, e.id)
	s.mu.Unlock()
}

// Len returns the number of live entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every entry. Later calls to Add return cancelled entries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.Cancel(e)
	}
}

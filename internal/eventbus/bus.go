// Package eventbus is an in-process topic-keyed publish/subscribe bus with
// concurrent fan-out and join semantics.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/colebrumley/tripwire/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Event is what a handler receives for one publish call.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Handler processes one event. A returned error is logged and isolated
// from the other handlers of the same publish.
type Handler func(ctx context.Context, evt Event) error

// Subscription is the handle returned by Subscribe. It identifies exactly
// one registration and is the only way to remove it.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// ID returns a process-unique identifier for the subscription.
func (s *Subscription) ID() uint64 { return s.id }

// Topic returns the topic the subscription is registered under.
func (s *Subscription) Topic() string { return s.topic }

// Options configures a Bus.
type Options struct {
	// MaxConcurrentHandlers bounds handler goroutines per publish. Zero means unbounded.
	MaxConcurrentHandlers int
	Metrics               metrics.Sink
	Logger                *slog.Logger
	Now                   func() time.Time
}

// Bus is a publish/subscribe primitive. Topics exist only while they have
// subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	nextID uint64

	limit   int
	metrics metrics.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty bus.
func New(opts Options) *Bus {
	b := &Bus{
		topics:  make(map[string][]*Subscription),
		limit:   opts.MaxConcurrentHandlers,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if b.metrics == nil {
		b.metrics = metrics.NewNoopSink()
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Subscribe registers h under topic. Multiple handlers per topic are allowed,
// including the same func registered twice; each gets its own handle.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, handler: h}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Unsubscribe removes exactly the registration identified by sub. Unknown or
// already-removed handles are a no-op. It reports whether anything was removed.
//
// Publish calls already in progress may still invoke the handler; callers that
// need a hard cutoff must guard the handler themselves.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s != sub {
			continue
		}
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, sub.topic)
		} else {
			b.topics[sub.topic] = next
		}
		return true
	}
	return false
}

// HasSubscribers reports whether topic currently has at least one handler.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic]) > 0
}

// Topics returns the number of live topics.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Publish delivers payload to every current subscriber of topic and returns
// once all of them have been attempted. Handlers run concurrently; an error
// or panic in one never affects the others. It returns the number of
// handlers invoked; zero subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) int {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	// subs is never mutated in place, so the snapshot needs no copy.
	b.metrics.EventPublished(topic, len(subs))
	if len(subs) == 0 {
		return 0
	}

	evt := Event{Topic: topic, Payload: payload, Timestamp: b.now()}

	var g errgroup.Group
	if b.limit > 0 {
		g.SetLimit(b.limit)
	}
	for _, sub := range subs {
		g.Go(func() error {
			if err := b.invoke(ctx, sub, evt); err != nil {
				b.metrics.HandlerFailed(topic)
				b.logger.Error("event handler failed",
					"topic", topic,
					"subscription", sub.id,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(subs)
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, evt)
}

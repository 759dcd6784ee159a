package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colebrumley/tripwire/internal/trigger"
)

// MemoryStore is an in-memory trigger store with failure injection. It keeps
// clones, so callers never share memory with it.
type MemoryStore struct {
	mu       sync.Mutex
	triggers map[string]*trigger.Trigger
	saves    int

	// FailSaves makes SaveTrigger return ErrInjected.
	FailSaves bool
	// FailDeletes makes DeleteTrigger return ErrInjected.
	FailDeletes bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{triggers: make(map[string]*trigger.Trigger)}
}

func (m *MemoryStore) SaveTrigger(ctx context.Context, t *trigger.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves {
		return ErrInjected
	}
	m.saves++
	m.triggers[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) LoadTrigger(ctx context.Context, id string) (*trigger.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, fmt.Errorf("loading trigger %s: %w", id, trigger.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTriggers(ctx context.Context) ([]*trigger.Trigger, error) {
	return m.list(func(*trigger.Trigger) bool { return true }), nil
}

func (m *MemoryStore) ListByGuild(ctx context.Context, guildID string) ([]*trigger.Trigger, error) {
	return m.list(func(t *trigger.Trigger) bool { return t.GuildID == guildID }), nil
}

func (m *MemoryStore) DeleteTrigger(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDeletes {
		return ErrInjected
	}
	if _, ok := m.triggers[id]; !ok {
		return fmt.Errorf("deleting trigger %s: %w", id, trigger.ErrNotFound)
	}
	delete(m.triggers, id)
	return nil
}

func (m *MemoryStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return fmt.Errorf("marking trigger %s: %w", id, trigger.ErrNotFound)
	}
	at = at.UTC()
	t.LastTriggered = &at
	return nil
}

// Saves counts successful SaveTrigger calls.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Put stores t directly, bypassing failure injection.
func (m *MemoryStore) Put(t *trigger.Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.ID] = t.Clone()
}

func (m *MemoryStore) list(keep func(*trigger.Trigger) bool) []*trigger.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*trigger.Trigger
	for _, t := range m.triggers {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

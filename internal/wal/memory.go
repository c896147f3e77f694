package wal

import (
	"context"
	"slices"
	"sync"
	"time"

	"xrt/internal/domain"
)

type memTenant struct {
	head   int64
	events []domain.Event
	pins   map[string]time.Time
}

// MemoryStore is an in-process Store for tests and the memory driver.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*memTenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*memTenant)}
}

func (m *MemoryStore) tenant(id string) *memTenant {
	t, ok := m.tenants[id]
	if !ok {
		t = &memTenant{pins: make(map[string]time.Time)}
		m.tenants[id] = t
	}
	return t
}

func (m *MemoryStore) Append(_ context.Context, ev domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(ev.TenantID)
	t.head++
	ev.ID = t.head
	ev.Payload = slices.Clone(ev.Payload)
	t.events = append(t.events, ev)
	return ev.ID, nil
}

func (m *MemoryStore) Read(_ context.Context, tenantID string, since int64, types []domain.EventType, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	start, _ := slices.BinarySearchFunc(t.events, since+1, func(e domain.Event, id int64) int {
		switch {
		case e.ID < id:
			return -1
		case e.ID > id:
			return 1
		}
		return 0
	})
	var out []domain.Event
	for _, ev := range t.events[start:] {
		if len(types) > 0 && !slices.Contains(types, ev.Type) {
			continue
		}
		ev.Payload = slices.Clone(ev.Payload)
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Evict(_ context.Context, tenantID string, upTo int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return 0, nil
	}
	before := len(t.events)
	t.events = slices.DeleteFunc(t.events, func(ev domain.Event) bool {
		if ev.ID > upTo {
			return false
		}
		_, pinned := t.pins[ev.SagaID]
		return ev.SagaID == "" || !pinned
	})
	return before - len(t.events), nil
}

func (m *MemoryStore) Pin(_ context.Context, tenantID, sagaID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	if _, ok := t.pins[sagaID]; !ok {
		t.pins[sagaID] = at
	}
	return nil
}

func (m *MemoryStore) Unpin(_ context.Context, tenantID, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tenants[tenantID]; ok {
		delete(t.pins, sagaID)
	}
	return nil
}

func (m *MemoryStore) Head(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[tenantID]; ok {
		return t.head, nil
	}
	return 0, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

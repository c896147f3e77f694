package statesurface

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || e.expiresAt.After(now)
}

// MemoryBackend keeps entries in process memory. Values are copied on the
// way in and out so callers never share buffers with the store.
type MemoryBackend struct {
	mu      sync.RWMutex
	tenants map[string]map[string]memEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tenants: make(map[string]map[string]memEntry)}
}

func (m *MemoryBackend) Put(_ context.Context, tenantID, key string, value []byte, expiresAt, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.tenants[tenantID]
	if !ok {
		ns = make(map[string]memEntry)
		m.tenants[tenantID] = ns
	}
	ns[key] = memEntry{value: slices.Clone(value), expiresAt: expiresAt}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, tenantID, key string, now time.Time) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tenants[tenantID][key]
	if !ok || !e.live(now) {
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (m *MemoryBackend) Delete(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants[tenantID], key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, tenantID, prefix string, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.tenants[tenantID] {
		if strings.HasPrefix(k, prefix) && e.live(now) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryBackend) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for tenant, ns := range m.tenants {
		for k, e := range ns {
			if !e.live(now) {
				delete(ns, k)
				removed++
			}
		}
		if len(ns) == 0 {
			delete(m.tenants, tenant)
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Tenants(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for tenant := range m.tenants {
		out = append(out, tenant)
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

// README: In-memory heatmap store for tests and single-node runs.
package heatmap

import (
	"context"
	"sync"
	"time"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/types"
)

type expiring struct {
	value   float64
	expires time.Time
}

type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	orders    map[string][]time.Time
	available map[string]map[types.ID]struct{}
	courier   map[types.ID]string
	supply    map[string]expiring
	surge     map[string]expiring
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:     clk,
		orders:    make(map[string][]time.Time),
		available: make(map[string]map[types.ID]struct{}),
		courier:   make(map[types.ID]string),
		supply:    make(map[string]expiring),
		surge:     make(map[string]expiring),
	}
}

func (m *MemoryStore) RecordOrder(_ context.Context, cell, _ string, at time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := at.Add(-window)
	kept := m.orders[cell][:0]
	for _, t := range m.orders[cell] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	m.orders[cell] = append(kept, at)
	return nil
}

func (m *MemoryStore) OrderCount(_ context.Context, cell string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.orders[cell] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, cell string, id types.ID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.courier[id]; ok && prev != cell {
		delete(m.available[prev], id)
	}
	if !available {
		delete(m.available[cell], id)
		delete(m.courier, id)
		return nil
	}
	set, ok := m.available[cell]
	if !ok {
		set = make(map[types.ID]struct{})
		m.available[cell] = set
	}
	set[id] = struct{}{}
	m.courier[id] = cell
	return nil
}

func (m *MemoryStore) AvailableCount(_ context.Context, cell string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.available[cell])), nil
}

func (m *MemoryStore) SetReportedSupply(_ context.Context, cell string, n int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supply[cell] = expiring{value: float64(n), expires: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) ReportedSupply(_ context.Context, cell string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.supply[cell]
	if !ok || !m.clock.Now().Before(e.expires) {
		return 0, nil
	}
	return int64(e.value), nil
}

func (m *MemoryStore) CachedSurge(_ context.Context, cell string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.surge[cell]
	if !ok || !m.clock.Now().Before(e.expires) {
		return 0, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) CacheSurge(_ context.Context, cell string, v float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surge[cell] = expiring{value: v, expires: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) InvalidateSurge(_ context.Context, cell string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.surge, cell)
	return nil
}

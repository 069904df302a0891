// README: In-memory assignment store with the same commit and locking rules as the Postgres store.
package assignment

import (
	"context"
	"sync"

	"swiftdispatch/internal/types"
)

type MemoryStore struct {
	mu         sync.Mutex
	couriers   map[types.ID]*Courier
	deliveries map[types.ID]*Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		couriers:   make(map[types.ID]*Courier),
		deliveries: make(map[types.ID]*Assignment),
	}
}

func (m *MemoryStore) CreateCourier(_ context.Context, c *Courier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.couriers[c.ID]; ok {
		return ErrConflict
	}
	cp := *c
	m.couriers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCourier(_ context.Context, id types.ID) (*Courier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.couriers[id]
	if !ok {
		return nil, ErrCourierNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Commit(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.couriers[a.CourierID]
	if !ok || c.CurrentLoad >= c.MaxCapacity {
		return ErrCommitFailed
	}
	for _, d := range m.deliveries {
		if d.OrderID == a.OrderID && active(d.Status) {
			return ErrAlreadyAssigned
		}
	}
	c.CurrentLoad++
	c.Status = CourierOnDelivery
	cp := *a
	m.deliveries[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetActiveByOrder(_ context.Context, orderID types.ID) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.OrderID == orderID && active(d.Status) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateStatus(_ context.Context, a *Assignment, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[a.ID]
	if !ok || d.Status != a.Status || d.StatusVersion != a.StatusVersion {
		return false, nil
	}
	d.Status = to
	d.StatusVersion++
	if releasesCourier(to) {
		if c, ok := m.couriers[d.CourierID]; ok {
			if c.CurrentLoad > 0 {
				c.CurrentLoad--
			}
			if c.CurrentLoad == 0 {
				c.Status = CourierAvailable
			}
		}
	}
	return true, nil
}

func active(s Status) bool {
	return s == StatusAssigned || s == StatusPickedUp
}

// README: In-memory courier index store; one mutex makes every write atomic.
package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/types"
)

type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	cells     map[string]map[types.ID]struct{}
	locations map[types.ID]Location
	statuses  map[types.ID]Status
	beats     map[types.ID]time.Time
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:     clk,
		cells:     make(map[string]map[types.ID]struct{}),
		locations: make(map[types.ID]Location),
		statuses:  make(map[types.ID]Status),
		beats:     make(map[types.ID]time.Time),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, loc Location, status *Status, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := loc.CourierID
	prev := ""
	if old, ok := m.locations[id]; ok {
		prev = old.Cell
		if prev != loc.Cell {
			m.removeFromCell(prev, id)
		}
	}
	members, ok := m.cells[loc.Cell]
	if !ok {
		members = make(map[types.ID]struct{})
		m.cells[loc.Cell] = members
	}
	members[id] = struct{}{}
	m.locations[id] = loc

	switch st, has := m.statuses[id]; {
	case status != nil:
		m.statuses[id] = *status
	case !has:
		m.statuses[id] = DefaultStatus(loc.ObservedAt)
	default:
		st.LastUpdate = loc.ObservedAt
		m.statuses[id] = st
	}
	m.beats[id] = m.clock.Now().Add(ttl)
	return prev, nil
}

func (m *MemoryStore) Delete(_ context.Context, id types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[id]; !ok {
		return false, nil
	}
	m.deleteLocked(id)
	return true, nil
}

func (m *MemoryStore) DeleteIfStale(_ context.Context, id types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aliveLocked(id) {
		return false, nil
	}
	if _, ok := m.locations[id]; !ok {
		return false, nil
	}
	m.deleteLocked(id)
	return true, nil
}

func (m *MemoryStore) Touch(_ context.Context, id types.ID, at time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[id]; !ok {
		return false, nil
	}
	m.beats[id] = at.Add(ttl)
	return true, nil
}

func (m *MemoryStore) CellMembers(_ context.Context, cells []string) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[types.ID]struct{})
	var out []types.ID
	for _, c := range cells {
		for id := range m.cells[c] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) Records(_ context.Context, ids []types.ID) (map[types.ID]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ID]Record, len(ids))
	for _, id := range ids {
		loc, ok := m.locations[id]
		if !ok {
			continue
		}
		st, has := m.statuses[id]
		out[id] = Record{Location: loc, Status: st, HasStatus: has, Alive: m.aliveLocked(id)}
	}
	return out, nil
}

func (m *MemoryStore) Tracked(_ context.Context) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ID, 0, len(m.locations))
	for id := range m.locations {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CellOf reports the cell set a courier is a member of, for tests.
func (m *MemoryStore) CellOf(id types.ID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cell, members := range m.cells {
		if _, ok := members[id]; ok {
			return cell, true
		}
	}
	return "", false
}

func (m *MemoryStore) aliveLocked(id types.ID) bool {
	exp, ok := m.beats[id]
	return ok && m.clock.Now().Before(exp)
}

func (m *MemoryStore) deleteLocked(id types.ID) {
	if loc, ok := m.locations[id]; ok {
		m.removeFromCell(loc.Cell, id)
	}
	delete(m.locations, id)
	delete(m.statuses, id)
	delete(m.beats, id)
}

func (m *MemoryStore) removeFromCell(cell string, id types.ID) {
	members, ok := m.cells[cell]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(m.cells, cell)
	}
}

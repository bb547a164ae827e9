package state

import (
	"context"
	"sync"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Memory keeps all state in process. Nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	scopes    map[core.StateScope]core.PriorState
	units     map[string]core.LoadUnit
	snapshots map[string][]core.Snapshot // oldest first
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		scopes:    make(map[core.StateScope]core.PriorState),
		units:     make(map[string]core.LoadUnit),
		snapshots: make(map[string][]core.Snapshot),
	}
}

func (m *Memory) Load(_ context.Context, scope core.StateScope) (core.PriorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scopes[scope]
	out := core.PriorState{Version: s.Version, Loaded: make(map[core.RecordKey]time.Time, len(s.Loaded))}
	for k, v := range s.Loaded {
		out.Loaded[k] = v
	}
	return out, nil
}

func (m *Memory) Commit(_ context.Context, scope core.StateScope, expectedVersion int64, plan core.LoadPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scopes[scope]
	if s.Version != expectedVersion {
		return core.ErrVersionConflict
	}
	m.scopes[scope] = s.Apply(plan)
	return nil
}

func (m *Memory) GetUnit(_ context.Context, key string) (core.LoadUnit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[key]
	return u, ok, nil
}

func (m *Memory) SaveUnit(_ context.Context, unit core.LoadUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unit.Key()] = unit
	return nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap core.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ProjectID] = append(m.snapshots[snap.ProjectID], snap)
	return nil
}

func (m *Memory) RecentSnapshots(_ context.Context, projectID string, n int) ([]core.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.snapshots[projectID]
	var out []core.Snapshot
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

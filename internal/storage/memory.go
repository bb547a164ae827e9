package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Memory keeps exports in process.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	deny  bool
}

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

// Deny makes every later call fail with *core.StorageAccessDenied.
func (m *Memory) Deny(deny bool) {
	m.mu.Lock()
	m.deny = deny
	m.mu.Unlock()
}

func (m *Memory) CreateExportDirectory(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		return &core.StorageAccessDenied{Path: dir, Err: errors.New("read-only archive")}
	}
	return nil
}

func (m *Memory) WriteExport(_ context.Context, name string, data []byte) error {
	p := clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		return &core.StorageAccessDenied{Path: p, Err: errors.New("read-only archive")}
	}
	m.files[p] = append([]byte(nil), data...)
	return nil
}

// File returns the bytes stored under name.
func (m *Memory) File(name string) ([]byte, bool) {
	p := clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[p]
	return b, ok
}

// Names lists stored paths in order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for n := range m.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

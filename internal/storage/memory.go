package storage

import (
	"context"
	"sync"

	"github.com/labsync/labsync/internal/core/collab"
)

var _ RecordStore = (*Memory)(nil)

// Memory is the in-process RecordStore used by tests and dev mode.
type Memory struct {
	mu      sync.RWMutex
	records map[collab.RecordID]collab.Record
	staff   map[string][]collab.Option
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[collab.RecordID]collab.Record),
		staff:   make(map[string][]collab.Option),
	}
}

// Put seeds or replaces a record.
func (m *Memory) Put(id collab.RecordID, rec collab.Record) {
	m.mu.Lock()
	m.records[id] = rec.Clone()
	m.mu.Unlock()
}

// PutStaff seeds candidate identities for a department.
func (m *Memory) PutStaff(department string, options []collab.Option) {
	m.mu.Lock()
	m.staff[department] = append([]collab.Option(nil), options...)
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, id collab.RecordID) (collab.Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) List(_ context.Context) (map[collab.RecordID]collab.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[collab.RecordID]collab.Record, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.Clone()
	}
	return out, nil
}

func (m *Memory) UpdateFields(_ context.Context, id collab.RecordID, fields collab.Record) (collab.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := rec.Clone()
	for k, v := range fields {
		updated[k] = v
	}
	m.records[id] = updated
	return updated.Clone(), nil
}

func (m *Memory) Options(_ context.Context, department string) ([]collab.Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]collab.Option(nil), m.staff[department]...), nil
}

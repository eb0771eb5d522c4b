package queue

import (
	"context"
	"sync"
)

// InMemory is a minimal slice-backed queue for dev/testing. It does not
// survive restarts.
type InMemory struct {
	mu      sync.Mutex
	entries []Entry
	parked  []Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (m *InMemory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *InMemory) Snapshot(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

func (m *InMemory) Remove(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = without(m.entries, ids)
	return nil
}

func (m *InMemory) Update(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range entries {
		for i := range m.entries {
			if m.entries[i].ID == u.ID {
				m.entries[i] = u
			}
		}
	}
	return nil
}

func (m *InMemory) Park(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	m.parked = append(m.parked, entries...)
	m.entries = without(m.entries, ids)
	return nil
}

func (m *InMemory) Parked(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.parked...), nil
}

func (m *InMemory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

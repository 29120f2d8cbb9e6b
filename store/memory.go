package store

import (
	"context"
	"sort"
	"sync"

	"github.com/XC-/proximity/encounter"
)

// Memory keeps records in process memory, ordered by timestamp.
type Memory struct {
	mu      sync.Mutex
	records []*encounter.Record
}

func (m *Memory) Save(_ context.Context, r *encounter.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].Timestamp.After(r.Timestamp)
	})
	m.records = append(m.records, nil)
	copy(m.records[i+1:], m.records[i:])
	m.records[i] = r
	return nil
}

func (m *Memory) MostRecent(_ context.Context) (*encounter.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil, nil
	}
	return m.records[len(m.records)-1], nil
}

func (m *Memory) All(_ context.Context) ([]*encounter.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*encounter.Record(nil), m.records...), nil
}

func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory builds a store that keeps records for the process lifetime only.
func NewMemory() Store {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Save(_ context.Context, rec Record) error {
	if rec.MacID == "" {
		return fmt.Errorf("macid required")
	}
	s.mu.Lock()
	s.records[rec.MacID] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, macID string) error {
	s.mu.Lock()
	delete(s.records, macID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MacID < out[j].MacID })
	return out, nil
}

func (s *memoryStore) Driver() string {
	return DriverMemory
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

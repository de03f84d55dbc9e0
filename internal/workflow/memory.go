package workflow

import (
	"context"
	"slices"
	"sync"
)

// MemoryResourceStore is a ResourceStore that lives as long as the process.
type MemoryResourceStore struct {
	mu        sync.Mutex
	resources []Resource
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{}
}

func (s *MemoryResourceStore) Track(_ context.Context, r Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, r)
	return nil
}

// List returns resources in the order they were tracked.
func (s *MemoryResourceStore) List(context.Context) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.resources), nil
}

func (s *MemoryResourceStore) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = slices.DeleteFunc(s.resources, func(r Resource) bool { return r.ID == id })
	return nil
}

// MemoryRunStore keeps run history in memory.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs []Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{}
}

func (s *MemoryRunStore) RecordRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *MemoryRunStore) RecentRuns(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return []Run{}, nil
	}
	out := make([]Run, 0, min(limit, len(s.runs)))
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

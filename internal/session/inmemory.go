package session

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore keeps sessions for the lifetime of the process.
//
// The map lock is only held to find or insert an entry; each entry has its
// own lock so long histories on one session do not stall the others.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	turns []Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*entry)}
}

func (s *InMemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *InMemoryStore) Ensure(_ context.Context, id string) (bool, error) {
	if _, ok := s.lookup(id); ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return false, nil
	}
	s.sessions[id] = &entry{}
	return true, nil
}

func (s *InMemoryStore) History(_ context.Context, id string) ([]Turn, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out, nil
}

func (s *InMemoryStore) Append(_ context.Context, id string, turns ...Turn) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, turns...)
	return nil
}

func (s *InMemoryStore) Contains(_ context.Context, id string) (bool, error) {
	_, ok := s.lookup(id)
	return ok, nil
}

func (s *InMemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		keys = append(keys, id)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryStore) Close() error { return nil }

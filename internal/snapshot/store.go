package snapshot

import (
	"sync"

	"coursewatch/internal/model"
)

// Store keeps the most recent snapshot per course key. The poll loop is its
// only writer; readers (status API, calendar feed) get copies.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]model.Snapshot
}

func NewStore() *Store {
	return &Store{
		snapshots: make(map[string]model.Snapshot),
	}
}

// Get returns the stored snapshot for courseKey. ok is false when the course
// has never been observed, which is distinct from an empty snapshot.
func (s *Store) Get(courseKey string) (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[courseKey]
	if !ok {
		return nil, false
	}
	if snap == nil {
		return model.Snapshot{}, true
	}
	return snap.Clone(), true
}

// Put replaces the snapshot for courseKey wholesale.
func (s *Store) Put(courseKey string, snap model.Snapshot) {
	stored := snap.Clone()
	if stored == nil {
		stored = model.Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[courseKey] = stored
}

func (s *Store) Delete(courseKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, courseKey)
}

// All returns a copy of every stored snapshot keyed by course.
func (s *Store) All() map[string]model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Snapshot, len(s.snapshots))
	for k, snap := range s.snapshots {
		out[k] = snap.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

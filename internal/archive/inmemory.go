package archive

import (
	"context"
	"sync"

	"github.com/mzanetti/pairview/internal/session"
)

// InMemoryStore is a simple in-process archive for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]session.Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]session.Snapshot)}
}

func (s *InMemoryStore) SaveSnapshot(_ context.Context, snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap
	return nil
}

func (s *InMemoryStore) GetSnapshot(_ context.Context, id string) (session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return session.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *InMemoryStore) Close() error { return nil }

package checkpoint

import (
	"context"
	"sync"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[syncmodel.Source]syncmodel.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[syncmodel.Source]syncmodel.Checkpoint{}}
}

func (s *MemoryStore) Get(_ context.Context, source syncmodel.Source) (*syncmodel.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.items[source]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

func (s *MemoryStore) Set(_ context.Context, cp syncmodel.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[cp.Source]
	if ok {
		if cp.LastEventTime.Before(existing.LastEventTime) {
			cp.LastEventTime = existing.LastEventTime
		}
		if cp.LastCursor == "" {
			cp.LastCursor = existing.LastCursor
		}
	}
	s.items[cp.Source] = cp
	return nil
}

func (s *MemoryStore) Close() error { return nil }

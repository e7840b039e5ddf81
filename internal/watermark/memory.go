package watermark

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps watermarks in process memory, for tests. Like the
// database store it never moves a watermark backwards.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]time.Time)}
}

func (s *MemoryStore) Load(_ context.Context, meterID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.marks[meterID]
	return w, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, meterID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.marks[meterID]) {
		s.marks[meterID] = t
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mcplane/internal/model"
)

type memoryEntry struct {
	mu     sync.Mutex
	record model.ExecutionSession
}

// MemoryStore keeps sessions in process memory for the lifetime of the
// hosting process. The eviction worker removes idle records.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) entry(sessionKey string) *memoryEntry {
	s.mu.RLock()
	entry := s.entries[sessionKey]
	s.mu.RUnlock()
	if entry != nil {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry := s.entries[sessionKey]; entry != nil {
		return entry
	}
	entry = &memoryEntry{
		record: model.ExecutionSession{
			SessionKey: sessionKey,
			UpdatedAt:  s.now().UTC(),
		},
	}
	s.entries[sessionKey] = entry
	return entry
}

func (s *MemoryStore) Update(ctx context.Context, sessionKey string, fn func(*model.ExecutionSession) error) (model.ExecutionSession, error) {
	if err := ctx.Err(); err != nil {
		return model.ExecutionSession{}, err
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return model.ExecutionSession{}, fmt.Errorf("session key is required")
	}
	entry := s.entry(sessionKey)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	record := entry.record
	if err := fn(&record); err != nil {
		return model.ExecutionSession{}, err
	}
	record.SessionKey = sessionKey
	record.UpdatedAt = s.now().UTC()
	entry.record = record
	return record, nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.ExecutionSession{}, false, err
	}
	s.mu.RLock()
	entry := s.entries[strings.TrimSpace(sessionKey)]
	s.mu.RUnlock()
	if entry == nil {
		return model.ExecutionSession{}, false, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, true, nil
}

func (s *MemoryStore) EvictIdle(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, entry := range s.entries {
		entry.mu.Lock()
		idle := entry.record.UpdatedAt.Before(olderThan)
		entry.mu.Unlock()
		if idle {
			delete(s.entries, key)
			evicted++
		}
	}
	return evicted, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

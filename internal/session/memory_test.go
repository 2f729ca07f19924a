package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"mcplane/internal/model"
)

func TestMemoryStoreLazyCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expected no record before first update")
	}

	record, err := store.Update(ctx, "s1", func(s *model.ExecutionSession) error {
		if s.AttemptCount != 0 || s.HasManualExecution {
			t.Fatalf("expected zero-valued fresh session, got %+v", s)
		}
		s.AttemptCount = 1
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if record.AttemptCount != 1 || record.SessionKey != "s1" {
		t.Fatalf("unexpected record %+v", record)
	}

	got, found, err := store.Get(ctx, "s1")
	if err != nil || !found {
		t.Fatalf("expected record after update, found=%t err=%v", found, err)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.AttemptCount)
	}
}

func TestMemoryStoreUpdateErrorDiscardsMutation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Update(ctx, "s1", func(s *model.ExecutionSession) error {
		s.AttemptCount = 1
		return nil
	}); err != nil {
		t.Fatalf("seed update: %v", err)
	}
	if _, err := store.Update(ctx, "s1", func(s *model.ExecutionSession) error {
		s.AttemptCount = 99
		return context.Canceled
	}); err == nil {
		t.Fatalf("expected update error")
	}
	got, _, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected failed update to leave record untouched, got %d", got.AttemptCount)
	}
}

func TestMemoryStoreUpdateIsAtomicPerKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	const iterations = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				_, err := store.Update(ctx, "hot", func(s *model.ExecutionSession) error {
					s.AttemptCount++
					return nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, _, err := store.Get(ctx, "hot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AttemptCount != workers*iterations {
		t.Fatalf("lost updates: expected %d, got %d", workers*iterations, got.AttemptCount)
	}
}

func TestMemoryStoreEvictIdle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return current })

	if _, err := store.Update(ctx, "old", func(s *model.ExecutionSession) error { return nil }); err != nil {
		t.Fatalf("update old: %v", err)
	}
	current = current.Add(2 * time.Hour)
	if _, err := store.Update(ctx, "fresh", func(s *model.ExecutionSession) error { return nil }); err != nil {
		t.Fatalf("update fresh: %v", err)
	}

	evicted, err := store.EvictIdle(ctx, current.Add(-time.Hour))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if _, found, _ := store.Get(ctx, "old"); found {
		t.Fatalf("expected old session to be evicted")
	}
	if _, found, _ := store.Get(ctx, "fresh"); !found {
		t.Fatalf("expected fresh session to survive")
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

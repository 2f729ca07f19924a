package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"mcplane/internal/serviceapi"
)

type EvictionSnapshot struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastTickAt        *time.Time `json:"last_tick_at,omitempty"`
	LastEvictedAt     *time.Time `json:"last_evicted_at,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	TotalEvicted      int64      `json:"total_evicted"`
	TotalTicks        int64      `json:"total_ticks"`
	IdleTicks         int64      `json:"idle_ticks"`
	Sessions          int        `json:"sessions"`
}

// EvictionWorker periodically drops execution sessions idle past the
// configured TTL so the store does not grow unbounded.
type EvictionWorker struct {
	service     serviceapi.Core
	interval    time.Duration
	logInterval time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot EvictionSnapshot
}

func NewEvictionWorker(service serviceapi.Core, interval time.Duration, logInterval time.Duration, logger *log.Logger) *EvictionWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logInterval <= 0 {
		logInterval = 15 * time.Minute
	}
	return &EvictionWorker{
		service:     service,
		interval:    interval,
		logInterval: logInterval,
		logger:      logger,
	}
}

func (w *EvictionWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	now := time.Now().UTC()
	w.snapshot.Running = true
	w.snapshot.StartedAt = timePtr(now)
	w.doneChan = make(chan struct{})
	done := w.doneChan
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.loop(ctx)
		w.mu.Lock()
		w.running = false
		w.snapshot.Running = false
		w.mu.Unlock()
	}()
}

func (w *EvictionWorker) Wait(timeout time.Duration) bool {
	w.mu.RLock()
	done := w.doneChan
	w.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *EvictionWorker) Snapshot() EvictionSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	copySnapshot := w.snapshot
	copySnapshot.StartedAt = cloneTimePtr(w.snapshot.StartedAt)
	copySnapshot.LastTickAt = cloneTimePtr(w.snapshot.LastTickAt)
	copySnapshot.LastEvictedAt = cloneTimePtr(w.snapshot.LastEvictedAt)
	copySnapshot.LastErrorAt = cloneTimePtr(w.snapshot.LastErrorAt)
	return copySnapshot
}

func (w *EvictionWorker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(w.logInterval)
	defer logTicker.Stop()

	w.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runIteration(ctx)
		case <-logTicker.C:
			w.logSnapshot()
		}
	}
}

func (w *EvictionWorker) runIteration(ctx context.Context) {
	if w.service == nil {
		return
	}
	now := time.Now().UTC()

	evicted, evictErr := w.service.EvictIdleSessions(ctx)
	if evictErr != nil && ctx.Err() != nil {
		return
	}
	report, healthErr := w.service.Health(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot.LastTickAt = timePtr(now)
	w.snapshot.TotalTicks++
	if evicted > 0 {
		w.snapshot.TotalEvicted += int64(evicted)
		w.snapshot.LastEvictedAt = timePtr(now)
	} else {
		w.snapshot.IdleTicks++
	}

	switch {
	case evictErr != nil:
		w.snapshot.ConsecutiveErrors++
		w.snapshot.LastErrorAt = timePtr(now)
		w.snapshot.LastError = strings.TrimSpace(evictErr.Error())
	case healthErr != nil:
		w.snapshot.ConsecutiveErrors++
		w.snapshot.LastErrorAt = timePtr(now)
		w.snapshot.LastError = strings.TrimSpace(healthErr.Error())
	default:
		w.snapshot.ConsecutiveErrors = 0
	}
	if healthErr == nil {
		w.snapshot.Sessions = report.Sessions
	}
}

func (w *EvictionWorker) logSnapshot() {
	if w.logger == nil {
		return
	}
	snapshot := w.Snapshot()
	w.logger.Printf(
		"eviction worker: sessions=%d total_evicted=%d ticks=%d idle=%d errors=%d",
		snapshot.Sessions,
		snapshot.TotalEvicted,
		snapshot.TotalTicks,
		snapshot.IdleTicks,
		snapshot.ConsecutiveErrors,
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}

package session

import (
	"context"
	"time"

	"mcplane/internal/model"
)

// Store owns ExecutionSession records. Update applies fn under a per-key
// critical section so a policy check followed by a counter mutation is
// atomic for that session key. Records are created lazily on first use.
type Store interface {
	Update(ctx context.Context, sessionKey string, fn func(*model.ExecutionSession) error) (model.ExecutionSession, error)
	Get(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error)
	EvictIdle(ctx context.Context, olderThan time.Time) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

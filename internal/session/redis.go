package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"

	"mcplane/internal/model"
)

// RedisStore persists sessions in redis as msgpack blobs with a TTL.
// The per-key lock is process-local: one mcplane instance owns a session
// namespace at a time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRedisStore(url string, keyPrefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "mcplane:session:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client:    redis.NewClient(opts),
		keyPrefix: keyPrefix,
		ttl:       ttl,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (s *RedisStore) lock(sessionKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[sessionKey]
	if lock == nil {
		lock = &sync.Mutex{}
		s.locks[sessionKey] = lock
	}
	return lock
}

func (s *RedisStore) key(sessionKey string) string {
	return s.keyPrefix + sessionKey
}

func (s *RedisStore) load(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	b, err := s.client.Get(ctx, s.key(sessionKey)).Bytes()
	if err == redis.Nil {
		return model.ExecutionSession{SessionKey: sessionKey}, false, nil
	}
	if err != nil {
		return model.ExecutionSession{}, false, errors.Wrap(err, "session store get")
	}
	var record model.ExecutionSession
	if err := msgpack.Unmarshal(b, &record); err != nil {
		return model.ExecutionSession{}, false, errors.Wrap(err, "decode session record")
	}
	return record, true, nil
}

func (s *RedisStore) Update(ctx context.Context, sessionKey string, fn func(*model.ExecutionSession) error) (model.ExecutionSession, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return model.ExecutionSession{}, fmt.Errorf("session key is required")
	}
	lock := s.lock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	record, _, err := s.load(ctx, sessionKey)
	if err != nil {
		return model.ExecutionSession{}, err
	}
	if err := fn(&record); err != nil {
		return model.ExecutionSession{}, err
	}
	record.SessionKey = sessionKey
	record.UpdatedAt = time.Now().UTC()

	b, err := msgpack.Marshal(record)
	if err != nil {
		return model.ExecutionSession{}, errors.Wrap(err, "encode session record")
	}
	if err := s.client.Set(ctx, s.key(sessionKey), b, s.ttl).Err(); err != nil {
		return model.ExecutionSession{}, errors.Wrap(err, "session store set")
	}
	return record, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	return s.load(ctx, strings.TrimSpace(sessionKey))
}

func (s *RedisStore) EvictIdle(ctx context.Context, olderThan time.Time) (int, error) {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	evicted := 0
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return evicted, errors.Wrap(err, "session store scan get")
		}
		var record model.ExecutionSession
		if err := msgpack.Unmarshal(b, &record); err != nil {
			// Unreadable records are evicted rather than retained forever.
			_ = s.client.Del(ctx, key).Err()
			evicted++
			continue
		}
		if record.UpdatedAt.Before(olderThan) {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return evicted, errors.Wrap(err, "session store del")
			}
			evicted++
		}
	}
	if err := iter.Err(); err != nil {
		return evicted, errors.Wrap(err, "session store scan")
	}
	return evicted, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	count := 0
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Wrap(err, "session store scan")
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

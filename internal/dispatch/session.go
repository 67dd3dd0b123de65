package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore remembers which submission sessions were already dispatched.
type SessionStore interface {
	// MarkIfNew marks id and reports whether it was unmarked before. The
	// check and the mark are one atomic step.
	MarkIfNew(ctx context.Context, id string) (bool, error)
}

// MemoryStore is a process-local SessionStore. Entries expire after ttl;
// zero keeps them forever. Expired entries are dropped in a sweep that runs
// at most once per ttl.
type MemoryStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) MarkIfNew(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.ttl > 0 && now.Sub(s.lastSweep) >= s.ttl {
		s.sweep(now)
	}
	if at, ok := s.seen[id]; ok && !s.expired(at, now) {
		return false, nil
	}
	s.seen[id] = now
	return true, nil
}

func (s *MemoryStore) expired(at, now time.Time) bool {
	return s.ttl > 0 && now.Sub(at) > s.ttl
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, at := range s.seen {
		if s.expired(at, now) {
			delete(s.seen, k)
		}
	}
	s.lastSweep = now
}

// Reset forgets every session.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.seen = make(map[string]time.Time)
	s.mu.Unlock()
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// setNXer is the part of the go-redis client RedisStore needs.
type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore shares the dedup state between instances with SET NX.
type RedisStore struct {
	client setNXer
	ttl    time.Duration
	prefix string
}

func NewRedisStore(client setNXer, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "formrelay:session:"}
}

func (s *RedisStore) MarkIfNew(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+id, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark session: %w", err)
	}
	return ok, nil
}

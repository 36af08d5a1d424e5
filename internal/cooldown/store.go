// Package cooldown tracks the per-user waiting window that follows a
// consultation before the user may queue again.
package cooldown

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store records cooldown windows.
type Store interface {
	// Start begins (or restarts) a cooldown of length d for userID.
	Start(ctx context.Context, userID string, d time.Duration) error
	// Remaining returns how long userID must still wait; zero when free.
	Remaining(ctx context.Context, userID string) (time.Duration, error)
	Clear(ctx context.Context, userID string) error
	Close() error
}

// NewStore returns a Redis-backed store when redisURL is set, otherwise in-memory.
func NewStore(ctx context.Context, redisURL string) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewRedisStore(ctx, redisURL)
}

// InMemoryStore keeps cooldown deadlines in process memory.
type InMemoryStore struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		deadlines: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Start(_ context.Context, userID string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[userID] = s.now().Add(d)
	return nil
}

func (s *InMemoryStore) Remaining(_ context.Context, userID string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.deadlines[userID]
	if !ok {
		return 0, nil
	}
	left := deadline.Sub(s.now())
	if left <= 0 {
		delete(s.deadlines, userID)
		return 0, nil
	}
	return left, nil
}

func (s *InMemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, userID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

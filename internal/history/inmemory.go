package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Record)}
}

func (s *InMemoryStore) SaveSession(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.DurationSeconds = durationSeconds(record)
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

// RecentSessions returns newest first.
func (s *InMemoryStore) RecentSessions(_ context.Context, userID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for user, arr := range s.records {
		kept := arr[:0]
		for _, r := range arr {
			if r.EndedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.records, user)
			continue
		}
		s.records[user] = kept
	}
	return n, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func durationSeconds(r Record) int64 {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return int64(r.EndedAt.Sub(r.StartedAt).Seconds())
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// InMemoryCounterStore keeps counters in process memory. Suitable for
// single-instance deployments and tests; expiry is checked lazily on read.
type InMemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	value     int64
	expiresAt time.Time
}

func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// NewInMemoryCounterStoreWithClock lets tests control key expiry.
func NewInMemoryCounterStoreWithClock(now func() time.Time) *InMemoryCounterStore {
	return &InMemoryCounterStore{
		counters: make(map[string]*counter),
		now:      now,
	}
}

func (s *InMemoryCounterStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	if s.now().After(c.expiresAt) {
		delete(s.counters, key)
		return 0, nil
	}
	return c.value, nil
}

func (s *InMemoryCounterStore) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiresAt) {
		c = &counter{}
		s.counters[key] = c
	}
	c.value += n
	c.expiresAt = s.now().Add(ttl)
	return nil
}

package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// MemoryStore is an in-process Store. Expired entries are invisible to Get
// immediately and are swept by a background janitor.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	now     Clock

	hits   atomic.Int64
	misses atomic.Int64

	stop chan struct{}
	once sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		s.now = clock
	}
}

// NewMemoryStore creates an in-memory store. A positive sweepInterval starts
// a janitor goroutine that runs until Close.
func NewMemoryStore(sweepInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*CacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if sweepInterval > 0 {
		go s.janitor(sweepInterval)
	}

	return s
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.IsExpired(s.now()) {
		s.misses.Add(1)
		CacheMisses.WithLabelValues(backendMemory).Inc()
		return nil, ErrCacheMiss
	}

	s.hits.Add(1)
	CacheHits.WithLabelValues(backendMemory).Inc()

	out := make([]byte, len(entry.Value))
	copy(out, entry.Value)
	return out, nil
}

// Set stores a copy of value for ttl.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.entries[key] = &CacheEntry{Value: stored, StoredAt: s.now(), TTL: ttl}
	s.mu.Unlock()

	return nil
}

// Delete removes a cache entry.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Stats reports counters and the summed payload size of live entries.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Backend: backendMemory,
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
	for key, entry := range s.entries {
		if entry.IsExpired(now) {
			continue
		}
		stats.Keys++
		stats.MemoryBytes += int64(len(key) + len(entry.Value))
	}

	return stats, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.IsExpired(now) {
			delete(s.entries, key)
		}
	}
}

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ttls := []time.Duration{time.Second, time.Minute, 15 * time.Minute, time.Hour}
	const epsilon = time.Millisecond

	for _, ttl := range ttls {
		t.Run(ttl.String(), func(t *testing.T) {
			clock := newFakeClock()
			store := NewMemoryStore(0, WithClock(clock.Now))
			ctx := context.Background()

			if err := store.Set(ctx, "k", []byte("v"), ttl); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			clock.Advance(ttl - epsilon)
			if _, err := store.Get(ctx, "k"); err != nil {
				t.Fatalf("entry missing at T+ttl-ε: %v", err)
			}

			clock.Advance(2 * epsilon)
			if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
				t.Fatalf("expected ErrCacheMiss at T+ttl+ε, got %v", err)
			}
		})
	}
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	value := []byte(`{"page":1}`)
	if err := store.Set(ctx, "trending:day:1", value, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Stored copy must not alias the caller's buffer.
	value[0] = 'X'

	got, err := store.Get(ctx, "trending:day:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"page":1}` {
		t.Errorf("Get = %s", got)
	}

	if err := store.Delete(ctx, "trending:day:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "trending:day:1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestMemoryStore_NonPositiveTTL(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("zero TTL entry should not be stored, got %v", err)
	}
}

func TestMemoryStore_DeletePrefix(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for _, key := range []string{"user:1:user_profile:1", "user:1:personalized:1", "user:12:user_profile:1", "trending:day:1"} {
		_ = store.Set(ctx, key, []byte("v"), time.Minute)
	}

	n, err := store.DeletePrefix(ctx, UserPrefix("1"))
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d keys, want 2", n)
	}
	if _, err := store.Get(ctx, "user:12:user_profile:1"); err != nil {
		t.Errorf("user 12 entry should survive: %v", err)
	}

	n, _ = store.DeletePrefix(ctx, "")
	if n != 2 {
		t.Errorf("clear-all deleted %d keys, want 2", n)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, WithClock(clock.Now))
	ctx := context.Background()

	_ = store.Set(ctx, "a", []byte("1234"), time.Minute)
	_ = store.Set(ctx, "b", []byte("12"), time.Second)
	_, _ = store.Get(ctx, "a")
	_, _ = store.Get(ctx, "missing")

	clock.Advance(2 * time.Second)

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Keys != 1 {
		t.Errorf("keys = %d, want 1 (expired entry excluded)", stats.Keys)
	}
	if stats.MemoryBytes != int64(len("a")+len("1234")) {
		t.Errorf("memory = %d", stats.MemoryBytes)
	}
	if stats.HitRate() != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", stats.HitRate())
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, WithClock(clock.Now))
	ctx := context.Background()

	_ = store.Set(ctx, "short", []byte("v"), time.Second)
	_ = store.Set(ctx, "long", []byte("v"), time.Hour)
	clock.Advance(time.Minute)

	store.sweep()

	store.mu.RLock()
	defer store.mu.RUnlock()
	if _, ok := store.entries["short"]; ok {
		t.Error("expired entry not swept")
	}
	if _, ok := store.entries["long"]; !ok {
		t.Error("live entry swept")
	}
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	store.Close()
	store.Close()
}

func TestCacheEntry_IsExpired(t *testing.T) {
	now := time.Now()
	entry := &CacheEntry{StoredAt: now, TTL: time.Minute}

	if entry.IsExpired(now.Add(59 * time.Second)) {
		t.Error("entry expired early")
	}
	if !entry.IsExpired(now.Add(time.Minute)) {
		t.Error("entry should expire at StoredAt+TTL")
	}
	if entry.Remaining(now.Add(2*time.Minute)) != 0 {
		t.Error("Remaining should clamp at 0")
	}
	if entry.Remaining(now.Add(30*time.Second)) != 30*time.Second {
		t.Errorf("Remaining = %v", entry.Remaining(now.Add(30*time.Second)))
	}
}

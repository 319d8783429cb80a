package ratelimiter

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryStore keeps buckets in process. Use it for a single instance or tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	cleanupInterval time.Duration
	staleAfter      time.Duration
	stop            chan struct{}
	once            sync.Once
}

type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often idle buckets are dropped. Zero disables cleanup.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) { ms.cleanupInterval = interval }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		buckets:         make(map[string]*bucket),
		cleanupInterval: 5 * time.Minute,
		staleAfter:      time.Hour,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}
	if ms.cleanupInterval > 0 {
		go ms.cleanup()
	}
	return ms
}

func (ms *MemoryStore) Take(_ context.Context, key string, n int, cfg Config, now time.Time) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	b, ok := ms.buckets[key]
	if !ok {
		b = &bucket{tokens: cfg.Capacity, lastRefill: now}
		ms.buckets[key] = b
	}
	b.tokens, b.lastRefill = refill(b.tokens, b.lastRefill, now, cfg)
	b.lastAccess = now

	resetAt := b.lastRefill.Add(cfg.RefillInterval)
	if b.tokens < n {
		return b.tokens - n, resetAt, nil
	}
	b.tokens -= n
	return b.tokens, resetAt, nil
}

func (ms *MemoryStore) Reset(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.buckets, key)
	return nil
}

func (ms *MemoryStore) cleanup() {
	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ms.removeStale(time.Now())
		case <-ms.stop:
			return
		}
	}
}

func (ms *MemoryStore) removeStale(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for key, b := range ms.buckets {
		if now.Sub(b.lastAccess) > ms.staleAfter {
			delete(ms.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (ms *MemoryStore) Close() {
	ms.once.Do(func() { close(ms.stop) })
}

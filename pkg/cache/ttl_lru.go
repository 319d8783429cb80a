package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe LRU cache whose entries also expire after a fixed TTL.
// Expired entries are dropped lazily on access and when making room.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[K]*list.Element
	order    *list.List // front = most recently used
	onEvict  func(key K, value V)
}

// Option configures a TTLCache.
type Option[K comparable, V any] func(*TTLCache[K, V])

// WithClock overrides the time source. Used by tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTLCache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvictCallback registers fn to run for every entry removed by capacity,
// expiry, Delete or Purge. It runs with the cache lock held and must not call back into the cache.
func WithEvictCallback[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(c *TTLCache[K, V]) { c.onEvict = fn }
}

// New creates a cache holding at most capacity entries, each for at most ttl.
// Panics on non-positive capacity or ttl.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option[K, V]) *TTLCache[K, V] {
	if capacity <= 0 {
		panic("cache: capacity must be positive")
	}
	if ttl <= 0 {
		panic("cache: ttl must be positive")
	}
	c := &TTLCache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a live value and marks it as recently used.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !c.now().Before(e.expiresAt) {
		c.remove(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key and resets its TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value, e.expiresAt = value, expiresAt
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
}

// Delete drops key. It reports whether a live or expired entry existed.
func (c *TTLCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok {
		c.remove(el)
	}
	return ok
}

// Len returns the number of stored entries, including expired ones not yet collected.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge removes every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		c.remove(el)
	}
}

// caller holds c.mu
func (c *TTLCache[K, V]) remove(el *list.Element) {
	c.order.Remove(el)
	e := el.Value.(*entry[K, V])
	delete(c.items, e.key)
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}

package entitlement

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/cache"
)

// DefaultSnapshotTTL bounds how stale a cached snapshot may be.
const DefaultSnapshotTTL = 5 * time.Second

// MemoryCache is an in-process SnapshotCache.
type MemoryCache struct {
	c *cache.TTLCache[uuid.UUID, UserEntitlement]
}

func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &MemoryCache{c: cache.New[uuid.UUID, UserEntitlement](capacity, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, userID uuid.UUID) (UserEntitlement, bool, error) {
	s, ok := m.c.Get(userID)
	return s, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, s UserEntitlement) error {
	m.c.Set(s.UserID, s)
	return nil
}

func (m *MemoryCache) Invalidate(_ context.Context, userID uuid.UUID) error {
	m.c.Delete(userID)
	return nil
}

// StaticRules is an immutable in-memory RuleStore.
type StaticRules struct {
	rules map[string]Rule
}

func NewStaticRules(rules ...Rule) *StaticRules {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.ContentID] = r
	}
	return &StaticRules{rules: m}
}

func (s *StaticRules) Rules(_ context.Context, contentIDs []string) (map[string]Rule, error) {
	out := make(map[string]Rule, len(contentIDs))
	for _, id := range contentIDs {
		if r, ok := s.rules[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

// MemorySnapshots is an in-memory SnapshotStore used in development and tests.
type MemorySnapshots struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]UserEntitlement
}

func NewMemorySnapshots(rows ...UserEntitlement) *MemorySnapshots {
	m := &MemorySnapshots{rows: make(map[uuid.UUID]UserEntitlement, len(rows))}
	for _, r := range rows {
		m.rows[r.UserID] = r
	}
	return m
}

func (m *MemorySnapshots) Entitlement(_ context.Context, userID uuid.UUID) (UserEntitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[userID]
	if !ok {
		return UserEntitlement{}, ErrNotFound
	}
	return s, nil
}

// Put replaces the stored snapshot.
func (m *MemorySnapshots) Put(s UserEntitlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.UserID] = s
}

// All returns a copy of every stored snapshot.
func (m *MemorySnapshots) All() map[uuid.UUID]UserEntitlement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.rows)
}

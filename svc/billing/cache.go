package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
)

// RedisSnapshotCache implements entitlement.SnapshotCache on Redis so every
// API instance sees the same invalidations.
type RedisSnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisSnapshotCache(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisSnapshotCache {
	if client == nil {
		panic("billing: redis client is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSnapshotCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisSnapshotCache) key(userID uuid.UUID) string {
	return c.prefix + userID.String()
}

func (c *RedisSnapshotCache) Get(ctx context.Context, userID uuid.UUID) (entitlement.UserEntitlement, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entitlement.UserEntitlement{}, false, nil
	}
	if err != nil {
		return entitlement.UserEntitlement{}, false, err
	}
	var snap entitlement.UserEntitlement
	if err := json.Unmarshal(raw, &snap); err != nil {
		// a corrupt entry is a miss; the next Set overwrites it
		return entitlement.UserEntitlement{}, false, nil
	}
	return snap, true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, snap entitlement.UserEntitlement) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snap.UserID), raw, c.ttl).Err()
}

func (c *RedisSnapshotCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}

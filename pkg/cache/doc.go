// Package cache provides a small generic in-memory LRU cache with per-entry TTL.
//
// It backs short-lived read-through caches such as entitlement snapshots,
// where entries must never outlive a few seconds and are explicitly dropped
// on change:
//
//	c := cache.New[uuid.UUID, entitlement.UserEntitlement](10_000, 5*time.Second)
//	c.Set(userID, snapshot)
//	if s, ok := c.Get(userID); ok { ... }
//	c.Delete(userID) // after a checkout succeeds
package cache

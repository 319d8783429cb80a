package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock that someone else took over is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a cluster-wide mutual exclusion lock keyed by string. A holder
// that dies keeps the key until its TTL expires.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

type LockerOption func(*Locker)

// WithLockTTL bounds how long a crashed holder can block others.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithLockRetry(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

func WithKeyPrefix(prefix string) LockerOption {
	return func(l *Locker) { l.prefix = prefix }
}

// LockerFromConfig maps Config onto locker options.
func LockerFromConfig(cfg Config) []LockerOption {
	return []LockerOption{WithLockTTL(cfg.LockTTL), WithLockRetry(cfg.LockRetry), WithKeyPrefix(cfg.LockKeyPrefix)}
}

func NewLocker(client redis.UniversalClient, opts ...LockerOption) *Locker {
	if client == nil {
		panic("redis: client is required")
	}
	l := &Locker{
		client: client,
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
		prefix: "paygate:lock:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock takes key once. It returns ErrLockNotAcquired when key is held.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return l.releaser(l.prefix+key, token), nil
}

// Lock polls until key is free or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		release, err := l.TryLock(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be done; release anyway
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}
}

package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// Config defines the token bucket: Capacity is the burst size and
// RefillRate tokens are added every RefillInterval.
type Config struct {
	Capacity       int           `env:"RATE_LIMIT_BURST" envDefault:"10"`
	RefillRate     int           `env:"RATE_LIMIT_REFILL" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"1m"`
	KeyPrefix      string        `env:"RATE_LIMIT_KEY_PREFIX" envDefault:"paygate:rl:"`
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// Result of a rate limit check.
type Result struct {
	Limit     int
	Remaining int // negative when the request was denied
	ResetAt   time.Time
}

func (r Result) Allowed() bool { return r.Remaining >= 0 }

// RetryAfter is zero for allowed requests.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed() || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

// Store keeps bucket state. Take removes n tokens if that many are
// available; otherwise it leaves the bucket untouched and reports how many
// tokens were missing as a negative remainder.
type Store interface {
	Take(ctx context.Context, key string, n int, cfg Config, now time.Time) (remaining int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Bucket is a token bucket limiter over a Store.
type Bucket struct {
	store  Store
	config Config
	now    func() time.Time
}

func NewBucket(store Store, config Config) (*Bucket, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Bucket{store: store, config: config, now: time.Now}, nil
}

func (b *Bucket) Allow(ctx context.Context, key string) (Result, error) {
	return b.AllowN(ctx, key, 1)
}

func (b *Bucket) AllowN(ctx context.Context, key string, n int) (Result, error) {
	if n <= 0 {
		return Result{}, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTokenCount, n)
	}
	remaining, resetAt, err := b.store.Take(ctx, b.config.KeyPrefix+key, n, b.config, b.now())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return Result{Limit: b.config.Capacity, Remaining: remaining, ResetAt: resetAt}, nil
}

func (b *Bucket) Reset(ctx context.Context, key string) error {
	return b.store.Reset(ctx, b.config.KeyPrefix+key)
}

// refill returns the token count after the intervals elapsed since refilled.
func refill(tokens int, refilled, now time.Time, cfg Config) (int, time.Time) {
	if now.Before(refilled) {
		return tokens, refilled
	}
	intervals := int64(now.Sub(refilled) / cfg.RefillInterval)
	if intervals <= 0 {
		return tokens, refilled
	}
	// cap to avoid overflow on long idle buckets
	intervals = min(intervals, int64(cfg.Capacity/cfg.RefillRate+1))
	return min(tokens+int(intervals)*cfg.RefillRate, cfg.Capacity), now
}

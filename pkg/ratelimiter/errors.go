package ratelimiter

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid rate limiter configuration")
	ErrInvalidTokenCount = errors.New("invalid token count")
	ErrStoreUnavailable  = errors.New("rate limit store unavailable")
	ErrLimitExceeded     = errors.New("rate limit exceeded")
)

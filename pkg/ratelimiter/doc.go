// Package ratelimiter is a token bucket limiter with in-memory and Redis
// stores and a net/http middleware.
//
// The billing API uses it to cap how often one user may ask for new payment
// intents, so a misbehaving client cannot flood the payment processor:
//
//	store := ratelimiter.NewRedisStore(client)
//	limiter, err := ratelimiter.NewBucket(store, cfg)
//	r.With(ratelimiter.Middleware(limiter, ratelimiter.Header("X-User-ID"), deny)).Post("/billing/unlock-attempt", h)
//
// A denied request does not consume tokens. The Redis store runs the
// refill-and-take step as one Lua script so concurrent instances agree.
package ratelimiter

package ratelimiter

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxKeyLength = 64

// KeyFunc extracts a rate limit key from the request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Header returns a KeyFunc reading the named request header.
func Header(name string) KeyFunc {
	return func(r *http.Request) string { return strings.TrimSpace(r.Header.Get(name)) }
}

// Composite joins the non-empty keys. Keys over 64 chars are hashed with FNV-1a.
func Composite(keyFuncs ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(keyFuncs))
		for _, fn := range keyFuncs {
			if key := fn(r); key != "" {
				parts = append(parts, key)
			}
		}
		combined := strings.Join(parts, ":")
		if len(combined) <= maxKeyLength {
			return combined
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(combined))
		return strconv.FormatUint(h.Sum64(), 36)
	}
}

// DenyFunc writes the response for a denied or failed check. err wraps
// ErrLimitExceeded or ErrStoreUnavailable.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

func defaultDeny(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrLimitExceeded) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// Middleware limits requests per key and sets the X-RateLimit-* headers.
// A nil deny writes plain-text errors.
func Middleware(b *Bucket, keyFunc KeyFunc, deny DenyFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = defaultDeny
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := b.Allow(r.Context(), key)
			if err != nil {
				deny(w, r, err)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				retry := res.RetryAfter(b.now())
				if secs := int(math.Ceil(retry.Seconds())); secs > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				deny(w, r, fmt.Errorf("%w: retry in %s", ErrLimitExceeded, retry.Round(time.Second)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/analysisworker/internal/api/response"
	"github.com/kiranshivaraju/analysisworker/internal/cache"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 60
	maxLocalBuckets          = 10000
)

// RateLimit limits requests per client IP. With a cache it counts in fixed
// one-minute windows shared by every replica; without one it keeps an
// in-process token bucket per client.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimit creates a new RateLimit middleware. c may be nil.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{
		cache:          c,
		requestsPerMin: requestsPerMin,
		buckets:        make(map[string]*rate.Limiter),
	}
}

// Limit applies rate limiting keyed by the client address.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)

		var allowed bool
		var remaining int
		if rl.cache != nil {
			count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(client), time.Minute)
			if err != nil {
				// On Redis error, allow the request (fail open)
				next.ServeHTTP(w, r)
				return
			}
			allowed = count <= int64(rl.requestsPerMin)
			remaining = rl.requestsPerMin - int(count)
		} else {
			lim := rl.bucket(client)
			allowed = lim.Allow()
			remaining = int(math.Floor(lim.Tokens()))
		}
		if remaining < 0 {
			remaining = 0
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix()))

		if !allowed {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bucket returns the limiter for client. The table is dropped wholesale when
// it grows past maxLocalBuckets.
func (rl *RateLimit) bucket(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.buckets[client]
	if !ok {
		if len(rl.buckets) >= maxLocalBuckets {
			rl.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(float64(rl.requestsPerMin)/60), rl.requestsPerMin)
		rl.buckets[client] = lim
	}
	return lim
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

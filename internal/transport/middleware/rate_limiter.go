// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"
)

// maxBuckets bounds the limiter's memory; full buckets are dropped beyond it.
const maxBuckets = 10_000

var unlimitedPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
	"/version": true,
}

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

type inMemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newInMemoryRateLimiter() *inMemoryRateLimiter {
	return &inMemoryRateLimiter{
		buckets: make(map[string]*tokenBucket, 32),
	}
}

func (l *inMemoryRateLimiter) Allow(client string, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}

	capacity := float64(limitPerMinute)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[client]
	if !ok || bucket.capacity != capacity {
		if len(l.buckets) >= maxBuckets {
			l.evictFull(now)
		}
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: capacity / 60.0,
			lastRefill:      now,
		}
		l.buckets[client] = bucket
	}

	bucket.refill(now)

	decision := rateLimitDecision{
		LimitPerMinute: limitPerMinute,
		Remaining:      int(math.Floor(bucket.tokens)),
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		decision.Allowed = true
		decision.Remaining = int(math.Floor(bucket.tokens))
		return decision
	}

	waitSeconds := int(math.Ceil((1 - bucket.tokens) * 60 / bucket.capacity))
	decision.RetryAfterSeconds = max(waitSeconds, 1)
	return decision
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillPerSecond)
	b.lastRefill = now
}

// evictFull drops clients whose bucket has refilled; they behave exactly like
// new clients. Callers hold l.mu.
func (l *inMemoryRateLimiter) evictFull(now time.Time) {
	for client, bucket := range l.buckets {
		bucket.refill(now)
		if bucket.tokens >= bucket.capacity {
			delete(l.buckets, client)
		}
	}
}

// ClientRateLimit applies a per-client token bucket of limitPerMinute requests,
// keyed by the remote IP. Health, metrics and version are never limited.
func ClientRateLimit(limitPerMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return clientRateLimitWithLimiter(limitPerMinute, newInMemoryRateLimiter(), time.Now, logger)
}

func clientRateLimitWithLimiter(
	limitPerMinute int,
	limiter *inMemoryRateLimiter,
	now func() time.Time,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unlimitedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := clientKey(r)
			decision := limiter.Allow(client, limitPerMinute, now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("request rate limited", "client", client, "path", r.URL.Path)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

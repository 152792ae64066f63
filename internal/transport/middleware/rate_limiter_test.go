// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInMemoryRateLimiterRefills(t *testing.T) {
	limiter := newInMemoryRateLimiter()
	start := time.Unix(1_700_000_000, 0)

	for i := range 2 {
		if d := limiter.Allow("10.0.0.1", 2, start); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	denied := limiter.Allow("10.0.0.1", 2, start)
	if denied.Allowed {
		t.Fatal("third request should be denied")
	}
	if denied.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", denied.RetryAfterSeconds)
	}

	if d := limiter.Allow("10.0.0.2", 2, start); !d.Allowed {
		t.Fatal("another client has its own bucket")
	}
	if d := limiter.Allow("10.0.0.1", 2, start.Add(31*time.Second)); !d.Allowed {
		t.Fatal("expected a token after 31s")
	}
}

func TestEvictFullDropsIdleClients(t *testing.T) {
	limiter := newInMemoryRateLimiter()
	start := time.Unix(1_700_000_000, 0)
	limiter.Allow("idle", 60, start)
	limiter.Allow("busy", 60, start)
	for range 59 {
		limiter.Allow("busy", 60, start.Add(time.Second))
	}

	limiter.evictFull(start.Add(2 * time.Second))

	if _, ok := limiter.buckets["idle"]; ok {
		t.Fatal("expected refilled bucket to be evicted")
	}
	if _, ok := limiter.buckets["busy"]; !ok {
		t.Fatal("expected drained bucket to stay")
	}
}

func TestClientRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Unix(1_700_000_000, 0)
	h := clientRateLimitWithLimiter(1, newInMemoryRateLimiter(), func() time.Time { return now }, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/jobs/1"); rec.Code != http.StatusOK || rec.Header().Get(headerRateLimitLimit) != "1" {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	rec := do("/jobs/2")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get(headerRetryAfter) != "60" {
		t.Fatalf("expected Retry-After 60 got %q", rec.Header().Get(headerRetryAfter))
	}
	if rec := do("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected health exempt, got %d", rec.Code)
	}
}

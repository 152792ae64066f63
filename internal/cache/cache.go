// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 10 * time.Minute

// Store is an optional shared tier behind the in-process entries, so several
// processes can reuse each other's upstream reads.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

type Deps struct {
	TTL    time.Duration
	Now    func() time.Time
	Store  Store
	Logger *slog.Logger
}

type entry struct {
	value     any
	fetchedAt time.Time
	ttl       time.Duration
}

// Cache is a TTL cache with in-flight request coalescing. Entries expire
// lazily on access; Invalidate drops them explicitly. Values handed out are
// shared between callers and must be treated as read-only.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	store  Store
	logger *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	entries  map[string]entry
	inflight map[string]*flight
}

// flight tracks one outstanding fetch. An invalidation that matches its key
// marks it stale so its result is returned but not stored.
type flight struct {
	stale bool
}

func New(deps Deps) *Cache {
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		ttl:      ttl,
		now:      now,
		store:    deps.Store,
		logger:   logger,
		entries:  make(map[string]entry),
		inflight: make(map[string]*flight),
	}
}

// GetOrFetch returns the fresh value cached under key, or runs fetch once for
// all concurrent callers of the same key and caches its result. Absent results
// are cached like any other value; errors are not. A caller whose ctx ends
// stops waiting, but the shared fetch runs to completion for the others.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if ttl <= 0 {
		ttl = c.ttl
	}

	if v, ok := c.lookup(key); ok {
		if typed, ok := v.(T); ok {
			metrics.IncCacheLookup(metrics.CacheHit)
			return typed, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished after the lookup above may have stored key.
		if v, ok := c.lookup(key); ok {
			if _, ok := v.(T); ok {
				metrics.IncCacheLookup(metrics.CacheHit)
				return v, nil
			}
		}

		f := c.begin(key)
		defer c.end(key, f)

		fetchCtx := context.WithoutCancel(ctx)
		if v, ok := fetchShared[T](fetchCtx, c, key); ok {
			metrics.IncCacheLookup(metrics.CacheShared)
			c.put(key, v, ttl, f)
			return v, nil
		}

		metrics.IncCacheLookup(metrics.CacheMiss)
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if c.put(key, v, ttl, f) {
			c.storeShared(fetchCtx, key, v, ttl)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.IncCacheLookup(metrics.CacheCoalesced)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		typed, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cache key %q holds %T", key, res.Val)
		}
		return typed, nil
	}
}

// Invalidate drops every entry whose key starts with prefix, locally and in the
// shared tier. Fetches already in flight for such keys are not cached.
func (c *Cache) Invalidate(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	for key, f := range c.inflight {
		if strings.HasPrefix(key, prefix) {
			f.stale = true
			c.group.Forget(key)
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("invalidate shared cache: %w", err)
	}
	return nil
}

// Len reports the number of local entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.fetchedAt) >= e.ttl {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) begin(key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &flight{}
	c.inflight[key] = f
	return f
}

func (c *Cache) end(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
}

// put stores v unless an invalidation of key happened since the fetch began.
func (c *Cache) put(key string, v any, ttl time.Duration, f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.stale {
		return false
	}
	c.entries[key] = entry{value: v, fetchedAt: c.now(), ttl: ttl}
	return true
}

func fetchShared[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	if c.store == nil {
		return v, false
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared cache read failed", "key", key, "error", err)
		return v, false
	}
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("shared cache entry undecodable", "key", key, "error", err)
		return v, false
	}
	return v, true
}

func (c *Cache) storeShared(ctx context.Context, key string, v any, ttl time.Duration) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("shared cache entry unencodable", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("shared cache write failed", "key", key, "error", err)
	}
}

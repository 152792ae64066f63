// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(clock *fakeClock, store Store) *Cache {
	return New(Deps{
		TTL:    time.Minute,
		Now:    clock.Now,
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestGetOrFetchServesFreshEntriesAndRefetchesStale(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(clock, nil)
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}

	v, err := GetOrFetch(ctx, c, "jobs:1", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(59 * time.Second)
	v, err = GetOrFetch(ctx, c, "jobs:1", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "entry is still fresh")

	clock.Advance(time.Second)
	v, err = GetOrFetch(ctx, c, "jobs:1", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "entry expired at the TTL boundary")
}

func TestGetOrFetchCachesAbsentResults(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)

	var calls int32
	fetch := func(context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrFetch(context.Background(), c, "events:missing", time.Minute, fetch)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)
	boom := errors.New("boom")

	var calls int32
	fetch := func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", boom
		}
		return "ok", nil
	}

	_, err := GetOrFetch(context.Background(), c, "k", 0, fetch)
	require.ErrorIs(t, err, boom)

	v, err := GetOrFetch(context.Background(), c, "k", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)

	const callers = 50
	release := make(chan struct{})
	var calls int32
	fetch := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetOrFetch(context.Background(), c, "events:job_created", 0, fetch)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestAbandonedCallerDoesNotCancelSharedFetch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "done", nil
	}

	abandoned, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := GetOrFetch(abandoned, c, "k", 0, fetch)
		firstErr <- err
	}()
	<-started

	secondResult := make(chan string, 1)
	go func() {
		v, _ := GetOrFetch(context.Background(), c, "k", 0, fetch)
		secondResult <- v
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-secondResult)

	v, err := GetOrFetch(context.Background(), c, "k", 0, func(context.Context) (string, error) {
		t.Fatalf("expected cached value")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestInvalidateDropsOnlyMatchingPrefix(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (int32, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	_, err := GetOrFetch(ctx, c, "job:1:events", 0, fetch)
	require.NoError(t, err)
	_, err = GetOrFetch(ctx, c, "dispute:9:events", 0, fetch)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Invalidate(ctx, "job:"))
	assert.Equal(t, 1, c.Len())

	v, err := GetOrFetch(ctx, c, "job:1:events", 0, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = GetOrFetch(ctx, c, "dispute:9:events", 0, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestInvalidateDuringFetchSkipsCaching(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = GetOrFetch(ctx, c, "job:1", 0, func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx, "job:"))
	close(release)
	<-done

	v, err := GetOrFetch(ctx, c, "job:1", 0, func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestInvalidateOtherPrefixDuringFetchStillCaches(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(clock, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = GetOrFetch(ctx, c, "escrow:1", 0, func(context.Context) (string, error) {
			close(started)
			<-release
			return "first", nil
		})
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx, "dispute:"))
	close(release)
	<-done

	v, err := GetOrFetch(ctx, c, "escrow:1", 0, func(context.Context) (string, error) {
		return "second", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestCallerDelayedPastAFinishedFetchReusesItsResult(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var (
		pause   atomic.Bool
		paused  = make(chan struct{})
		resume  = make(chan struct{})
		fetches int32
	)
	c := New(Deps{
		TTL: time.Minute,
		Now: func() time.Time {
			if pause.CompareAndSwap(true, false) {
				close(paused)
				<-resume
			}
			return clock.Now()
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()
	fetch := func(context.Context) (int32, error) {
		return atomic.AddInt32(&fetches, 1), nil
	}

	_, err := GetOrFetch(ctx, c, "escrow:1", 0, fetch)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	pause.Store(true)
	delayed := make(chan int32, 1)
	go func() {
		v, err := GetOrFetch(ctx, c, "escrow:1", 0, fetch)
		assert.NoError(t, err)
		delayed <- v
	}()
	<-paused

	v, err := GetOrFetch(ctx, c, "escrow:1", 0, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	close(resume)
	assert.EqualValues(t, 2, <-delayed)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fetches), "one refresh for both callers")
}

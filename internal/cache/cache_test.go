package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.May, 7, 12, 0, 0, 0, time.UTC)}
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

// countingFetcher returns value and counts its invocations.
func countingFetcher(calls *atomic.Int32, value string) Fetcher[string] {
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestCacheGet_MissFetchesAndStores(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	var calls atomic.Int32
	value, err := c.Get(ctx, "key", countingFetcher(&calls, "fetched"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fetched", value)

	value, err = c.Get(ctx, "key", countingFetcher(&calls, "other"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fetched", value)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, c.Has("key"))
}

func TestCacheGet_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	const callers = 50

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared-value", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(ctx, "key", fetch, time.Minute)
		}()
	}

	// wait until the single fetch is registered, then let it complete
	require.Eventually(t, func() bool {
		return c.Stats().InFlight == 1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-value", results[i])
	}
	assert.Equal(t, 0, c.Stats().InFlight)
}

func TestCacheGet_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New[string]("test", WithClock(clock.Now))

	var calls atomic.Int32
	fetch := countingFetcher(&calls, "value")
	ttl := 10 * time.Second

	_, err := c.Get(ctx, "key", fetch, ttl)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// just before expiry: served from the store
	clock.Advance(ttl - time.Nanosecond)
	_, err = c.Get(ctx, "key", fetch, ttl)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, c.Has("key"))

	// exactly at expiry: stale, one fresh fetch
	clock.Advance(time.Nanosecond)
	assert.False(t, c.Has("key"))

	_, err = c.Get(ctx, "key", fetch, ttl)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = c.Get(ctx, "key", fetch, ttl)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheGet_FailureNotCached(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	var calls atomic.Int32
	failure := errors.New("upstream unavailable")

	_, err := c.Get(ctx, "key", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", failure
	}, time.Minute)
	require.ErrorIs(t, err, failure)
	assert.False(t, c.Has("key"))
	assert.Equal(t, 0, c.Stats().InFlight)

	value, err := c.Get(ctx, "key", countingFetcher(&calls, "recovered"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheGet_FailurePropagatesToAllWaiters(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	const callers = 10

	var calls atomic.Int32
	failure := errors.New("boom")
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "", failure
	}

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Get(ctx, "key", fetch, time.Minute)
		}()
	}

	require.Eventually(t, func() bool {
		return c.Stats().InFlight == 1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, failure)
	}
}

func TestCacheGet_CancelledWaiterDoesNotCancelFetch(t *testing.T) {
	c := New[string]("test")

	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	fetch := func(ctx context.Context) (string, error) {
		<-release
		if ctx.Err() != nil {
			fetchCtxErr.Store(ctx.Err())
		}
		return "value", nil
	}

	cancelled, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := c.Get(cancelled, "key", fetch, time.Minute)
		abandoned <- err
	}()

	require.Eventually(t, func() bool {
		return c.Stats().InFlight == 1
	}, time.Second, time.Millisecond)

	waiter := make(chan string, 1)
	go func() {
		v, _ := c.Get(context.Background(), "key", fetch, time.Minute)
		waiter <- v
	}()

	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	close(release)
	assert.Equal(t, "value", <-waiter)
	assert.Nil(t, fetchCtxErr.Load(), "fetch should not observe the caller's cancellation")
	assert.True(t, c.Has("key"))
}

func TestCacheSet_Overwrites(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	c.Set("key", "first", time.Minute)
	c.Set("key", "second", time.Minute)

	var calls atomic.Int32
	value, err := c.Get(ctx, "key", countingFetcher(&calls, "fetched"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "second", value)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCacheSet_NonPositiveTTLIsNotStored(t *testing.T) {
	c := New[string]("test")

	c.Set("key", "value", 0)

	assert.False(t, c.Has("key"))
}

func TestCacheHas_IgnoresInFlight(t *testing.T) {
	c := New[string]("test")

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), "key", func(ctx context.Context) (string, error) {
			<-release
			return "value", nil
		}, time.Minute)
	}()

	require.Eventually(t, func() bool {
		return c.Stats().InFlight == 1
	}, time.Second, time.Millisecond)
	assert.False(t, c.Has("key"))

	close(release)
	<-done
	assert.True(t, c.Has("key"))
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	c.Set("a", "1", time.Minute)
	c.Set("b", "2", time.Minute)

	c.Invalidate("a")
	c.Invalidate("a") // idempotent
	c.Invalidate("missing")

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	var calls atomic.Int32
	_, err := c.Get(ctx, "a", countingFetcher(&calls, "refetched"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheInvalidateMatching(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	c.Set("a:1", "a1", time.Minute)
	c.Set("a:2", "a2", time.Minute)
	c.Set("b:1", "b1", time.Minute)

	c.InvalidateMatching(regexp.MustCompile(`^a:`))

	assert.False(t, c.Has("a:1"))
	assert.False(t, c.Has("a:2"))

	var calls atomic.Int32
	value, err := c.Get(ctx, "b:1", countingFetcher(&calls, "fetched"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b1", value)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCacheInvalidateAll(t *testing.T) {
	c := New[string]("test")

	c.Set("a", "1", time.Minute)
	c.Set("b", "2", time.Minute)

	c.InvalidateAll()

	assert.False(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.Equal(t, 0, c.Stats().Cached)
}

func TestCacheInvalidate_DuringFlight(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test")

	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "stale", nil
	}

	first := make(chan string, 1)
	go func() {
		v, _ := c.Get(ctx, "key", slow, time.Minute)
		first <- v
	}()

	require.Eventually(t, func() bool {
		return c.Stats().InFlight == 1
	}, time.Second, time.Millisecond)

	c.Invalidate("key")
	assert.Equal(t, 0, c.Stats().InFlight)

	// a new caller does not join the detached flight
	value, err := c.Get(ctx, "key", countingFetcher(&calls, "fresh"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
	assert.Equal(t, int32(2), calls.Load())

	// the detached flight answers its waiter without overwriting the fresh value
	close(release)
	assert.Equal(t, "stale", <-first)

	value, err = c.Get(ctx, "key", countingFetcher(&calls, "unused"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
}

func TestCacheStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New[string]("stats", WithClock(clock.Now))

	c.Set("short", "1", time.Second)
	c.Set("long", "2", time.Hour)

	var calls atomic.Int32
	_, err := c.Get(ctx, "long", countingFetcher(&calls, "x"), time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	stats := c.Stats()
	assert.Equal(t, "stats", stats.Name)
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, 0, stats.InFlight)
	assert.GreaterOrEqual(t, stats.Hits, uint64(1))
}

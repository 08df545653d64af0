// Package cache provides a keyed TTL cache that coalesces concurrent fetches
// for the same key into a single call to the producer.
package cache

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxSize is the number of entries a cache holds unless configured
// otherwise.
const DefaultMaxSize = 10_000

// Fetcher produces the value for a key on a cache miss.
type Fetcher[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	ttl       time.Duration
}

// flight marks a fetch that is currently running for a key. A flight is only
// allowed to write its result while it is still the registered flight for
// that key: invalidation unregisters it.
type flight struct {
	started time.Time
}

// Stats reports the current size of a cache. It is for observability only.
type Stats struct {
	Name     string `json:"name"`
	Cached   int    `json:"cached"`
	InFlight int    `json:"inFlight"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// Cache is a TTL cache with single-flight fetch deduplication. The generic
// type V is the cached value type. A Cache is safe for concurrent use.
type Cache[V any] struct {
	name    string
	store   *otter.Cache[string, entry[V]]
	counter *stats.Counter
	group   singleflight.Group
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*flight
}

type options struct {
	maxSize int
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithMaxSize bounds the number of entries held by the cache.
func WithMaxSize(size int) Option {
	return func(o *options) {
		o.maxSize = size
	}
}

// WithClock replaces the clock used to compute and check entry expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates an empty cache. The name is used in logs, metrics and stats.
func New[V any](name string, opts ...Option) *Cache[V] {
	o := options{
		maxSize: DefaultMaxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	counter := stats.NewCounter()
	store := otter.Must(&otter.Options[string, entry[V]]{
		MaximumSize:   o.maxSize,
		StatsRecorder: counter,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, entry[V]]) time.Duration {
			return e.Value.ttl
		}),
	})

	initMetrics()

	return &Cache[V]{
		name:     name,
		store:    store,
		counter:  counter,
		now:      o.now,
		inflight: make(map[string]*flight),
	}
}

// Name returns the name the cache was created with.
func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the cached value for key when present and unexpired. Otherwise
// it joins the fetch already running for key, or starts one. Concurrent
// callers for the same key share a single call to fetch and observe the same
// outcome. Failures are returned to every waiter and are never cached.
//
// The fetch runs detached from the caller's cancellation: a caller whose ctx
// is done stops waiting, but the fetch continues for any other waiters.
//
// A non-positive ttl returns the fetched value without storing it.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch Fetcher[V], ttl time.Duration) (V, error) {
	start := time.Now()

	if v, ok := c.lookup(key); ok {
		c.record(ctx, "get", statusHit, start)
		return v, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// another flight may have completed between the miss and this call
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		f := c.register(key)
		v, err := fetch(detached)
		c.settle(key, f, v, ttl, err)

		return v, err
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			c.record(ctx, "get", statusError, start)
			return zero, res.Err
		}
		status := statusMiss
		if res.Shared {
			status = statusShared
		}
		c.record(ctx, "get", status, start)
		v, _ := res.Val.(V)
		return v, nil

	case <-ctx.Done():
		c.record(ctx, "get", statusAbandoned, start)
		return zero, ctx.Err()
	}
}

// Set stores value under key, replacing any existing entry. Any fetch in
// flight for key is left running.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.store.Set(key, entry[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
		ttl:       ttl,
	})
}

// Has reports whether an unexpired entry exists for key. Fetches in flight
// are not considered.
func (c *Cache[V]) Has(key string) bool {
	e, ok := c.store.GetIfPresent(key)
	return ok && c.now().Before(e.expiresAt)
}

// Invalidate removes key from the store and detaches any fetch in flight for
// it, so the next Get starts a fresh fetch. Removing an absent key is a
// no-op.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Invalidate(key)
	c.forget(key)
}

// InvalidateMatching removes every key matching pattern from the store and
// the in-flight registry.
func (c *Cache[V]) InvalidateMatching(pattern *regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []string
	for key := range c.store.All() {
		if pattern.MatchString(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.store.Invalidate(key)
	}

	for key := range c.inflight {
		if pattern.MatchString(key) {
			c.forget(key)
		}
	}
}

// InvalidateAll empties the store and the in-flight registry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.InvalidateAll()
	for key := range c.inflight {
		c.forget(key)
	}
}

// Stats returns the current number of live and in-flight entries.
func (c *Cache[V]) Stats() Stats {
	now := c.now()
	cached := 0
	for _, e := range c.store.All() {
		if now.Before(e.expiresAt) {
			cached++
		}
	}

	c.mu.Lock()
	inFlight := len(c.inflight)
	c.mu.Unlock()

	snapshot := c.counter.Snapshot()

	return Stats{
		Name:     c.name,
		Cached:   cached,
		InFlight: inFlight,
		Hits:     snapshot.Hits,
		Misses:   snapshot.Misses,
	}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	e, ok := c.store.GetIfPresent(key)
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) register(key string) *flight {
	f := &flight{started: time.Now()}

	c.mu.Lock()
	c.inflight[key] = f
	c.mu.Unlock()

	return f
}

// settle unregisters the flight and stores a successful result, unless the
// flight was invalidated while it ran.
func (c *Cache[V]) settle(key string, f *flight, value V, ttl time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] != f {
		return
	}
	delete(c.inflight, key)

	if err == nil {
		c.Set(key, value, ttl)
	}
}

// forget must be called with mu held.
func (c *Cache[V]) forget(key string) {
	delete(c.inflight, key)
	c.group.Forget(key)
}

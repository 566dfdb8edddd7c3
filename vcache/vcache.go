// Package vcache provides a single-flight cache for one asynchronously
// produced value. Concurrent callers that need the value while a fetch is in
// flight all wait for, and receive, the same result; a successful result can
// optionally be retained for a bounded time so that bursts of callers are
// absorbed by a single remote call.
package vcache

import (
	"context"
	"sync"
	"time"
)

// Forever retains a fetched value until Clear is called.
const Forever = time.Duration(-1)

// Cache caches a single value of type T produced by a fetch function.
//
// A ttl of Forever (any negative duration) retains the value until Clear; a
// ttl of zero delivers the value to all waiters without retaining it, so
// the cache only deduplicates concurrent fetches; a positive ttl retains
// the value for that long and then clears it automatically.
type Cache[T any] struct {
	fetch func(context.Context) (T, error)
	ttl   time.Duration

	mu    sync.Mutex
	val   T
	ok    bool
	gen   uint64
	cur   *call[T]
	timer *time.Timer
}

// call is one fetch generation: a pending result plus the set of waiters,
// which observe it through the done channel.
type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// New creates a cache around fetch. The fetch function is never invoked
// concurrently with itself.
func New[T any](ttl time.Duration, fetch func(context.Context) (T, error)) *Cache[T] {
	return &Cache[T]{fetch: fetch, ttl: ttl}
}

// Get returns the cached value if one is retained, otherwise joins the
// in-flight fetch if there is one, otherwise starts a fetch and waits for
// it. A cancelled context abandons only this caller's interest: the fetch
// keeps running and delivers to the remaining waiters.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.ok {
		v := c.val
		c.mu.Unlock()
		return v, nil
	}
	cl := c.cur
	if cl == nil {
		cl = c.start()
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Refresh starts a new fetch unless one is already in flight, in which case
// it is a no-op. A currently retained value stays visible to Get until the
// new fetch completes and replaces it.
func (c *Cache[T]) Refresh() {
	c.mu.Lock()
	if c.cur == nil {
		c.start()
	}
	c.mu.Unlock()
}

// Clear discards any retained value and cancels the expiry timer. A fetch
// already in flight is not cancelled; it still delivers its result to every
// waiter, but the result is not retained, because Clear advances the
// generation and only fetches started in the current generation may
// populate the cache.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.val, c.ok = zero, false
	c.gen++
	c.stopTimer()
}

// start begins a new fetch. The caller must hold mu.
func (c *Cache[T]) start() *call[T] {
	cl := &call[T]{done: make(chan struct{})}
	c.cur = cl
	gen := c.gen
	go func() {
		cl.val, cl.err = c.fetch(context.Background())
		c.finish(cl, gen)
		close(cl.done)
	}()
	return cl
}

func (c *Cache[T]) finish(cl *call[T], gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == cl {
		c.cur = nil
	}
	// Failures are never retained, and neither is a result whose fetch was
	// outpaced by Clear; its waiters still observe it through cl.
	if cl.err != nil || gen != c.gen || c.ttl == 0 {
		return
	}
	c.stopTimer()
	c.val, c.ok = cl.val, true
	if c.ttl > 0 {
		c.timer = time.AfterFunc(c.ttl, c.Clear)
	}
}

func (c *Cache[T]) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

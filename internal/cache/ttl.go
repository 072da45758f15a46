// Package cache holds explicit, injectable caches. There are no package-level
// singletons: each owner constructs its own cache and controls its clock.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// LoadFunc produces a fresh value.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// TTL caches a single value until expiresAt. Concurrent misses share one
// load. When a reload fails and a previous value exists, the stale value is
// served for another ttl and the error is logged.
type TTL[T any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time
	load LoadFunc[T]

	mu        sync.Mutex
	value     T
	expiresAt time.Time
	loaded    bool

	group singleflight.Group
}

// NewTTL creates a cache. now may be nil to use time.Now.
func NewTTL[T any](name string, ttl time.Duration, now func() time.Time, load LoadFunc[T]) *TTL[T] {
	if now == nil {
		now = time.Now
	}
	return &TTL[T]{name: name, ttl: ttl, now: now, load: load}
}

// Get returns the cached value, loading it if missing or expired.
func (c *TTL[T]) Get(ctx context.Context) (T, error) {
	if v, ok := c.fresh(); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(c.name, func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if v, ok := c.fresh(); ok {
			return v, nil
		}
		v, err := c.load(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			if !c.loaded {
				return v, err
			}
			// Stale values are held for another full period.
			c.expiresAt = c.now().Add(c.ttl)
			log.Warn().Err(err).Str("cache", c.name).Msg("Reload failed, serving stale value")
			return c.value, nil
		}
		c.value = v
		c.expiresAt = c.now().Add(c.ttl)
		c.loaded = true
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Peek returns the cached value and its expiry without loading.
func (c *TTL[T]) Peek() (value T, expiresAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.expiresAt, c.loaded
}

// Invalidate forces the next Get to load.
func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *TTL[T]) fresh() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && c.now().Before(c.expiresAt) {
		return c.value, true
	}
	var zero T
	return zero, false
}

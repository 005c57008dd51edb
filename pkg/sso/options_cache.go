package sso

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// ResolveFunc builds the value for a scheme. cacheable is false for values
// that must be rebuilt on every lookup, such as placeholders.
type ResolveFunc[V any] func(ctx context.Context, scheme string) (value V, cacheable bool)

// OptionsCache memoizes per-scheme values. Concurrent misses for one scheme
// share a single resolution. A resolution that overlaps an Invalidate is
// returned to its callers but never stored, so a lookup that starts after
// Invalidate returns always observes the newer configuration.
type OptionsCache[V any] struct {
	kind    string
	entries *expirable.LRU[string, V]
	group   singleflight.Group
	resolve ResolveFunc[V]
	metrics *observability.Metrics

	mu    sync.Mutex
	epoch uint64
}

// NewOptionsCache creates a cache holding up to size entries for ttl each.
// A ttl of zero disables expiry.
func NewOptionsCache[V any](kind ProviderType, size int, ttl time.Duration, resolve ResolveFunc[V], metrics *observability.Metrics) *OptionsCache[V] {
	if size <= 0 {
		size = 1
	}
	return &OptionsCache[V]{
		kind:    string(kind),
		entries: expirable.NewLRU[string, V](size, nil, ttl),
		resolve: resolve,
		metrics: metrics,
	}
}

// Get returns the cached value for scheme, resolving it on a miss.
func (c *OptionsCache[V]) Get(ctx context.Context, scheme string) V {
	if v, ok := c.entries.Get(scheme); ok {
		c.metrics.OptionsCacheLookup(c.kind, true)
		return v
	}
	c.metrics.OptionsCacheLookup(c.kind, false)

	// The shared resolution must outlive any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do(scheme, func() (interface{}, error) {
		c.mu.Lock()
		start := c.epoch
		c.mu.Unlock()

		value, cacheable := c.resolve(flightCtx, scheme)
		if cacheable {
			c.mu.Lock()
			if c.epoch == start {
				c.entries.Add(scheme, value)
			}
			c.mu.Unlock()
		}
		return value, nil
	})
	return v.(V)
}

// Invalidate drops scheme's entry and detaches any in-flight resolution.
func (c *OptionsCache[V]) Invalidate(scheme string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Remove(scheme)
	c.group.Forget(scheme)
}

// Purge drops every entry.
func (c *OptionsCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Purge()
}

// Len returns the number of cached entries
func (c *OptionsCache[V]) Len() int {
	return c.entries.Len()
}

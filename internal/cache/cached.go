package cache

import (
	"time"

	"github.com/matt-riley/decidez/internal/core"
)

// Cached memoizes a specification under a fixed key. On a hit neither the
// specification nor the context factory runs.
//
// Keys are not derived from the context: two Cached values sharing a key share
// one entry.
type Cached[C any] struct {
	cache   *Cache
	key     string
	ttl     time.Duration
	spec    core.Specification[C]
	factory func() C
}

// NewCached wraps spec. It panics on a nil cache or spec.
func NewCached[C any](cache *Cache, key string, ttl time.Duration, spec core.Specification[C]) Cached[C] {
	if cache == nil || spec == nil {
		panic("cache: cached spec requires a cache and a spec")
	}
	return Cached[C]{cache: cache, key: key, ttl: ttl, spec: spec}
}

// WithContextFactory returns a copy that builds its own context in
// [Cached.Evaluate].
func (c Cached[C]) WithContextFactory(factory func() C) Cached[C] {
	c.factory = factory
	return c
}

// Key returns the cache key.
func (c Cached[C]) Key() string { return c.key }

// IsSatisfiedBy returns the cached result, evaluating spec against context on
// a miss.
func (c Cached[C]) IsSatisfiedBy(context C) bool {
	return c.cache.GetOrEvaluate(c.key, c.ttl, func() bool {
		return c.spec.IsSatisfiedBy(context)
	})
}

// Evaluate returns the cached result, building a context from the factory
// only on a miss. It panics when no factory was configured.
func (c Cached[C]) Evaluate() bool {
	if c.factory == nil {
		panic("cache: Evaluate requires a context factory")
	}
	return c.cache.GetOrEvaluate(c.key, c.ttl, func() bool {
		return c.spec.IsSatisfiedBy(c.factory())
	})
}

// Invalidate drops the cached result.
func (c Cached[C]) Invalidate() {
	c.cache.Invalidate(c.key)
}

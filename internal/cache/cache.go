// Package cache memoizes boolean specification results per key with a TTL.
//
// A single mutex serializes every operation. Evaluation of a missed key runs
// outside the lock, so two concurrent misses on the same key may both
// evaluate; the later Set wins.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// Observer receives cache events, typically to feed metrics.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(count int)
}

type nopObserver struct{}

func (nopObserver) CacheHit() {}
func (nopObserver) CacheMiss() {}
func (nopObserver) CacheEvicted(int) {}

// Entry is a cached value. A non-positive TTL is always expired.
type Entry struct {
	Value     bool
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL <= 0 || now.Sub(e.CreatedAt) > e.TTL
}

type slot struct {
	entry    Entry
	accesses int64
}

// Cache is a TTL cache of boolean evaluation results. The zero value is not
// usable; construct with [New].
type Cache struct {
	mu      sync.Mutex
	entries map[string]*slot

	now           func() time.Time
	observer      Observer
	logger        *slog.Logger
	sweepInterval time.Duration
	pressure      <-chan struct{}
}

// Option configures a [Cache].
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver registers an observer for hits, misses and evictions.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger used by the housekeeping loop.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSweepInterval sets how often [Cache.Run] clears expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithPressureSignal makes [Cache.Run] clear expired entries whenever ch
// receives.
func WithPressureSignal(ch <-chan struct{}) Option {
	return func(c *Cache) { c.pressure = ch }
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]*slot),
		now:           time.Now,
		observer:      nopObserver{},
		logger:        slog.Default(),
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value under key. Expired entries are removed.
func (c *Cache) Get(key string) (bool, bool) {
	c.mu.Lock()
	s, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.observer.CacheMiss()
		return false, false
	}
	if s.entry.Expired(c.now()) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.observer.CacheEvicted(1)
		c.observer.CacheMiss()
		return false, false
	}
	s.accesses++
	value := s.entry.Value
	c.mu.Unlock()

	c.observer.CacheHit()
	return value, true
}

// Set stores value under key for ttl, overwriting any previous entry. A ttl
// <= 0 is never cached and drops whatever was stored under key.
func (c *Cache) Set(key string, value bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return
	}

	s, ok := c.entries[key]
	if !ok {
		s = &slot{}
		c.entries[key] = s
	}
	s.entry = Entry{Value: value, CreatedAt: c.now(), TTL: ttl}
	s.accesses++
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearExpired removes every expired entry and returns how many were removed.
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for key, s := range c.entries {
		if s.entry.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.observer.CacheEvicted(removed)
	}
	return removed
}

// ClearAll removes every entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	removed := len(c.entries)
	clear(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.observer.CacheEvicted(removed)
	}
}

// IsCached reports whether key holds a live entry. It does not count as an
// access.
func (c *Cache) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.entries[key]
	return ok && !s.entry.Expired(c.now())
}

// AccessCount returns how many successful gets and sets the entry under key
// has seen, or 0 when nothing is stored.
func (c *Cache) AccessCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[key]; ok {
		return s.accesses
	}
	return 0
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrEvaluate returns the cached value under key, or runs evaluate and
// caches its result for ttl.
func (c *Cache) GetOrEvaluate(key string, ttl time.Duration, evaluate func() bool) bool {
	if value, ok := c.Get(key); ok {
		return value
	}
	value := evaluate()
	c.Set(key, value, ttl)
	return value
}

// Run clears expired entries on the sweep interval and on every pressure
// signal until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	pressure := c.pressure

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.ClearExpired(); removed > 0 {
				c.logger.Debug("evaluation cache swept", "removed", removed)
			}
		case _, ok := <-pressure:
			if !ok {
				pressure = nil
				continue
			}
			removed := c.ClearExpired()
			c.logger.Info("evaluation cache cleared on memory pressure", "removed", removed)
		}
	}
}

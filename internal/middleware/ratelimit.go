package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per client.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedClients bounds the number of clients tracked at once.
	DefaultMaxTrackedClients = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients, keyed by remote IP, that keep failing
// authentication. Clients with no recorded failures are never limited.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*clientEntry
	perMinute  int
	maxTracked int
	now        func() time.Time
	cancel     context.CancelFunc
}

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedClients caps how many clients are remembered; the least
// recently seen client is forgotten first.
func WithMaxTrackedClients(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTracked = n
		}
	}
}

// WithRateLimiterClock overrides time.Now.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// NewRateLimiter creates a limiter allowing maxPerMinute failures per client
// with an equal burst. Pass 0 to use DefaultMaxAttemptsPerMinute. Stale
// clients are dropped in the background until ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:    make(map[string]*clientEntry),
		perMinute:  maxPerMinute,
		maxTracked: DefaultMaxTrackedClients,
		now:        time.Now,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanup(ctx)
	return rl
}

// Blocked reports whether client has exhausted its failure budget. It does
// not consume a token.
func (rl *RateLimiter) Blocked(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[client]
	if !ok {
		return false
	}
	return e.limiter.TokensAt(rl.now()) < 1
}

// RecordFailure consumes one token for client and reports whether the failure
// was still within budget.
func (rl *RateLimiter) RecordFailure(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e := rl.entryLocked(client, now)
	return e.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) entryLocked(client string, now time.Time) *clientEntry {
	e, ok := rl.entries[client]
	if !ok {
		if len(rl.entries) >= rl.maxTracked {
			rl.evictOldestLocked()
		}
		e = &clientEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.entries[client] = e
	}
	e.lastSeen = now
	return e
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for client, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, client)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	var oldestTime time.Time
	for client, e := range rl.entries {
		if oldest == "" || e.lastSeen.Before(oldestTime) {
			oldest = client
			oldestTime = e.lastSeen
		}
	}
	delete(rl.entries, oldest)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

package middleware

import (
	"context"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRateLimiter(t *testing.T, perMinute int, opts ...RateLimiterOption) (*RateLimiter, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]RateLimiterOption{WithRateLimiterClock(clock.Now)}, opts...)
	rl := NewRateLimiter(context.Background(), perMinute, opts...)
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiter_UnknownClientNotBlocked(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 5)

	if rl.Blocked("192.168.1.1") {
		t.Fatal("Blocked should return false for unknown client")
	}
}

func TestRateLimiter_ExceedLimit(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 3)

	for i := range 3 {
		if !rl.RecordFailure("10.0.0.1") {
			t.Fatalf("failure %d should be within budget", i+1)
		}
	}
	if !rl.Blocked("10.0.0.1") {
		t.Fatal("Blocked should return true after exhausting the budget")
	}
	if rl.RecordFailure("10.0.0.1") {
		t.Fatal("RecordFailure should report the over-budget failure")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, clock := newTestRateLimiter(t, 2)

	rl.RecordFailure("10.0.0.1")
	rl.RecordFailure("10.0.0.1")
	if !rl.Blocked("10.0.0.1") {
		t.Fatal("client should be blocked")
	}

	clock.Advance(30 * time.Second)
	if rl.Blocked("10.0.0.1") {
		t.Fatal("client should regain a token after 30s at 2/minute")
	}
}

func TestRateLimiter_DifferentClientsIndependent(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 2)

	rl.RecordFailure("10.0.0.1")
	rl.RecordFailure("10.0.0.1")
	if !rl.Blocked("10.0.0.1") {
		t.Fatal("10.0.0.1 should be rate limited")
	}
	if rl.Blocked("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be rate limited")
	}
}

func TestRateLimiter_DefaultMaxAttempts(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 0)

	for range DefaultMaxAttemptsPerMinute {
		rl.RecordFailure("10.0.0.1")
	}
	if !rl.Blocked("10.0.0.1") {
		t.Fatal("should be rate limited after default max attempts")
	}
}

func TestRateLimiter_MaxTrackedClients(t *testing.T) {
	rl, clock := newTestRateLimiter(t, 5, WithMaxTrackedClients(3))

	for _, client := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"} {
		rl.RecordFailure(client)
		clock.Advance(time.Second)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) != 3 {
		t.Fatalf("expected 3 tracked clients, got %d", len(rl.entries))
	}
	if _, ok := rl.entries["1.1.1.1"]; ok {
		t.Fatal("expected the least recently seen client to be evicted")
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	rl, clock := newTestRateLimiter(t, 5)

	rl.RecordFailure("stale.ip")
	clock.Advance(10 * time.Minute)
	rl.RecordFailure("fresh.ip")

	rl.removeStale()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, exists := rl.entries["stale.ip"]; exists {
		t.Fatal("expected stale entry to be removed")
	}
	if _, exists := rl.entries["fresh.ip"]; !exists {
		t.Fatal("expected fresh entry to be kept")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		got := ExtractIP(tt.input)
		if got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

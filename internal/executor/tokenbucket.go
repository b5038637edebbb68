package executor

import (
	"sync"
	"time"
)

// tokenBucket is a continuously-refilling token bucket, adapted from the
// teacher's exchange.TokenBucket rate limiter. The gate order in §4.11
// needs a non-blocking admission check (an empty bucket is a skip, not
// something to wait out), so TryTake replaces the teacher's blocking Wait.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// TryTake consumes one token if available, reporting whether it did.
func (tb *tokenBucket) TryTake() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

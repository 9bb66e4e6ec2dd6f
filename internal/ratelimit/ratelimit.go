package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow checks if a tunnel can be admitted and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	// Whole tokens only; the remainder keeps accruing from lastRefill.
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter limits tunnel admissions globally and per key, where a key is
// typically the peer address or the destination of a tunnel.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*TokenBucket
	keyRate int
	burst   int
	now     func() time.Time
}

// New creates a limiter. A rate of 0 disables that limit.
func New(globalRate, perKeyRate, burst int) *Limiter {
	return newLimiter(globalRate, perKeyRate, burst, time.Now)
}

func newLimiter(globalRate, perKeyRate, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perKey:  make(map[string]*TokenBucket),
		keyRate: perKeyRate,
		burst:   burst,
		now:     now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether one more tunnel for key may be admitted now.
func (l *Limiter) Allow(key string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perKey[key]
	if !ok {
		bucket = newTokenBucket(l.keyRate, l.burst, l.now)
		l.perKey[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Prune drops per-key buckets unused for longer than idle and returns how
// many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, bucket := range l.perKey {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perKey, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked per-key buckets.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}

// Package ratelimit throttles API callers with one token bucket per user.
// Buckets refill lazily on Allow; idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 disables limiting
	BurstSize         int // defaults to RequestsPerMinute
}

// Limiter is safe for concurrent use. HTTP requests and WebSocket frames of
// the same user draw from the same bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter returns a limiter for cfg.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(max(burst, 1)),
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rate > 0
}

// Allow consumes one token from userID's bucket. When the bucket is empty
// the returned error wraps ErrRateLimited and names the wait until the next
// token.
func (l *Limiter) Allow(userID string) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(userID, now)
	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1-b.tokens)/l.rate)) * time.Second
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, wait)
	}
	b.tokens--
	return nil
}

// Remaining returns the whole tokens left for userID.
func (l *Limiter) Remaining(userID string) int {
	if !l.Enabled() {
		return math.MaxInt
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(userID, l.now()).tokens)
}

// refill must be called with l.mu held.
func (l *Limiter) refill(userID string, now time.Time) *bucket {
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[userID] = b
		return b
	}
	b.tokens = min(b.tokens+now.Sub(b.lastFill).Seconds()*l.rate, l.burst)
	b.lastFill = now
	return b
}

// Prune drops buckets untouched for longer than idle that have refilled
// completely, and returns how many were dropped. A dropped bucket behaves
// exactly like a fresh one.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for user, b := range l.buckets {
		elapsed := now.Sub(b.lastFill)
		if elapsed < idle {
			continue
		}
		if b.tokens+elapsed.Seconds()*l.rate >= l.burst {
			delete(l.buckets, user)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

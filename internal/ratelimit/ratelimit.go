// Package ratelimit implements per-user request rate limiting with lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(rpm int64) *Bucket {
	return &Bucket{
		tokens:   float64(rpm),
		max:      float64(rpm),
		rate:     float64(rpm) / 60.0, // per-minute limit -> per-second rate
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume one token. Returns remaining and whether allowed.
func (b *Bucket) tryConsume(now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until one token is available.
func (b *Bucket) retryAfter() float64 {
	if b.tokens >= 1 {
		return 0
	}
	return (1 - b.tokens) / b.rate
}

// Limiter holds the request bucket for a single user.
type Limiter struct {
	mu       sync.Mutex
	bucket   *Bucket // nil if unlimited
	rpm      int64
	lastUsed time.Time
}

func newLimiter(rpm int64) *Limiter {
	l := &Limiter{rpm: rpm, lastUsed: time.Now()}
	if rpm > 0 {
		l.bucket = newBucket(rpm)
	}
	return l
}

// Allow consumes one request token.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.bucket == nil {
		return Result{Allowed: true}
	}

	remaining, ok := l.bucket.tryConsume(now)
	if ok {
		return Result{
			Allowed:   true,
			Limit:     l.rpm,
			Remaining: remaining,
		}
	}
	return Result{
		Allowed:           false,
		Limit:             l.rpm,
		Remaining:         0,
		RetryAfterSeconds: l.bucket.retryAfter(),
	}
}

// Registry manages per-user Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
	}
}

// GetOrCreate returns the limiter for userID, creating one if needed.
// If the user's limit has changed, a new limiter is created.
func (r *Registry) GetOrCreate(userID string, rpm int64) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[userID]
	r.mu.RUnlock()
	if ok && l.rpm == rpm {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[userID]; ok && l.rpm == rpm {
		return l
	}
	l = newLimiter(rpm)
	r.limiters[userID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}

// Package ratelimit provides per-owner rate limiting using token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket represents a token bucket rate limiter.
// It allows a certain number of requests (tokens) per time window,
// with tokens refilling at a steady rate.
type TokenBucket struct {
	capacity   int        // Maximum tokens (burst capacity)
	refillRate float64    // Tokens per second
	tokens     float64    // Current tokens available
	lastRefill time.Time  // Last time tokens were refilled
	mu         sync.Mutex // Mutex for thread safety
}

func newTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity), // Start with full bucket
		lastRefill: time.Now(),
	}
}

// allow checks if a token is available and consumes it if so.
func (tb *TokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// getStatus returns the current status of the bucket without consuming a token.
func (tb *TokenBucket) getStatus() (remaining int, resetTime time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now

	remaining = int(tb.tokens)
	if tb.tokens < float64(tb.capacity) {
		tokensNeeded := float64(tb.capacity) - tb.tokens
		secondsUntilFull := tokensNeeded / tb.refillRate
		resetTime = now.Add(time.Duration(secondsUntilFull * float64(time.Second)))
	} else {
		resetTime = now
	}
	return remaining, resetTime
}

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter manages rate limiting for multiple owners using token buckets.
// Each owner gets a bucket sized to their per-minute call allowance.
type Limiter struct {
	buckets       map[string]*TokenBucket
	mu            sync.RWMutex
	lastAccess    map[string]time.Time
	accessMu      sync.RWMutex
	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
}

// NewLimiter creates a new rate limiter. Buckets idle longer than an hour
// are evicted in the background until Stop is called.
func NewLimiter() *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*TokenBucket),
		lastAccess:  make(map[string]time.Time),
		cleanupStop: make(chan struct{}),
	}
	l.cleanupTicker = time.NewTicker(10 * time.Minute)
	go l.cleanupLoop()
	return l
}

// Allow checks whether the owner may make another request. perMinute is the
// owner's call allowance; it sizes the bucket on first sight. A perMinute of
// zero or less disables limiting for that owner.
func (l *Limiter) Allow(ownerID string, perMinute int) (bool, Info) {
	if perMinute <= 0 {
		return true, Info{Allowed: true}
	}

	bucket := l.getBucket(ownerID, perMinute)
	allowed := bucket.allow()
	remaining, resetTime := bucket.getStatus()

	info := Info{
		Allowed:   allowed,
		Limit:     perMinute,
		Remaining: remaining,
		ResetTime: resetTime,
	}
	if !allowed {
		info.RetryAfter = time.Until(resetTime)
		if info.RetryAfter < time.Second {
			info.RetryAfter = time.Second
		}
	}

	l.accessMu.Lock()
	l.lastAccess[ownerID] = time.Now()
	l.accessMu.Unlock()

	return allowed, info
}

func (l *Limiter) getBucket(ownerID string, perMinute int) *TokenBucket {
	l.mu.RLock()
	bucket, ok := l.buckets[ownerID]
	l.mu.RUnlock()
	if ok {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok = l.buckets[ownerID]; ok {
		return bucket
	}
	bucket = newTokenBucket(perMinute, float64(perMinute)/60.0)
	l.buckets[ownerID] = bucket
	return bucket
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.cleanupStop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-time.Hour)

	l.accessMu.Lock()
	var stale []string
	for id, last := range l.lastAccess {
		if last.Before(cutoff) {
			stale = append(stale, id)
			delete(l.lastAccess, id)
		}
	}
	l.accessMu.Unlock()

	if len(stale) == 0 {
		return
	}
	l.mu.Lock()
	for _, id := range stale {
		delete(l.buckets, id)
	}
	l.mu.Unlock()
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.cleanupTicker.Stop()
	close(l.cleanupStop)
}

package security

import (
	"sync"
	"time"
)

// maxBuckets caps the number of tracked IPs to bound memory.
const maxBuckets = 10000

// RateLimiter is a fixed-window request limiter keyed by IP.
type RateLimiter struct {
	buckets map[string]*bucket
	stopCh  chan struct{}
	limit   int
	window  time.Duration
	mu      sync.Mutex
}

type bucket struct {
	resetAt time.Time
	count   int
}

// NewRateLimiter allows at most limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip fits in the current window.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[ip]
	if !exists || now.After(b.resetAt) {
		if !exists && len(rl.buckets) >= maxBuckets {
			rl.evictOldest()
		}
		rl.buckets[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

// evictOldest removes the bucket closest to expiry. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	var oldestIP string
	var oldestReset time.Time
	for ip, b := range rl.buckets {
		if oldestIP == "" || b.resetAt.Before(oldestReset) {
			oldestIP = ip
			oldestReset = b.resetAt
		}
	}
	if oldestIP != "" {
		delete(rl.buckets, oldestIP)
	}
}

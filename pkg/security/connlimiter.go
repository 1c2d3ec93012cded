// Package security provides the hub server's protective plumbing: per-IP
// and total connection limiting, request rate limiting, client IP
// extraction and the combined HTTP middleware.
package security

import (
	"sync"
	"time"

	"github.com/msgops/feedwire/pkg/logger"
)

const (
	staleAfter   = 10 * time.Minute // inactive entries older than this are dropped
	maxIPEntries = 10000            // cap on tracked IPs to bound memory
)

// connCount tracks connection count and last activity for one IP.
type connCount struct {
	lastActive time.Time
	count      int
}

// ConnectionLimiter enforces per-IP and total connection ceilings.
type ConnectionLimiter struct {
	perIP    map[string]*connCount
	stopCh   chan struct{}
	total    int
	maxPerIP int
	maxTotal int
	mu       sync.Mutex
}

// NewConnectionLimiter creates a limiter with periodic stale-entry cleanup.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:    make(map[string]*connCount),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
		stopCh:   make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Add attempts to claim a connection slot for ip. It reports false when
// either ceiling is reached.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestIdle()
			if len(cl.perIP) >= maxIPEntries {
				return false
			}
		}
		info = &connCount{}
		cl.perIP[ip] = info
	}

	if cl.total >= cl.maxTotal || info.count >= cl.maxPerIP {
		return false
	}

	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a connection slot for ip.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil || info.count == 0 {
		return
	}
	info.count--
	info.lastActive = time.Now()
	cl.total--
	if info.count == 0 {
		delete(cl.perIP, ip)
	}
}

// Total returns the number of active connections.
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// Stop ends the cleanup goroutine.
func (cl *ConnectionLimiter) Stop() {
	close(cl.stopCh)
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && now.Sub(info.lastActive) > staleAfter {
			delete(cl.perIP, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("connection limiter cleaned stale entries", logger.Fields{"count": cleaned})
	}
}

// evictOldestIdle removes the longest-idle zero-count entry. Caller holds
// the lock.
func (cl *ConnectionLimiter) evictOldestIdle() {
	var oldestIP string
	var oldestTime time.Time
	for ip, info := range cl.perIP {
		if info.count == 0 && (oldestIP == "" || info.lastActive.Before(oldestTime)) {
			oldestIP = ip
			oldestTime = info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

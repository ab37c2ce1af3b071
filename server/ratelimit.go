package server

import (
	"sync"
	"time"
)

// createsPerHour caps session creation per client IP.
const createsPerHour = 5

// rateLimiter is a sliding-window limiter keyed by client IP.
type rateLimiter struct {
	clients map[string][]time.Time
	now     func() time.Time
	limit   int
	window  time.Duration
	mu      sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		now:     time.Now,
		limit:   limit,
		window:  window,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.limit {
		rl.clients[ip] = recent
		return false
	}

	rl.clients[ip] = append(recent, now)
	rl.prune(cutoff)
	return true
}

// prune drops clients with no requests inside the window.
func (rl *rateLimiter) prune(cutoff time.Time) {
	for ip, ts := range rl.clients {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

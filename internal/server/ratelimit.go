package server

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window counter per key.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	hits  map[string][]time.Time
	sweep time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
		hits:   map[string][]time.Time{},
	}
}

// Allow records one hit for key and reports whether it fits the window.
func (l *rateLimiter) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Opportunistic full sweep so abandoned keys don't accumulate.
	if now.Sub(l.sweep) > l.window {
		for k, ts := range l.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(l.hits, k)
			}
		}
		l.sweep = now
	}

	ts := l.hits[key]
	for len(ts) > 0 && !ts[0].After(cutoff) {
		ts = ts[1:]
	}
	if len(ts) >= l.limit {
		l.hits[key] = ts
		return false
	}
	l.hits[key] = append(ts, now)
	return true
}

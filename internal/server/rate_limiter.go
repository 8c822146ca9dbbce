// Package server implements a sliding-window rate limiter keyed by username
// that protects the relay from message floods.
package server

import (
	"sync"
	"time"
)

// RateLimiter bounds how many messages each identity may send within a
// trailing time window. Windows are created lazily on first use and are never
// deleted; the per-identity slice is pruned on every check so each entry
// holds at most MaxMessages timestamps.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing up to max messages per identity
// within the given window. Non-positive arguments fall back to safe values.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Second
	}

	return &RateLimiter{
		windows: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Admit records one message for the identity and returns true if it fits in
// the current window. Timestamps older than the window are discarded first;
// a denied message is not recorded, so it does not extend the penalty.
func (rl *RateLimiter) Admit(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := rl.windows[identity][:0]
	for _, t := range rl.windows[identity] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.max {
		rl.windows[identity] = recent
		return false
	}

	rl.windows[identity] = append(recent, now)
	return true
}

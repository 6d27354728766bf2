// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-host rate limiting for outbound
// exchanges using token buckets.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Limiter manages per-host token buckets. A zero rate disables
// limiting entirely.
type Limiter struct {
	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	rps          rate.Limit
	burst        int
	maxHosts     int
	cleanupTimer *time.Timer
}

// New creates a rate limiter with per-host tracking. rps is the
// sustained request rate per host, burst the bucket size. A zero or
// negative rps returns a limiter that always allows.
func New(rps float64, burst, maxHosts int) *Limiter {
	if maxHosts == 0 {
		maxHosts = 10000
	}
	if burst <= 0 {
		burst = 1
	}

	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		maxHosts: maxHosts,
	}

	// Periodic cleanup keeps the host map bounded.
	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)

	return l
}

// Allow reports whether a request to the given host may start.
func (l *Limiter) Allow(host string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}

	l.mu.RLock()
	lim, exists := l.limiters[host]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		lim, exists = l.limiters[host]
		if !exists {
			if len(l.limiters) >= l.maxHosts {
				l.mu.Unlock()
				return false
			}
			lim = rate.NewLimiter(l.rps, l.burst)
			l.limiters[host] = lim
		}
		l.mu.Unlock()
	}

	return lim.Allow()
}

// Remove drops a host's bucket.
func (l *Limiter) Remove(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, host)
}

// cleanup trims the host map when it grows past twice the cap.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.limiters) > l.maxHosts*2 {
		count := 0
		trimmed := make(map[string]*rate.Limiter)
		for k, v := range l.limiters {
			if count >= l.maxHosts {
				break
			}
			trimmed[k] = v
			count++
		}
		l.limiters = trimmed
	}

	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)
}

// Stats returns the number of tracked hosts.
func (l *Limiter) Stats() (hosts int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}

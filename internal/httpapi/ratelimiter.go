package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events within a time window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

func (l *SlidingWindowLimiter) disabled() bool {
	return l == nil || l.limit <= 0 || l.window <= 0
}

// prune drops events outside the window; callers must hold the mutex.
func (l *SlidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	if l.disabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// RetryAfter reports how long until the oldest event leaves the window. It is
// zero while calls are still permitted.
func (l *SlidingWindowLimiter) RetryAfter() time.Duration {
	if l.disabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if len(l.events) < l.limit {
		return 0
	}
	return l.events[0].Add(l.window).Sub(now)
}

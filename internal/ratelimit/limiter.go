package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a fixed-window operation budget for one outgoing channel.
// It is concurrency-safe.
type Limiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	count     int
	windowEnd time.Time
	clock     func() time.Time
}

// NewLimiter constructs a limiter that admits at most limit operations per
// window. A non-positive limit admits everything.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		limit:  limit,
		window: window,
		clock:  time.Now,
	}
}

// Allow consumes one unit of budget if available.
func (l *Limiter) Allow() bool {
	if l.limit <= 0 {
		return true
	}

	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.windowEnd) {
		l.count = 0
		l.windowEnd = now.Add(l.window)
	}

	if l.count >= l.limit {
		return false
	}

	l.count++
	return true
}

// RetryAfter returns how long until the current window ends and budget
// becomes available again. It returns zero when budget is already available.
func (l *Limiter) RetryAfter() time.Duration {
	if l.limit <= 0 {
		return 0
	}

	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.windowEnd) || l.count < l.limit {
		return 0
	}
	return l.windowEnd.Sub(now)
}

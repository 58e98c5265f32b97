package guard

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 10
	DefaultTimeWindow  = 60 * time.Second
)

// RateLimiter bounds how many acquisitions are granted inside a trailing
// time window. Grants are timestamps; an attempt first drops entries older
// than the window, then grants if fewer than max remain.
type RateLimiter struct {
	mu sync.Mutex

	max    int
	window time.Duration
	now    func() time.Time

	grants []time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultTimeWindow
	}
	return &RateLimiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Acquire is the non-blocking attempt. It never grants more than max
// acquisitions within any trailing window.
func (l *RateLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquireLocked()
}

func (l *RateLimiter) acquireLocked() bool {
	now := l.now()
	l.pruneLocked(now)
	if len(l.grants) < l.max {
		l.grants = append(l.grants, now)
		return true
	}
	return false
}

// Wait blocks until an acquisition is granted or ctx is done. Instead of
// polling on a fixed interval it sleeps until the oldest grant leaves the
// window, which is the earliest instant a slot can open.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.acquireLocked() {
			l.mu.Unlock()
			return nil
		}
		wake := l.grants[0].Add(l.window).Sub(l.now())
		l.mu.Unlock()

		if wake < time.Millisecond {
			wake = time.Millisecond
		}
		timer := time.NewTimer(wake)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InFlight reports how many grants are still inside the window.
func (l *RateLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.grants)
}

func (l *RateLimiter) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(l.grants) && now.Sub(l.grants[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.grants = append(l.grants[:0], l.grants[cut:]...)
	}
}

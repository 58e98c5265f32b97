// Package guard holds the admission policies a worker consults before
// executing a download: circuit breaker, rate limiter, resource monitor.
// All state is per-instance and injected into the pool, never global.
package guard

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Breaker gates calls to the external download capability. Consecutive
// failures open it; after the recovery timeout a single trial call is let
// through (half-open) and its outcome decides whether it closes again.
// State is in-process only; a restart starts closed.
type Breaker struct {
	mu sync.Mutex

	threshold int
	recovery  time.Duration
	now       func() time.Time

	failures    int
	lastFailure time.Time
	state       BreakerState
}

func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed. While open, it flips to
// half-open only once strictly more than the recovery timeout has passed
// since the last failure, and permits that call as the trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.recovery {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default: // half-open: allow the trial
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.threshold || b.state == BreakerHalfOpen {
		b.state = BreakerOpen
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

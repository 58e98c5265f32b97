package guard

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(max int, window time.Duration) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(max, window)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRateLimiter_NeverExceedsWindowBudget(t *testing.T) {
	l, now := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Acquire() {
			t.Fatalf("grant %d unexpectedly denied", i+1)
		}
	}
	if l.Acquire() {
		t.Fatalf("expected denial once budget is spent")
	}

	// a burst spread inside the window still may not exceed the budget
	*now = now.Add(30 * time.Second)
	if l.Acquire() {
		t.Fatalf("expected denial mid-window")
	}

	// once the oldest grants leave the trailing window, slots reopen
	*now = now.Add(30 * time.Second)
	if !l.Acquire() {
		t.Fatalf("expected grant after window slid past the burst")
	}
	if l.InFlight() != 1 {
		t.Fatalf("expected 1 grant in flight, got %d", l.InFlight())
	}
}

func TestRateLimiter_WindowBoundaryDropsAgedGrants(t *testing.T) {
	l, now := newTestLimiter(1, time.Minute)

	if !l.Acquire() {
		t.Fatalf("first grant denied")
	}
	*now = now.Add(time.Minute - time.Nanosecond)
	if l.Acquire() {
		t.Fatalf("grant still inside window must block")
	}
	*now = now.Add(time.Nanosecond)
	if !l.Acquire() {
		t.Fatalf("grant aged out of window must be dropped")
	}
}

func TestRateLimiter_WaitWakesWhenSlotOpens(t *testing.T) {
	l := NewRateLimiter(1, 50*time.Millisecond)

	if !l.Acquire() {
		t.Fatalf("first grant denied")
	}

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("wait returned before the window slid: %v", elapsed)
	}
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	l := NewRateLimiter(1, time.Hour)

	if !l.Acquire() {
		t.Fatalf("first grant denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatalf("expected context error from blocked wait")
	}
}

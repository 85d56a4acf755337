package platform

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int, rate float64, window time.Duration) (*Breaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []BreakerState
	b := NewBreaker(failures, successes, 30*time.Second, rate, window,
		WithClock(clock.now),
		WithStateListener(func(s BreakerState) { changes = append(changes, s) }),
	)
	return b, clock, &changes
}

func TestBreaker_starts_closed(t *testing.T) {
	b, _, _ := newTestBreaker(3, 2, 0, 0)
	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_opens_after_consecutive_failures(t *testing.T) {
	b, _, changes := newTestBreaker(3, 2, 0, 0)

	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
	if len(*changes) != 1 || (*changes)[0] != BreakerOpen {
		t.Errorf("state changes = %v, want [open]", *changes)
	}
}

func TestBreaker_success_resets_failures(t *testing.T) {
	b, _, _ := newTestBreaker(3, 2, 0, 0)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreaker_half_open_after_timeout(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 2, 0, 0)
	b.Failure()

	clock.advance(29 * time.Second)
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state before timeout = %v, want open", s)
	}
	clock.advance(time.Second)
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after timeout = %v, want half-open", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() in half-open = %v, want nil", err)
	}
}

func TestBreaker_half_open_closes_after_successes(t *testing.T) {
	b, clock, changes := newTestBreaker(1, 2, 0, 0)
	b.Failure()
	clock.advance(31 * time.Second)
	_ = b.Allow()

	b.Success()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 probe success = %v, want half-open", s)
	}
	b.Success()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 probe successes = %v, want closed", s)
	}
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(*changes) != len(want) {
		t.Fatalf("state changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, (*changes)[i], want[i])
		}
	}
}

func TestBreaker_half_open_failure_reopens(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 2, 0, 0)
	b.Failure()
	clock.advance(31 * time.Second)
	_ = b.Allow()

	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open after probe failure", s)
	}
}

func TestBreaker_error_rate_trips(t *testing.T) {
	b, _, _ := newTestBreaker(100, 2, 0.5, time.Minute)

	for i := 0; i < 5; i++ {
		b.Success()
		b.Failure()
	}
	if s := b.State(); s != BreakerOpen {
		rate, calls := b.ErrorRate()
		t.Errorf("state = %v (rate %.2f over %d), want open", s, rate, calls)
	}
}

func TestBreaker_error_rate_needs_samples(t *testing.T) {
	b, _, _ := newTestBreaker(100, 2, 0.5, time.Minute)
	b.Success()
	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed below minimum samples", s)
	}
}

func TestBreaker_error_rate_window_rolls(t *testing.T) {
	b, clock, _ := newTestBreaker(100, 2, 0.5, time.Minute)
	b.Failure()
	b.Failure()
	clock.advance(2 * time.Minute)

	if rate, calls := b.ErrorRate(); calls != 0 || rate != 0 {
		t.Errorf("ErrorRate() = (%v, %d), want (0, 0) after window", rate, calls)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

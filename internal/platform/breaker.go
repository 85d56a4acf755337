package platform

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of the platform circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker is open.
var ErrBreakerOpen = errors.New("platform: circuit breaker is open")

// minRateSamples is the fewest calls in a window before the error rate counts.
const minRateSamples = 10

// Breaker trips on consecutive failures or on the error rate within a
// tumbling window, and recovers after a run of successful probes. It is safe
// for concurrent use.
type Breaker struct {
	failureThreshold int
	successThreshold int
	openFor          time.Duration
	rateThreshold    float64
	rateWindow       time.Duration
	now              func() time.Time
	onChange         func(BreakerState)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time
	windowCalls int
	windowFails int
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces the breaker's time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateListener registers fn to be called after every state change.
func WithStateListener(fn func(BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a breaker. Non-positive thresholds fall back to 5
// failures, 2 successes and 30s open time. A zero rate threshold or window
// disables rate-based tripping.
func NewBreaker(failureThreshold, successThreshold int, openFor time.Duration,
	rateThreshold float64, rateWindow time.Duration, opts ...BreakerOption) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	b := &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openFor:          openFor,
		rateThreshold:    rateThreshold,
		rateWindow:       rateWindow,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now()
	return b
}

// Allow returns ErrBreakerOpen while calls must not be made.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a call that reached the platform and was not a server
// failure.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a server failure or a call that never reached the platform.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

// ErrorRate returns the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, calls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowCalls == 0 {
		return 0, 0
	}
	return float64(b.windowFails) / float64(b.windowCalls), b.windowCalls
}

// The helpers below must be called with mu held.

func (b *Breaker) expireOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openFor {
		b.successes = 0
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
	b.transition(BreakerOpen)
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(to)
	}
}

func (b *Breaker) countCall(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowCalls++
	if failed {
		b.windowFails++
	}
}

func (b *Breaker) rollWindow() {
	if b.rateWindow > 0 && b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFails = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFails)/float64(b.windowCalls) >= b.rateThreshold
}

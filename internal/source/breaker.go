package source

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every request through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects every request.
	BreakerOpen
	// BreakerHalfOpen lets trial requests through.
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
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of requests in a window before
// the error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker guards calls to the upstream model service. It trips on either
// consecutive failures or the error rate within a tumbling window, and is
// safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a breaker. failureThreshold consecutive failures trip
// it open; successThreshold consecutive successes while half-open close it
// again; timeout is how long it stays open. An errorRateThreshold or
// errorRateWindow of zero disables rate-based tripping.
func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration,
	errorRateThreshold float64, errorRateWindow time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Breaker{
		state:              BreakerClosed,
		failureThreshold:   failureThreshold,
		successThreshold:   successThreshold,
		timeout:            timeout,
		errorRateThreshold: errorRateThreshold,
		errorRateWindow:    errorRateWindow,
		now:                time.Now,
	}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers fn to be called, with the lock held, on every
// state transition.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if s == BreakerOpen {
		b.openedAt = b.now()
	}
	if s == BreakerHalfOpen {
		b.successes = 0
	}
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Allow returns nil if a request may go through, ErrBreakerOpen otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.failureThreshold || b.errorRateExceeded() {
			b.resetWindow()
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	return b.state
}

// maybeHalfOpen moves an expired open breaker to half-open. Must be called
// with the lock held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.setState(BreakerHalfOpen)
	}
}

// recordWindowCall tracks a call in the tumbling window. Must be called with
// the lock held.
func (b *Breaker) recordWindowCall(failure bool) {
	if b.errorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.errorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failure {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.errorRateThreshold <= 0 || b.errorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.errorRateThreshold
}

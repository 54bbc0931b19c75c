package source

import (
	"errors"
	"testing"
	"time"
)

// clockedBreaker returns a breaker driven by a manual clock.
func clockedBreaker(failures, successes int, timeout time.Duration, rate float64, window time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(failures, successes, timeout, rate, window)
	b.now = func() time.Time { return now }
	b.windowStart = now
	return b, &now
}

func TestBreaker_startsClosed(t *testing.T) {
	b := NewBreaker(3, 2, time.Second, 0, 0)
	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 2, time.Second, 0, 0)

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() error = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 2, time.Second, 0, 0)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, now := clockedBreaker(1, 2, time.Minute, 0, 0)

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}

	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.RecordSuccess()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, now := clockedBreaker(1, 2, time.Minute, 0, 0)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	_ = b.Allow()
	b.RecordFailure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _ := clockedBreaker(100, 2, time.Minute, 0.5, time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordSuccess()
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open at 50%% error rate", s)
	}
}

func TestBreaker_errorRateRequiresMinSamples(t *testing.T) {
	b, _ := clockedBreaker(100, 2, time.Minute, 0.5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed below %d samples", s, minErrorRateSamples)
	}
}

func TestBreaker_errorRateWindowExpires(t *testing.T) {
	b, now := clockedBreaker(100, 2, time.Minute, 0.5, time.Minute)

	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	*now = now.Add(2 * time.Minute)
	b.RecordFailure()

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after window reset", s)
	}
}

func TestBreaker_onStateChange(t *testing.T) {
	b, now := clockedBreaker(1, 1, time.Minute, 0, 0)
	var states []BreakerState
	b.OnStateChange(func(s BreakerState) { states = append(states, s) })

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	_ = b.Allow()
	b.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestBreaker_defaults(t *testing.T) {
	b := NewBreaker(0, 0, 0, 0, 0)
	if b.failureThreshold != 5 || b.successThreshold != 2 || b.timeout != 30*time.Second {
		t.Errorf("defaults = (%d, %d, %v), want (5, 2, 30s)", b.failureThreshold, b.successThreshold, b.timeout)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

package cache

import (
	"errors"
	"testing"
	"time"
)

var errProbe = errors.New("probe failed")

func failN(n int) func() error {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return errProbe
		}
		return nil
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := newBreaker(3, time.Minute)
	fn := failN(100)

	for i := 0; i < 3; i++ {
		if err := b.execute(fn); !errors.Is(err, errProbe) {
			t.Fatalf("call %d: expected probe error, got %v", i, err)
		}
	}
	if got := b.currentState(); got != BreakerOpen {
		t.Fatalf("state after %d failures: got %v, want open", 3, got)
	}

	// While open, calls are rejected without touching the backend.
	if err := b.execute(fn); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, time.Minute)

	b.execute(func() error { return errProbe })
	b.execute(func() error { return errProbe })
	b.execute(func() error { return nil })
	b.execute(func() error { return errProbe })
	b.execute(func() error { return errProbe })

	// Never three consecutive failures, so still closed.
	if got := b.currentState(); got != BreakerClosed {
		t.Errorf("state: got %v, want closed", got)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := newBreaker(1, 5*time.Millisecond)

	b.execute(func() error { return errProbe })
	if b.currentState() != BreakerOpen {
		t.Fatal("expected open after single failure with max=1")
	}

	time.Sleep(10 * time.Millisecond)

	// Probe failure reopens immediately.
	if err := b.execute(func() error { return errProbe }); !errors.Is(err, errProbe) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if b.currentState() != BreakerOpen {
		t.Error("expected reopened after failed probe")
	}

	time.Sleep(10 * time.Millisecond)

	// Probe success closes.
	if err := b.execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if b.currentState() != BreakerClosed {
		t.Error("expected closed after successful probe")
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	b := newBreaker(1, 5*time.Millisecond)

	type hop struct{ from, to BreakerState }
	var hops []hop
	b.onStateChange = func(from, to BreakerState) {
		hops = append(hops, hop{from, to})
	}

	b.execute(func() error { return errProbe })
	time.Sleep(10 * time.Millisecond)
	b.execute(func() error { return nil })

	want := []hop{
		{BreakerClosed, BreakerOpen},
		{BreakerOpen, BreakerHalfOpen},
		{BreakerHalfOpen, BreakerClosed},
	}
	if len(hops) != len(want) {
		t.Fatalf("transitions: got %v, want %v", hops, want)
	}
	for i := range want {
		if hops[i] != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, hops[i], want[i])
		}
	}
}

func TestBreakerState_String(t *testing.T) {
	cases := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d): got %q, want %q", int(s), got, want)
		}
	}
}

package cache

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for the remote cache backend.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // normal operation, calls pass through
	BreakerOpen     BreakerState = 1 // backend considered down, calls rejected
	BreakerHalfOpen BreakerState = 2 // probing, one call allowed through
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

// ErrBreakerOpen is returned when the breaker rejects a call outright.
var ErrBreakerOpen = errors.New("cache backend circuit breaker is open")

// breaker trips after maxFailures consecutive backend errors and rejects
// calls for resetTimeout. After the timeout one probe call is let through:
// success closes the breaker, failure reopens it. This is what turns a dead
// remote tier into degraded fast-tier-only operation instead of failed reads.
type breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	onStateChange func(from, to BreakerState)
}

func newBreaker(maxFailures int, resetTimeout time.Duration) *breaker {
	return &breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// execute runs fn through the breaker.
func (b *breaker) execute(fn func() error) error {
	b.mu.Lock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.transition(BreakerHalfOpen)
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	case BreakerHalfOpen:
		// Single probe at a time, serialized by the mutex.
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			b.transition(BreakerOpen)
		}
		return err
	}

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	return nil
}

func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

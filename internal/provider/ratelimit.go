package provider

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a minimum interval between successive upstream calls. The
// clock and sleep are injectable so tests simulate time without real sleeps.
type Pacer struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a Pacer with the given minimum interval. An interval of
// zero disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until at least the configured interval has elapsed since the
// previous Wait returned, or ctx is cancelled. The first call never blocks.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := p.now()
	var wait time.Duration
	if !p.last.IsZero() {
		if due := p.last.Add(p.interval); due.After(now) {
			wait = due.Sub(now)
		}
	}
	p.last = now.Add(wait)
	p.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

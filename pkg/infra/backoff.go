package infra

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff is a jittered exponential retry schedule. With a wake interval set,
// it stops growing after a number of attempts and settles on that interval,
// so a client offline for hours polls slowly instead of at the ceiling
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64

	wakeAfter    int
	wakeInterval time.Duration

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	if max < min {
		max = min
	}
	if mult < 1 {
		mult = 1
	}
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

// WithWake switches the schedule to a fixed interval once attempts exceeds
// after. A zero interval disables it
func (b *Backoff) WithWake(after int, interval time.Duration) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakeAfter = after
	b.wakeInterval = interval
	return b
}

// Next returns the delay before the next attempt and counts it
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	if b.wakeInterval > 0 && b.attempts > b.wakeAfter {
		return b.wakeInterval
	}

	// ±20% so reconnecting clients do not stampede the server
	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)
	return wait
}

// Wait sleeps for the next delay. It returns false when ctx ended first
func (b *Backoff) Wait(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

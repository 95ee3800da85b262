// Package humanize provides the cancellable, randomized waits used between
// page interactions and between attempts.
package humanize

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var rngPool = sync.Pool{
	New: func() any {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep blocks for d and returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Between draws uniformly from [lo, hi].
func Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	rng := rngPool.Get().(*rand.Rand)
	defer rngPool.Put(rng)
	return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
}

// Pause sleeps a short random time around d, like a person between clicks.
func Pause(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, Between(d/2, d+d/2))
}

// Delay is the humanization gap between attempts.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Next draws the next gap.
func (d Delay) Next() time.Duration {
	return Between(d.Min, d.Max)
}

package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitStrategy decides how long the loop sleeps after a cycle.
type WaitStrategy interface {
	// Next is called after every cycle with the number of negotiations and
	// commands it handled and the store error it hit, if any.
	Next(handled int, err error) time.Duration
}

// IdleWait sleeps for a fixed idle period when there was nothing to do, loops
// again immediately after useful work, and backs off exponentially while the
// store keeps failing.
type IdleWait struct {
	idle    time.Duration
	failure *backoff.ExponentialBackOff
}

// NewIdleWait creates the default wait strategy. Failure backoff starts at a
// tenth of idle and is capped at six times idle.
func NewIdleWait(idle time.Duration) *IdleWait {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = idle / 10
	b.MaxInterval = 6 * idle
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return &IdleWait{idle: idle, failure: b}
}

// Next implements WaitStrategy.
func (w *IdleWait) Next(handled int, err error) time.Duration {
	if err != nil {
		return w.failure.NextBackOff()
	}
	w.failure.Reset()
	if handled > 0 {
		return 0
	}
	return w.idle
}

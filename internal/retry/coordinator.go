// Package retry decides when a failed protocol send may be attempted again.
package retry

import (
	"time"
)

// DefaultMaxDelay caps the exponential delay when no ceiling is configured.
const DefaultMaxDelay = time.Minute

// Coordinator is a stateless backoff policy. One instance exists per role.
type Coordinator struct {
	Limit     int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Decision is the outcome of consulting the coordinator after a retryable failure.
type Decision struct {
	Exhausted      bool
	NextEligibleAt time.Time
}

// New builds a coordinator, falling back to DefaultMaxDelay for a zero ceiling.
func New(limit int, base, maxDelay time.Duration) Coordinator {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return Coordinator{Limit: limit, BaseDelay: base, MaxDelay: maxDelay}
}

// Exhausted reports whether attempts has used up the retry budget.
func (c Coordinator) Exhausted(attempts int) bool {
	return attempts >= c.Limit
}

// Delay returns BaseDelay * 2^attempts, capped at MaxDelay.
func (c Coordinator) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	ceiling := c.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	d := c.BaseDelay
	for i := 0; i < attempts; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Next decides when a negotiation that has already failed attempts times may
// be sent again. The returned delay belongs to the failure being recorded, so
// the caller increments attempts after consulting it.
func (c Coordinator) Next(attempts int, now time.Time) Decision {
	if c.Exhausted(attempts) {
		return Decision{Exhausted: true}
	}
	return Decision{NextEligibleAt: now.Add(c.Delay(attempts))}
}

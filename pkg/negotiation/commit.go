package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrSuperseded is returned by Apply when a conflicting writer already moved
// the negotiation on, so re-applying the mutation would be wrong.
var ErrSuperseded = errors.New("negotiation progressed concurrently")

// Mutation applies one logical transition to n in place.
type Mutation func(n *ContractNegotiation) error

// Guard decides whether a freshly re-read negotiation may receive the same
// mutation again after a conflict.
type Guard func(current *ContractNegotiation) bool

const maxConflictRetries = 5

// Apply runs mutate against a copy of snapshot and saves it. A persistence
// conflict re-reads the negotiation and re-applies mutate as long as guard
// accepts the fresh copy; a nil guard always re-applies.
//
// Returns the saved negotiation and the state it was in right before the
// mutation that got committed.
func Apply(ctx context.Context, store Store, snapshot *ContractNegotiation, mutate Mutation, guard Guard) (*ContractNegotiation, State, error) {
	n := snapshot.Clone()
	from := n.State

	attempt := func() error {
		if err := mutate(n); err != nil {
			return backoff.Permanent(err)
		}

		err := store.Save(ctx, n)
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return backoff.Permanent(err)
		}

		current, findErr := store.FindByID(ctx, snapshot.ID)
		if findErr != nil {
			return backoff.Permanent(findErr)
		}
		if guard != nil && !guard(current) {
			return backoff.Permanent(ErrSuperseded)
		}
		n = current.Clone()
		from = n.State
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 5 * time.Millisecond
	expo.MaxInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, maxConflictRetries), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, from, err
	}
	return n, from, nil
}

// SameProgress accepts a re-read negotiation only if nothing that matters to
// the handler changed since snapshot was taken: same state, same attempt
// count, same number of offers and, for leased snapshots, the same lease owner.
func SameProgress(snapshot *ContractNegotiation) Guard {
	return func(current *ContractNegotiation) bool {
		if current.State != snapshot.State ||
			current.StateAttempts != snapshot.StateAttempts ||
			len(current.Offers) != len(snapshot.Offers) {
			return false
		}
		if snapshot.Lease != nil {
			return current.Lease != nil && current.Lease.Owner == snapshot.Lease.Owner
		}
		return true
	}
}

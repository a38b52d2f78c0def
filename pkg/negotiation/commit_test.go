package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	ctx := context.Background()

	t.Run("commits the mutation", func(t *testing.T) {
		client, _ := setupTestClient(t)
		n := newTestRequester(t, time.Now())
		require.NoError(t, client.Save(ctx, n))

		saved, from, err := Apply(ctx, client, n, func(c *ContractNegotiation) error {
			return c.TransitionTo(StateRequesting, time.Now().UnixMilli())
		}, SameProgress(n))
		require.NoError(t, err)
		assert.Equal(t, StateInitial, from)
		assert.Equal(t, StateRequesting, saved.State)
		assert.Equal(t, int64(2), saved.Version)

		// The snapshot itself is never mutated.
		assert.Equal(t, StateInitial, n.State)
		assert.Equal(t, int64(1), n.Version)
	})

	t.Run("mutation errors are returned unchanged", func(t *testing.T) {
		client, _ := setupTestClient(t)
		n := newTestRequester(t, time.Now())
		require.NoError(t, client.Save(ctx, n))

		_, _, err := Apply(ctx, client, n, func(c *ContractNegotiation) error {
			return c.TransitionTo(StateFinalized, 0)
		}, nil)
		assert.True(t, errors.Is(err, ErrIllegalTransition))
	})

	t.Run("nil guard re-applies on a fresh copy", func(t *testing.T) {
		client, _ := setupTestClient(t)
		n := newTestRequester(t, time.Now())
		require.NoError(t, client.Save(ctx, n))
		stale := n.Clone()

		require.NoError(t, n.TransitionTo(StateRequesting, time.Now().UnixMilli()))
		require.NoError(t, client.Save(ctx, n))

		saved, from, err := Apply(ctx, client, stale, func(c *ContractNegotiation) error {
			return c.TransitionTo(StateTerminating, time.Now().UnixMilli())
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, StateRequesting, from)
		assert.Equal(t, StateTerminating, saved.State)
	})

	t.Run("same-progress guard aborts when another writer moved on", func(t *testing.T) {
		client, _ := setupTestClient(t)
		n := newTestRequester(t, time.Now())
		require.NoError(t, client.Save(ctx, n))
		stale := n.Clone()

		require.NoError(t, n.TransitionTo(StateRequesting, time.Now().UnixMilli()))
		require.NoError(t, client.Save(ctx, n))

		calls := 0
		_, _, err := Apply(ctx, client, stale, func(c *ContractNegotiation) error {
			calls++
			return c.TransitionTo(StateRequesting, time.Now().UnixMilli())
		}, SameProgress(stale))
		assert.True(t, errors.Is(err, ErrSuperseded))
		assert.Equal(t, 1, calls)

		loaded, err := client.FindByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, StateRequesting, loaded.State)
		assert.Equal(t, 0, loaded.StateAttempts)
	})

	t.Run("same-progress guard tolerates a lease-only bump", func(t *testing.T) {
		client, _ := setupTestClient(t)
		now := time.Now()
		n := newTestRequester(t, now)
		require.NoError(t, client.Save(ctx, n))

		batch, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "w1", 1, StateInitial))
		require.NoError(t, err)
		require.Len(t, batch, 1)
		leased := batch[0]

		// Extending the lease bumps the version without making progress.
		require.NoError(t, client.Release(ctx, leased.ID, "w1"))
		again, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "w1", 1, StateInitial))
		require.NoError(t, err)
		require.Len(t, again, 1)

		saved, _, err := Apply(ctx, client, leased, func(c *ContractNegotiation) error {
			return c.TransitionTo(StateRequesting, now.UnixMilli())
		}, SameProgress(leased))
		require.NoError(t, err)
		assert.Equal(t, StateRequesting, saved.State)
	})
}

func TestSameProgress(t *testing.T) {
	base := newTestRequester(t, time.Now())
	base.Lease = &Lease{Owner: "w1", ExpiresAtMs: 100}
	guard := SameProgress(base)

	same := base.Clone()
	same.Version = 9
	assert.True(t, guard(same))

	moved := base.Clone()
	moved.State = StateRequesting
	assert.False(t, guard(moved))

	retried := base.Clone()
	retried.StateAttempts = 1
	assert.False(t, guard(retried))

	countered := base.Clone()
	countered.AppendOffer(testOffer("def-9"))
	assert.False(t, guard(countered))

	stolen := base.Clone()
	stolen.Lease = &Lease{Owner: "w2", ExpiresAtMs: 200}
	assert.False(t, guard(stolen))

	released := base.Clone()
	released.Lease = nil
	assert.False(t, guard(released))
}

package negotiation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func testOffer(definitionID string) Offer {
	return Offer{
		ID:      NewContractID(definitionID),
		AssetID: "A1",
		Policy: Policy{
			UID:    "policy-1",
			Target: "A1",
			Permissions: []Rule{{
				Action:      "use",
				Constraints: []Constraint{{LeftOperand: "region", Operator: "eq", RightOperand: "eu"}},
			}},
		},
		Provider: "provider",
		Consumer: "consumer",
	}
}

func newTestRequester(t *testing.T, now time.Time) *ContractNegotiation {
	t.Helper()
	offer := testOffer("def-1")
	n, err := New(Params{
		Role:                RoleRequester,
		CounterpartyID:      "provider",
		CounterpartyAddress: "accord.provider",
		Protocol:            "dsp-nats",
		Offer:               &offer,
		Now:                 now,
	})
	require.NoError(t, err)
	return n
}

func batchQuery(nowMs int64, owner string, max int, states ...State) BatchQuery {
	return BatchQuery{
		Role:     RoleRequester,
		States:   states,
		Max:      max,
		NowMs:    nowMs,
		Owner:    owner,
		LeaseTTL: time.Minute,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestSaveAndFindByID(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("round trip preserves logical fields and offer order", func(t *testing.T) {
		n := newTestRequester(t, time.UnixMilli(1_700_000_000_000))
		n.AppendOffer(testOffer("def-2"))
		n.AppendOffer(testOffer("def-3"))

		require.NoError(t, client.Save(ctx, n))
		assert.Equal(t, int64(1), n.Version)

		loaded, err := client.FindByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, n, loaded)
		require.Len(t, loaded.Offers, 3)
		assert.Equal(t, n.Offers[1].ID, loaded.Offers[1].ID)
		assert.Equal(t, n.Offers[2].ID, loaded.Offers[2].ID)
	})

	t.Run("agreement and error detail survive", func(t *testing.T) {
		n := newTestRequester(t, time.Now())
		require.NoError(t, n.TransitionTo(StateRequesting, 10))
		require.NoError(t, n.SetAgreement(Agreement{ID: NewContractID("def-1"), AssetID: "A1", Policy: n.Offers[0].Policy}))
		require.NoError(t, n.TransitionTo(StateAgreed, 20))
		require.NoError(t, client.Save(ctx, n))

		loaded, err := client.FindByID(ctx, n.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.Agreement)
		assert.Equal(t, n.Agreement.Policy, loaded.Agreement.Policy)
	})

	t.Run("missing negotiation returns ErrNotFound", func(t *testing.T) {
		_, err := client.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.True(t, IsNotFound(err))
	})

	t.Run("invalid negotiation is rejected", func(t *testing.T) {
		n := newTestRequester(t, time.Now())
		n.ID = "not-a-uuid"
		err := client.Save(ctx, n)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid negotiation")
	})
}

func TestSaveRejectsStaleWrites(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	n := newTestRequester(t, time.Now())
	require.NoError(t, client.Save(ctx, n))

	stale := n.Clone()

	require.NoError(t, n.TransitionTo(StateRequesting, time.Now().UnixMilli()))
	require.NoError(t, client.Save(ctx, n))

	require.NoError(t, stale.TransitionTo(StateTerminated, time.Now().UnixMilli()))
	err := client.Save(ctx, stale)
	assert.True(t, IsConflict(err), "expected conflict, got %v", err)

	loaded, err := client.FindByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRequesting, loaded.State)
}

func TestSaveRejectsCreateWithNonZeroVersion(t *testing.T) {
	client, _ := setupTestClient(t)

	n := newTestRequester(t, time.Now())
	n.Version = 3
	assert.True(t, IsConflict(client.Save(context.Background(), n)))
}

func TestFindByCorrelationID(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	offer := testOffer("def-1")
	n, err := New(Params{
		Role:                RoleOfferer,
		CorrelationID:       "requester-process-1",
		CounterpartyAddress: "accord.consumer",
		Protocol:            "dsp-nats",
		Offer:               &offer,
	})
	require.NoError(t, err)
	require.NoError(t, client.Save(ctx, n))

	found, err := client.FindByCorrelationID(ctx, RoleOfferer, "requester-process-1")
	require.NoError(t, err)
	assert.Equal(t, n.ID, found.ID)

	_, err = client.FindByCorrelationID(ctx, RoleRequester, "requester-process-1")
	assert.True(t, IsNotFound(err))

	// A second negotiation cannot claim the same correlation id.
	dup, err := New(Params{
		Role:                RoleOfferer,
		CorrelationID:       "requester-process-1",
		CounterpartyAddress: "accord.consumer",
		Protocol:            "dsp-nats",
	})
	require.NoError(t, err)
	assert.True(t, IsConflict(client.Save(ctx, dup)))
}

func TestNextBatch(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("leases due negotiations up to max", func(t *testing.T) {
		client, _ := setupTestClient(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, client.Save(ctx, newTestRequester(t, now)))
		}

		batch, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "worker-1", 3, StateInitial))
		require.NoError(t, err)
		require.Len(t, batch, 3)
		for _, n := range batch {
			require.NotNil(t, n.Lease)
			assert.Equal(t, "worker-1", n.Lease.Owner)
			assert.Equal(t, now.Add(time.Minute).UnixMilli(), n.Lease.ExpiresAtMs)
		}

		rest, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "worker-2", 3, StateInitial))
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})

	t.Run("skips negotiations not yet eligible", func(t *testing.T) {
		client, _ := setupTestClient(t)
		n := newTestRequester(t, now)
		require.NoError(t, n.TransitionTo(StateRequesting, now.UnixMilli()))
		n.RetryLater(now.Add(400*time.Millisecond).UnixMilli(), now.UnixMilli())
		require.NoError(t, client.Save(ctx, n))

		early, err := client.NextBatch(ctx, batchQuery(now.Add(399*time.Millisecond).UnixMilli(), "w", 5, StateRequesting))
		require.NoError(t, err)
		assert.Empty(t, early)

		due, err := client.NextBatch(ctx, batchQuery(now.Add(400*time.Millisecond).UnixMilli(), "w", 5, StateRequesting))
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("ignores states outside the query", func(t *testing.T) {
		client, _ := setupTestClient(t)
		n := newTestRequester(t, now)
		require.NoError(t, n.TransitionTo(StateRequesting, now.UnixMilli()))
		require.NoError(t, n.TransitionTo(StateRequested, now.UnixMilli()))
		require.NoError(t, client.Save(ctx, n))

		batch, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "w", 5, StateInitial, StateRequesting))
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("terminal negotiations are never selected again", func(t *testing.T) {
		client, _ := setupTestClient(t)
		for _, terminal := range []State{StateTerminated, StateError} {
			n := newTestRequester(t, now)
			require.NoError(t, client.Save(ctx, n))
			if terminal == StateError {
				require.NoError(t, n.Fail("boom", now.UnixMilli()))
			} else {
				require.NoError(t, n.TransitionTo(terminal, now.UnixMilli()))
			}
			require.NoError(t, client.Save(ctx, n))
		}

		batch, err := client.NextBatch(ctx, batchQuery(now.Add(time.Hour).UnixMilli(), "w", 10, AllStates...))
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("expired lease can be reclaimed", func(t *testing.T) {
		client, _ := setupTestClient(t)
		require.NoError(t, client.Save(ctx, newTestRequester(t, now)))

		first, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "w1", 1, StateInitial))
		require.NoError(t, err)
		require.Len(t, first, 1)

		blocked, err := client.NextBatch(ctx, batchQuery(now.Add(30*time.Second).UnixMilli(), "w2", 1, StateInitial))
		require.NoError(t, err)
		assert.Empty(t, blocked)

		reclaimed, err := client.NextBatch(ctx, batchQuery(now.Add(2*time.Minute).UnixMilli(), "w2", 1, StateInitial))
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, "w2", reclaimed[0].Lease.Owner)
	})
}

func TestNextBatchConcurrentClaim(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, client.Save(ctx, newTestRequester(t, now)))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			<-start
			batch, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), owner, 1, StateInitial))
			assert.NoError(t, err)
			if len(batch) == 1 {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	close(start)
	wg.Wait()

	assert.Len(t, winners, 1, "exactly one worker must win the lease")
}

func TestNextBatchReachesPastLeasedNegotiations(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	const total = 25
	for i := 0; i < total; i++ {
		require.NoError(t, client.Save(ctx, newTestRequester(t, now)))
	}

	seen := map[string]bool{}
	for w := 0; w < total/5; w++ {
		owner := fmt.Sprintf("w%d", w)
		batch, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), owner, 5, StateInitial))
		require.NoError(t, err)
		require.Len(t, batch, 5, "worker %s", owner)
		for _, n := range batch {
			assert.False(t, seen[n.ID], "negotiation %s leased twice", n.ID)
			seen[n.ID] = true
		}
	}
	assert.Len(t, seen, total)

	rest, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "late", 5, StateInitial))
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestRelease(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	now := time.Now()

	n := newTestRequester(t, now)
	require.NoError(t, client.Save(ctx, n))

	batch, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "w1", 1, StateInitial))
	require.NoError(t, err)
	require.Len(t, batch, 1)

	t.Run("other owners cannot release", func(t *testing.T) {
		require.NoError(t, client.Release(ctx, n.ID, "w2"))
		loaded, err := client.FindByID(ctx, n.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.Lease)
		assert.Equal(t, "w1", loaded.Lease.Owner)
	})

	t.Run("owner release clears the lease only", func(t *testing.T) {
		require.NoError(t, client.Release(ctx, n.ID, "w1"))
		loaded, err := client.FindByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded.Lease)
		assert.Equal(t, StateInitial, loaded.State)
		assert.Equal(t, 0, loaded.StateAttempts)

		again, err := client.NextBatch(ctx, batchQuery(now.UnixMilli(), "w2", 1, StateInitial))
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})
}

func TestListAndScan(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	a := newTestRequester(t, time.Now())
	b := newTestRequester(t, time.Now())
	require.NoError(t, client.Save(ctx, a))
	require.NoError(t, client.Save(ctx, b))

	all, err := client.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ids, err := client.ScanNegotiations(ctx, a.ID[:8])
	require.NoError(t, err)
	assert.Contains(t, ids, a.ID)
}

func TestTransitionEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeTransitionEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	n := newTestRequester(t, time.Now())
	require.NoError(t, n.TransitionTo(StateRequesting, time.Now().UnixMilli()))
	require.NoError(t, client.PublishTransition(ctx, NewTransitionEvent(n, StateInitial, StateRequesting)))

	select {
	case event := <-sub.Events():
		assert.Equal(t, n.ID, event.NegotiationID)
		assert.Equal(t, StateInitial, event.From)
		assert.Equal(t, StateRequesting, event.To)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition event")
	}
}

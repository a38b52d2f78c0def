//go:build integration

package sqlstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/accord/internal/db"
	"github.com/dyluth/accord/pkg/negotiation"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store.
func setupPostgres(t *testing.T) *Store {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "accord",
			"POSTGRES_PASSWORD": "accord",
			"POSTGRES_DB":       "accord",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=accord password=accord dbname=accord sslmode=disable", host, port.Port())
	database, err := db.New(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	return New(database)
}

func TestStore_SaveAndFind(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	n := testNegotiation(t)
	require.NoError(t, store.Save(ctx, n))
	assert.Equal(t, int64(1), n.Version)

	loaded, err := store.FindByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, loaded)

	byCorrelation, err := store.FindByCorrelationID(ctx, negotiation.RoleRequester, n.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, byCorrelation.ID)

	_, err = store.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, negotiation.IsNotFound(err))

	stale := loaded.Clone()
	require.NoError(t, loaded.TransitionTo(negotiation.StateRequesting, 2_000))
	require.NoError(t, store.Save(ctx, loaded))
	assert.True(t, negotiation.IsConflict(store.Save(ctx, stale)))

	dup := testNegotiation(t)
	dup.CorrelationID = n.CorrelationID
	assert.True(t, negotiation.IsConflict(store.Save(ctx, dup)))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ids, err := store.ScanNegotiations(ctx, n.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, []string{n.ID}, ids)
}

func TestStore_NextBatch(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		n := testNegotiation(t)
		require.NoError(t, store.Save(ctx, n))
		ids = append(ids, n.ID)
	}
	done := testNegotiation(t)
	require.NoError(t, done.TransitionTo(negotiation.StateTerminated, 1_000))
	require.NoError(t, store.Save(ctx, done))

	query := negotiation.BatchQuery{
		Role:     negotiation.RoleRequester,
		States:   []negotiation.State{negotiation.StateInitial, negotiation.StateTerminated},
		Max:      4,
		NowMs:    5_000,
		Owner:    "w1",
		LeaseTTL: time.Minute,
	}
	first, err := store.NextBatch(ctx, query)
	require.NoError(t, err)
	require.Len(t, first, 4)
	for _, n := range first {
		assert.True(t, n.Lease.Live(5_000))
		assert.Equal(t, int64(2), n.Version)
	}

	query.Owner = "w2"
	second, err := store.NextBatch(ctx, query)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	// A leased snapshot still commits: the lease bump is its own version.
	require.NoError(t, first[0].TransitionTo(negotiation.StateRequesting, 5_000))
	first[0].Lease = nil
	require.NoError(t, store.Save(ctx, first[0]))

	require.NoError(t, store.Release(ctx, second[0].ID, "w2"))
	query.Owner = "w3"
	third, err := store.NextBatch(ctx, query)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, second[0].ID, third[0].ID)

	// Expired leases are reclaimed.
	query.NowMs = 5_000 + time.Minute.Milliseconds()
	query.Max = 10
	reclaimed, err := store.NextBatch(ctx, query)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 5)
}

func TestStore_ConcurrentClaim(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	n := testNegotiation(t)
	require.NoError(t, store.Save(ctx, n))

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			batch, err := store.NextBatch(ctx, negotiation.BatchQuery{
				Role:     negotiation.RoleRequester,
				States:   []negotiation.State{negotiation.StateInitial},
				Max:      1,
				NowMs:    5_000,
				Owner:    fmt.Sprintf("w%d", worker),
				LeaseTTL: time.Minute,
			})
			assert.NoError(t, err)
			mu.Lock()
			winners += len(batch)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

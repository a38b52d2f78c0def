package resolver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/accord/pkg/negotiation"
)

func setupIndex(t *testing.T) *negotiation.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := negotiation.NewClient(&redis.Options{Addr: mr.Addr()}, "resolver-test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func save(t *testing.T, client *negotiation.Client, id string) {
	t.Helper()
	offer := negotiation.Offer{ID: negotiation.NewContractID("def-1"), AssetID: "A1"}
	n, err := negotiation.New(negotiation.Params{
		Role:                negotiation.RoleRequester,
		CounterpartyAddress: "accord.provider",
		Protocol:            "dsp-nats",
		Offer:               &offer,
		Now:                 time.Now(),
	})
	require.NoError(t, err)
	n.ID = id
	n.CorrelationID = id
	require.NoError(t, client.Save(context.Background(), n))
}

func TestResolveNegotiationID(t *testing.T) {
	ctx := context.Background()
	client := setupIndex(t)

	save(t, client, "aaaaaaaa-1111-4111-8111-111111111111")
	save(t, client, "bbbbbbbb-1111-4111-8111-111111111111")
	save(t, client, "bbbbbbbb-2222-4222-8222-222222222222")

	t.Run("full id", func(t *testing.T) {
		id, err := ResolveNegotiationID(ctx, client, "AAAAAAAA-1111-4111-8111-111111111111")
		require.NoError(t, err)
		assert.Equal(t, "aaaaaaaa-1111-4111-8111-111111111111", id)
	})

	t.Run("unknown full id", func(t *testing.T) {
		_, err := ResolveNegotiationID(ctx, client, "cccccccc-1111-4111-8111-111111111111")
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("unique prefix", func(t *testing.T) {
		id, err := ResolveNegotiationID(ctx, client, "aaaaaa")
		require.NoError(t, err)
		assert.Equal(t, "aaaaaaaa-1111-4111-8111-111111111111", id)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveNegotiationID(ctx, client, "aaaa")
		assert.ErrorContains(t, err, "at least 6 characters")
	})

	t.Run("no match", func(t *testing.T) {
		_, err := ResolveNegotiationID(ctx, client, "dddddd")
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := ResolveNegotiationID(ctx, client, "bbbbbbbb")
		require.True(t, IsAmbiguousError(err))
		assert.Len(t, err.(*AmbiguousError).Matches, 2)
	})
}

func TestFormatAmbiguousError(t *testing.T) {
	matches := make([]string, 12)
	for i := range matches {
		matches[i] = fmt.Sprintf("abcdef%02d-0000-4000-8000-000000000000", i)
	}

	msg := FormatAmbiguousError(&AmbiguousError{ShortID: "abcdef", Matches: matches})
	assert.Contains(t, msg, "matches 12 negotiations")
	assert.Contains(t, msg, "...and 2 more")
	assert.Equal(t, 10, strings.Count(msg, "-0000-4000-"))
}

package watch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/accord/pkg/negotiation"
)

func setupClient(t *testing.T) *negotiation.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := negotiation.NewClient(&redis.Options{Addr: mr.Addr()}, "watch-test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newRequester(t *testing.T) *negotiation.ContractNegotiation {
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
	return n
}

// syncBuffer is written by the streaming goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamTransitions(t *testing.T) {
	client := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := client.SubscribeTransitionEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	watched := newRequester(t)
	other := newRequester(t)

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- StreamTransitions(ctx, sub, OutputFormatDefault, Filter{NegotiationID: watched.ID}, &out)
	}()

	require.NoError(t, client.PublishTransition(ctx, negotiation.NewTransitionEvent(other, negotiation.StateInitial, negotiation.StateRequesting)))
	require.NoError(t, client.PublishTransition(ctx, negotiation.NewTransitionEvent(watched, negotiation.StateInitial, negotiation.StateRequesting)))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "INITIAL → REQUESTING")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), watched.ID[:8])
	assert.NotContains(t, out.String(), other.ID[:8])
}

type fakeSource struct {
	events chan *negotiation.TransitionEvent
	errs   chan error
}

func (f fakeSource) Events() <-chan *negotiation.TransitionEvent { return f.events }
func (f fakeSource) Errors() <-chan error                        { return f.errs }

func TestStreamTransitionsJSON(t *testing.T) {
	src := fakeSource{events: make(chan *negotiation.TransitionEvent, 2), errs: make(chan error, 1)}

	n := newRequester(t)
	require.NoError(t, n.Fail("policy mismatch", time.Now().UnixMilli()))
	src.errs <- errors.New("bad payload")
	src.events <- negotiation.NewTransitionEvent(n, negotiation.StateInitial, negotiation.StateError)
	close(src.events)

	var out bytes.Buffer
	require.NoError(t, StreamTransitions(context.Background(), src, OutputFormatJSON, Filter{Role: negotiation.RoleRequester}, &out))
	assert.Contains(t, out.String(), `"to":"ERROR"`)
}

func TestFormatEvent(t *testing.T) {
	n := newRequester(t)
	require.NoError(t, n.Fail("retry limit exceeded", 0))
	line := formatEvent(negotiation.NewTransitionEvent(n, negotiation.StateRequesting, negotiation.StateError))

	assert.Contains(t, line, "❌")
	assert.Contains(t, line, "REQUESTING → ERROR")
	assert.Contains(t, line, "(retry limit exceeded)")

	assert.Equal(t, "✅", icon(negotiation.StateFinalized))
	assert.Equal(t, "🔄", icon(negotiation.StateOffered))
}

func TestPollForState(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()
	terminal := func(s negotiation.State) bool { return s.Terminal() }

	t.Run("returns once the state matches", func(t *testing.T) {
		n := newRequester(t)
		require.NoError(t, client.Save(ctx, n))

		go func() {
			time.Sleep(300 * time.Millisecond)
			update := n.Clone()
			_ = update.Fail("gave up", time.Now().UnixMilli())
			_ = client.Save(ctx, update)
		}()

		found, err := PollForState(ctx, client, n.ID, terminal, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, negotiation.StateError, found.State)
	})

	t.Run("times out", func(t *testing.T) {
		n := newRequester(t)
		require.NoError(t, client.Save(ctx, n))

		_, err := PollForState(ctx, client, n.ID, terminal, 300*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "state: INITIAL")
	})

	t.Run("missing negotiation times out", func(t *testing.T) {
		_, err := PollForState(ctx, client, "00000000-0000-0000-0000-000000000000", terminal, 250*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "state: missing")
	})
}

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/accord/pkg/negotiation"
)

func startNatsServer(t *testing.T) *natsserver.Server {
	t.Helper()
	serv, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	ready := make(chan bool)
	go func() {
		ready <- true
		serv.Start()
	}()
	<-ready

	if !serv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("nats-io server failed to start")
	}
	t.Cleanup(serv.Shutdown)

	return serv
}

func connect(t *testing.T, srv *natsserver.Server) *nats.Conn {
	t.Helper()
	conn, err := Connect(srv.ClientURL(), t.Name())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func listen(t *testing.T, conn *nats.Conn, subject string, handler Handler) {
	t.Helper()
	l := NewListener(conn, subject, "accord", handler, time.Second, zerolog.Nop())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })
	require.NoError(t, conn.Flush())
}

func TestNATSGatewayOutcomes(t *testing.T) {
	srv := startNatsServer(t)
	conn := connect(t, srv)
	gw := NewNATSGateway(conn, 500*time.Millisecond)
	ctx := context.Background()

	var received Message
	listen(t, conn, "accord.provider", func(_ context.Context, msg Message) Reply {
		received = msg
		switch msg.Type {
		case TypeContractRequest:
			return Accepted()
		case TypeAgreementVerification:
			return Retry("agreement not persisted yet")
		default:
			return Rejected("unsupported")
		}
	})

	t.Run("accepted is success", func(t *testing.T) {
		offer := negotiation.Offer{ID: "def-1:x", AssetID: "A1"}
		res := gw.Send(ctx, Message{Type: TypeContractRequest, ProcessID: "p-1", Offer: &offer}, "accord.provider")
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.NoError(t, res.Err)
		assert.Equal(t, "p-1", received.ProcessID)
		require.NotNil(t, received.Offer)
		assert.Equal(t, "A1", received.Offer.AssetID)
	})

	t.Run("retry reply is retryable", func(t *testing.T) {
		res := gw.Send(ctx, Message{Type: TypeAgreementVerification}, "accord.provider")
		assert.Equal(t, OutcomeRetryable, res.Outcome)
		assert.Contains(t, res.Err.Error(), "agreement not persisted yet")
	})

	t.Run("rejected reply is fatal", func(t *testing.T) {
		res := gw.Send(ctx, Message{Type: TypeTermination}, "accord.provider")
		assert.Equal(t, OutcomeFatal, res.Outcome)
		assert.Contains(t, res.Err.Error(), "rejected by counterparty: unsupported")
	})

	t.Run("no responders is retryable", func(t *testing.T) {
		res := gw.Send(ctx, Message{Type: TypeContractRequest}, "accord.nobody")
		assert.Equal(t, OutcomeRetryable, res.Outcome)
		assert.True(t, errors.Is(res.Err, nats.ErrNoResponders))
	})
}

func TestNATSGatewayTimeoutIsRetryable(t *testing.T) {
	srv := startNatsServer(t)
	conn := connect(t, srv)

	// A subscriber that never answers.
	sub, err := conn.Subscribe("accord.slow", func(*nats.Msg) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	res := NewNATSGateway(conn, 100*time.Millisecond).Send(context.Background(), Message{Type: TypeContractOffer}, "accord.slow")
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.Contains(t, res.Err.Error(), "timed out")
}

func TestListenerRejectsMalformedMessages(t *testing.T) {
	srv := startNatsServer(t)
	conn := connect(t, srv)
	listen(t, conn, "accord.provider", func(context.Context, Message) Reply {
		t.Error("handler must not be called")
		return Accepted()
	})

	resp, err := conn.Request("accord.provider", []byte("{not json"), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"rejected","detail":"malformed message"}`, string(resp.Data))
}

type stubGateway struct{ result Result }

func (s stubGateway) Send(context.Context, Message, string) Result { return s.result }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("dsp-nats", stubGateway{result: Success()})

	assert.Equal(t, OutcomeSuccess, r.Send(context.Background(), "dsp-nats", Message{}, "x").Outcome)

	res := r.Send(context.Background(), "ids-multipart", Message{}, "x")
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Contains(t, res.Err.Error(), "ids-multipart")

	assert.Equal(t, "retryable", OutcomeRetryable.String())
}

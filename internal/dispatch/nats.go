package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Connect dials the NATS server, retrying up to five times with exponential
// delay before giving up.
func Connect(url, name string) (*nats.Conn, error) {
	opts := nats.GetDefaultOptions()
	opts.Url = url
	opts.Name = name
	opts.ReconnectWait = 2 * time.Second
	opts.MaxReconnect = -1

	const maxRetries = 5

	var conn *nats.Conn
	retrier := retry.NewRetrier(maxRetries, 100*time.Millisecond, opts.ReconnectWait)
	err := retrier.Run(func() error {
		var err error
		conn, err = opts.Connect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// NATSGateway sends messages as NATS requests on the counterparty address
// subject and classifies the reply.
type NATSGateway struct {
	conn    *nats.Conn
	timeout time.Duration
}

var _ Gateway = (*NATSGateway)(nil)

// NewNATSGateway creates a gateway bounding every request by timeout.
func NewNATSGateway(conn *nats.Conn, timeout time.Duration) *NATSGateway {
	return &NATSGateway{conn: conn, timeout: timeout}
}

// Send implements Gateway. Transport failures (timeouts, no responders, a
// closed connection) are retryable; a rejected reply is fatal.
func (g *NATSGateway) Send(ctx context.Context, msg Message, address string) Result {
	data, err := json.Marshal(msg)
	if err != nil {
		return Fatal(fmt.Errorf("failed to encode %s: %w", msg.Type, err))
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.conn.RequestWithContext(ctx, address, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return Retryable(fmt.Errorf("no responders on %s: %w", address, err))
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return Retryable(fmt.Errorf("timed out sending %s to %s: %w", msg.Type, address, err))
		default:
			return Retryable(fmt.Errorf("failed to send %s to %s: %w", msg.Type, address, err))
		}
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Fatal(fmt.Errorf("malformed reply from %s: %w", address, err))
	}

	switch reply.Status {
	case ReplyAccepted:
		return Success()
	case ReplyRetry:
		return Retryable(fmt.Errorf("%s deferred by counterparty: %s", msg.Type, reply.Detail))
	case ReplyRejected:
		return Fatal(fmt.Errorf("%s rejected by counterparty: %s", msg.Type, reply.Detail))
	default:
		return Fatal(fmt.Errorf("unknown reply status %q from %s", reply.Status, address))
	}
}

// Handler processes one inbound message and produces the reply.
type Handler func(ctx context.Context, msg Message) Reply

// Listener serves inbound protocol messages on a NATS subject. Replicas of the
// same instance share the subject through a queue group.
type Listener struct {
	conn    *nats.Conn
	subject string
	queue   string
	handler Handler
	timeout time.Duration
	log     zerolog.Logger
	sub     *nats.Subscription
}

// NewListener creates a listener; call Start to subscribe.
func NewListener(conn *nats.Conn, subject, queue string, handler Handler, timeout time.Duration, log zerolog.Logger) *Listener {
	return &Listener{
		conn:    conn,
		subject: subject,
		queue:   queue,
		handler: handler,
		timeout: timeout,
		log:     log.With().Str("component", "listener").Str("subject", subject).Logger(),
	}
}

// Start subscribes. Handlers run with a context derived from ctx.
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.conn.QueueSubscribe(l.subject, l.queue, func(m *nats.Msg) {
		l.serve(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.subject, err)
	}
	l.sub = sub
	l.log.Info().Msg("Listening for protocol messages")
	return nil
}

func (l *Listener) serve(ctx context.Context, m *nats.Msg) {
	var reply Reply

	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		reply = Rejected("malformed message")
	} else {
		handlerCtx := ctx
		if l.timeout > 0 {
			var cancel context.CancelFunc
			handlerCtx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		reply = l.handler(handlerCtx, msg)
		l.log.Debug().
			Str("type", string(msg.Type)).
			Str("process_id", msg.ProcessID).
			Str("status", string(reply.Status)).
			Msg("Handled protocol message")
	}

	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	if err := m.Respond(data); err != nil {
		l.log.Warn().Err(err).Msg("Failed to send reply")
	}
}

// Stop drains the subscription so in-flight messages finish.
func (l *Listener) Stop() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Drain()
}

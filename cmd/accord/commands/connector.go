package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/accord/internal/api"
	"github.com/dyluth/accord/internal/catalog"
	"github.com/dyluth/accord/internal/command"
	"github.com/dyluth/accord/internal/config"
	"github.com/dyluth/accord/internal/dispatch"
	"github.com/dyluth/accord/internal/engine"
	"github.com/dyluth/accord/internal/iam"
	"github.com/dyluth/accord/internal/observe"
	"github.com/dyluth/accord/internal/policy"
	"github.com/dyluth/accord/internal/retry"
	"github.com/dyluth/accord/internal/validation"
	"github.com/dyluth/accord/pkg/negotiation"
)

const tokenTTL = 5 * time.Minute

// callbackAddress is where the requester side of a connector listens.
func callbackAddress(address string) string {
	return address + ".callback"
}

// connector is one participant: both role engines, the protocol listeners
// and the management API over a shared store.
type connector struct {
	cfg       *config.AccordConfig
	log       zerolog.Logger
	store     *storeHandle
	conn      *nats.Conn
	engines   []*engine.Engine
	listeners []*dispatch.Listener
	router    http.Handler
}

func newConnector(rt *config.Runtime, cfg *config.AccordConfig, store *storeHandle, conn *nats.Conn, log zerolog.Logger) (*connector, error) {
	observers := []observe.Observer{observe.LogObserver{Log: log}}
	if store.redis != nil {
		observers = append(observers, observe.PublishObserver{Publisher: store.redis, Log: log})
	}
	notifier := observe.New(log, observers...)

	registry := dispatch.NewRegistry()
	registry.Register(cfg.Protocol, dispatch.NewNATSGateway(conn, cfg.Engine.SendTimeout))

	evaluator := policy.NewEvaluator()
	cat := catalog.New(cfg.Catalog, evaluator)
	gate := validation.NewGate(cat, cat, cat, evaluator, time.Now)
	issuer := iam.NewIssuer(rt.JWTSecret, cfg.ParticipantID, cfg.Claims, tokenTTL)
	parser := iam.NewParser(rt.JWTSecret)

	c := &connector{cfg: cfg, log: log, store: store, conn: conn}

	// The requester loop drains the queue; committed commands wake both loops.
	queue := command.NewQueue(cfg.Commands.Capacity)
	runner := command.NewRunner(queue, store.store, nil, notifier, cfg.Commands.Drain, log).WithWake(c.nudge)

	roles := []struct {
		role     negotiation.Role
		settings *config.RoleConfig
		address  string
		deps     engine.Deps
	}{
		{negotiation.RoleRequester, cfg.Requester, callbackAddress(cfg.Address), engine.Deps{Commands: runner, Queue: queue}},
		{negotiation.RoleOfferer, cfg.Offerer, cfg.Address, engine.Deps{}},
	}

	for _, r := range roles {
		deps := r.deps
		deps.Store = store.store
		deps.Dispatcher = registry
		deps.Tokens = issuer
		deps.Notifier = notifier
		deps.Log = log

		e, err := engine.New(engine.Config{
			Role:              r.role,
			ParticipantID:     cfg.ParticipantID,
			CallbackAddress:   r.address,
			BatchSize:         r.settings.BatchSize,
			IdleWait:          cfg.Engine.IdleWait,
			LeaseTTL:          cfg.Engine.LeaseTTL,
			Parallelism:       cfg.Engine.Parallelism,
			AgreementValidity: r.settings.AgreementValidity,
			Retry:             retry.New(*r.settings.SendRetryLimit, r.settings.SendRetryBaseDelay, r.settings.SendRetryMaxDelay),
		}, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s engine: %w", r.role, err)
		}
		c.engines = append(c.engines, e)
	}

	protocol := engine.NewProtocol(engine.ProtocolConfig{
		ParticipantID: cfg.ParticipantID,
		Claims:        cfg.Claims,
		Protocol:      cfg.Protocol,
		AutoAgree:     *cfg.Offerer.AutoAgree,
	}, store.store, gate, parser, notifier, c.nudge, log)

	for i, r := range roles {
		c.listeners = append(c.listeners, dispatch.NewListener(
			conn, r.address, "accord-"+rt.Instance, protocol.Handler(c.engines[i].Role()), cfg.Engine.SendTimeout, log))
	}

	handler := api.NewHandler(api.Deps{
		ParticipantID: cfg.ParticipantID,
		Store:         store.store,
		Initiator:     protocol,
		Commands:      queue,
		Catalog:       cat,
		Health:        store.store,
	}, log)
	c.router = api.NewRouter(handler, api.Auth(parser), rt.Environment, log)

	return c, nil
}

func (c *connector) nudge() {
	for _, e := range c.engines {
		e.Nudge()
	}
}

// run serves protocol messages and drives both engines until ctx is done.
func (c *connector) run(ctx context.Context) error {
	for _, l := range c.listeners {
		if err := l.Start(ctx); err != nil {
			return multierr.Append(err, c.stopListeners())
		}
	}
	if err := c.conn.Flush(); err != nil {
		return multierr.Append(fmt.Errorf("failed to flush subscriptions: %w", err), c.stopListeners())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range c.engines {
		e := e
		g.Go(func() error { return e.Run(gctx) })
	}
	err := g.Wait()
	return multierr.Append(err, c.stopListeners())
}

func (c *connector) stopListeners() error {
	var err error
	for _, l := range c.listeners {
		err = multierr.Append(err, l.Stop())
	}
	return err
}

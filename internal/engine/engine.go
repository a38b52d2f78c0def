// Package engine runs the negotiation state machine.
//
// One Engine runs per role. Each cycle it applies pending commands, leases a
// batch of due negotiations and runs the step its transition table binds to
// their state. Inbound protocol messages are handled by Protocol.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/accord/internal/command"
	"github.com/dyluth/accord/internal/dispatch"
	"github.com/dyluth/accord/internal/observe"
	"github.com/dyluth/accord/internal/retry"
	"github.com/dyluth/accord/pkg/negotiation"
)

// Dispatcher sends a protocol message using the negotiation's protocol.
// dispatch.Registry implements it.
type Dispatcher interface {
	Send(ctx context.Context, protocol string, msg dispatch.Message, address string) dispatch.Result
}

// TokenIssuer signs the participant token attached to outbound messages.
type TokenIssuer interface {
	Issue(audience string) (string, error)
}

// Config holds the per-role loop settings.
type Config struct {
	Role              negotiation.Role
	ParticipantID     string
	CallbackAddress   string // Where the counterparty answers this role
	WorkerID          string // Lease owner; generated when empty
	BatchSize         int
	IdleWait          time.Duration
	LeaseTTL          time.Duration
	Parallelism       int
	AgreementValidity time.Duration // Offerer only
	Retry             retry.Coordinator
}

// Deps are the collaborators shared by both role loops.
type Deps struct {
	Store      negotiation.Store
	Dispatcher Dispatcher
	Tokens     TokenIssuer
	Commands   *command.Runner // Optional
	Queue      *command.Queue  // Optional; wakes the loop on submit
	Notifier   *observe.Observable
	Wait       WaitStrategy // Defaults to NewIdleWait(cfg.IdleWait)
	Log        zerolog.Logger
}

// Engine is the polling loop of one role.
type Engine struct {
	cfg        Config
	table      Table
	store      negotiation.Store
	dispatcher Dispatcher
	tokens     TokenIssuer
	commands   *command.Runner
	queue      *command.Queue
	notifier   *observe.Observable
	wait       WaitStrategy
	nudge      chan struct{}
	log        zerolog.Logger
	now        func() time.Time
}

// New creates an engine for cfg.Role.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Role.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("engine requires a store and a dispatcher")
	}
	if cfg.ParticipantID == "" || cfg.CallbackAddress == "" {
		return nil, fmt.Errorf("engine requires a participant id and a callback address")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("%s-%s", cfg.Role, uuid.New().String()[:8])
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 5 * time.Second
	}

	wait := deps.Wait
	if wait == nil {
		wait = NewIdleWait(cfg.IdleWait)
	}

	return &Engine{
		cfg:        cfg,
		table:      TableFor(cfg.Role),
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		commands:   deps.Commands,
		queue:      deps.Queue,
		notifier:   deps.Notifier,
		wait:       wait,
		nudge:      make(chan struct{}, 1),
		log: deps.Log.With().
			Str("component", "engine").
			Str("role", string(cfg.Role)).
			Str("worker_id", cfg.WorkerID).
			Logger(),
		now: time.Now,
	}, nil
}

// Role returns the role this engine drives.
func (e *Engine) Role() negotiation.Role {
	return e.cfg.Role
}

// Nudge wakes the loop if it is idle. Never blocks.
func (e *Engine) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cancellation is observed between cycles
// and while idle; a batch in progress always runs to completion.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Int("batch_size", e.cfg.BatchSize).
		Int("parallelism", e.cfg.Parallelism).
		Dur("idle_wait", e.cfg.IdleWait).
		Msg("Engine started")
	defer e.log.Info().Msg("Engine stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		handled, err := e.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			e.log.Error().Err(err).Msg("Cycle failed")
		}

		if !e.sleep(ctx, e.wait.Next(handled, err)) {
			return nil
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	var ready <-chan struct{}
	if e.queue != nil {
		ready = e.queue.Ready()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-e.nudge:
	case <-ready:
	}
	return true
}

// RunOnce runs a single cycle: pending commands first, then one leased batch.
// Returns how many commands and negotiations were committed.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	handled := 0
	if e.commands != nil {
		handled += e.commands.RunOnce(ctx)
	}

	batch, err := e.store.NextBatch(ctx, negotiation.BatchQuery{
		Role:     e.cfg.Role,
		States:   e.table.States(),
		Max:      e.cfg.BatchSize,
		NowMs:    e.now().UnixMilli(),
		Owner:    e.cfg.WorkerID,
		LeaseTTL: e.cfg.LeaseTTL,
	})
	if err != nil {
		// Whatever was leased before the failure is released by lease expiry.
		return handled, fmt.Errorf("failed to lease batch: %w", err)
	}
	if len(batch) == 0 {
		return handled, nil
	}

	committed := make([]bool, len(batch))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Parallelism)
	for i, n := range batch {
		i, n := i, n
		g.Go(func() error {
			committed[i] = e.process(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range committed {
		if ok {
			handled++
		}
	}
	return handled, nil
}

// process runs the step bound to n's state. Any failure other than a lost
// race releases the lease without touching state or attempts.
func (e *Engine) process(ctx context.Context, n *negotiation.ContractNegotiation) (committed bool) {
	log := e.log.With().
		Str("negotiation_id", n.ID).
		Str("state", n.State.String()).
		Int("attempts", n.StateAttempts).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("%v", r)).Msg("Step panicked, releasing lease")
			e.release(ctx, n)
			committed = false
		}
	}()

	s, ok := e.table[n.State]
	if !ok {
		log.Warn().Msg("No step for state, releasing lease")
		e.release(ctx, n)
		return false
	}

	var err error
	switch s.kind {
	case stepAdvance:
		err = e.advance(ctx, n, s)
	case stepSend:
		err = e.send(ctx, n, s)
	}

	switch {
	case err == nil:
		return true
	case errors.Is(err, negotiation.ErrSuperseded):
		log.Debug().Msg("Negotiation progressed concurrently, dropping step")
	default:
		log.Error().Err(err).Msg("Step failed, releasing lease")
	}
	e.release(ctx, n)
	return false
}

func (e *Engine) release(ctx context.Context, n *negotiation.ContractNegotiation) {
	if err := e.store.Release(ctx, n.ID, e.cfg.WorkerID); err != nil {
		e.log.Warn().Err(err).Str("negotiation_id", n.ID).Msg("Failed to release lease")
	}
}

// commit applies mutate to the leased snapshot, clears the lease in the same
// write and notifies observers when the state changed.
func (e *Engine) commit(ctx context.Context, n *negotiation.ContractNegotiation, mutate negotiation.Mutation) (*negotiation.ContractNegotiation, error) {
	saved, from, err := negotiation.Apply(ctx, e.store, n, func(c *negotiation.ContractNegotiation) error {
		if err := mutate(c); err != nil {
			return err
		}
		c.Lease = nil
		return nil
	}, negotiation.SameProgress(n))
	if err != nil {
		return nil, err
	}
	if saved.State != from {
		e.notifier.Notify(ctx, saved, from, saved.State)
		if _, processable := e.table[saved.State]; processable {
			e.Nudge()
		}
	}
	return saved, nil
}

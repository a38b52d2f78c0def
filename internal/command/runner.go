package command

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/accord/internal/observe"
	"github.com/dyluth/accord/pkg/negotiation"
)

// Runner applies queued commands directly to the store.
type Runner struct {
	queue    *Queue
	store    negotiation.Store
	registry Registry
	notifier *observe.Observable
	drain    int
	log      zerolog.Logger
	now      func() time.Time
	wake     func()
}

// NewRunner creates a runner that applies up to drain commands per RunOnce.
func NewRunner(queue *Queue, store negotiation.Store, registry Registry, notifier *observe.Observable, drain int, log zerolog.Logger) *Runner {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if drain < 1 {
		drain = 1
	}
	return &Runner{
		queue:    queue,
		store:    store,
		registry: registry,
		notifier: notifier,
		drain:    drain,
		log:      log.With().Str("component", "command-runner").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source stamped on applied transitions.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithWake sets a hook run after a drain that committed at least one command.
// The runner is driven by a single engine; the hook wakes the loops of the
// other role, whose negotiations a command may have made eligible.
func (r *Runner) WithWake(wake func()) *Runner {
	r.wake = wake
	return r
}

// RunOnce drains and applies pending commands. Returns how many committed.
// Commands that cannot be applied are logged and dropped.
func (r *Runner) RunOnce(ctx context.Context) int {
	applied := 0
	for _, cmd := range r.queue.Drain(r.drain) {
		if r.apply(ctx, cmd) {
			applied++
		}
	}
	if applied > 0 && r.wake != nil {
		r.wake()
	}
	return applied
}

func (r *Runner) apply(ctx context.Context, cmd Command) bool {
	log := r.log.With().
		Str("negotiation_id", cmd.TargetID).
		Str("command", string(cmd.Kind)).
		Logger()

	handler, ok := r.registry[cmd.Kind]
	if !ok {
		log.Warn().Msg("No handler registered for command kind, dropping")
		return false
	}

	n, err := r.store.FindByID(ctx, cmd.TargetID)
	if err != nil {
		if negotiation.IsNotFound(err) {
			log.Warn().Msg("Command targets unknown negotiation, dropping")
		} else {
			log.Error().Err(err).Msg("Failed to load command target, dropping")
		}
		return false
	}

	saved, from, err := negotiation.Apply(ctx, r.store, n, func(current *negotiation.ContractNegotiation) error {
		return handler(current, cmd, r.now().UnixMilli())
	}, nil)
	if err != nil {
		if errors.Is(err, negotiation.ErrIllegalTransition) {
			log.Warn().Err(err).Msg("Command not applicable in current state, dropping")
		} else {
			log.Error().Err(err).Msg("Failed to apply command")
		}
		return false
	}

	log.Info().
		Str("from", from.String()).
		Str("to", saved.State.String()).
		Str("reason", cmd.Reason).
		Msg("Command applied")
	r.notifier.Notify(ctx, saved, from, saved.State)
	return true
}

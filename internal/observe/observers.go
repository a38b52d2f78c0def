package observe

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dyluth/accord/pkg/negotiation"
)

// LogObserver writes one structured line per transition.
type LogObserver struct {
	Log zerolog.Logger
}

// Transitioned implements Observer.
func (l LogObserver) Transitioned(_ context.Context, n *negotiation.ContractNegotiation, from, to negotiation.State) {
	event := l.Log.Info()
	if to == negotiation.StateError {
		event = l.Log.Warn().Str("error_detail", n.ErrorDetail)
	}
	event.
		Str("negotiation_id", n.ID).
		Str("role", string(n.Role)).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("offers", len(n.Offers)).
		Msg("Negotiation transitioned")
}

// Publisher broadcasts transition events, e.g. negotiation.Client.
type Publisher interface {
	PublishTransition(ctx context.Context, event *negotiation.TransitionEvent) error
}

// PublishObserver forwards transitions to a Publisher. Failures are logged
// and otherwise ignored.
type PublishObserver struct {
	Publisher Publisher
	Log       zerolog.Logger
}

// Transitioned implements Observer.
func (p PublishObserver) Transitioned(ctx context.Context, n *negotiation.ContractNegotiation, from, to negotiation.State) {
	if err := p.Publisher.PublishTransition(ctx, negotiation.NewTransitionEvent(n, from, to)); err != nil {
		p.Log.Warn().Err(err).Str("negotiation_id", n.ID).Msg("Failed to publish transition event")
	}
}

package command

import (
	"fmt"

	"github.com/dyluth/accord/pkg/negotiation"
)

// Handler applies one command to a negotiation in place. Returning an error
// drops the command without persisting anything.
type Handler func(n *negotiation.ContractNegotiation, cmd Command, nowMs int64) error

// Registry maps a command kind to its handler.
type Registry map[Kind]Handler

// DefaultRegistry returns the handlers for every built-in kind.
func DefaultRegistry() Registry {
	return Registry{
		KindCancel:       cancel,
		KindDecline:      decline,
		KindAccept:       accept,
		KindCounterOffer: counterOffer,
	}
}

// cancel moves to TERMINATING; the engine then sends the termination message
// carrying cmd.Reason.
func cancel(n *negotiation.ContractNegotiation, cmd Command, nowMs int64) error {
	if err := n.TransitionTo(negotiation.StateTerminating, nowMs); err != nil {
		return err
	}
	n.TerminationReason = cmd.Reason
	return nil
}

// decline ends the negotiation at once without notifying the counterparty.
func decline(n *negotiation.ContractNegotiation, cmd Command, nowMs int64) error {
	if err := n.TransitionTo(negotiation.StateTerminated, nowMs); err != nil {
		return err
	}
	n.TerminationReason = cmd.Reason
	return nil
}

func accept(n *negotiation.ContractNegotiation, _ Command, nowMs int64) error {
	switch {
	case n.Role == negotiation.RoleRequester && n.State == negotiation.StateOffered:
		return n.TransitionTo(negotiation.StateRequesting, nowMs)
	case n.Role == negotiation.RoleOfferer && (n.State == negotiation.StateRequested || n.State == negotiation.StateOffered):
		return n.TransitionTo(negotiation.StateAgreeing, nowMs)
	}
	return fmt.Errorf("%w: cannot accept a %s negotiation in %s", negotiation.ErrIllegalTransition, n.Role, n.State)
}

func counterOffer(n *negotiation.ContractNegotiation, cmd Command, nowMs int64) error {
	if cmd.Offer == nil {
		return fmt.Errorf("%w: counter-offer without offer", ErrInvalidCommand)
	}
	if !negotiation.CanTransition(n.Role, n.State, negotiation.StateOffering) {
		return fmt.Errorf("%w: cannot counter-offer in %s", negotiation.ErrIllegalTransition, n.State)
	}
	n.AppendOffer(*cmd.Offer)
	return n.TransitionTo(negotiation.StateOffering, nowMs)
}

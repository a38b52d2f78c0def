package negotiation

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a transition leaves the role's graph.
var ErrIllegalTransition = errors.New("illegal state transition")

// forwardEdges is the shared shape of both roles' graphs, excluding the
// TERMINATING/TERMINATED/ERROR exits which every non-terminal state has.
var forwardEdges = map[State][]State{
	StateInitial:     {StateRequesting, StateRequested},
	StateRequesting:  {StateRequested, StateOffered, StateAgreed},
	StateRequested:   {StateOffering, StateOffered, StateAgreeing, StateAgreed},
	StateOffering:    {StateOffered},
	StateOffered:     {StateOffering, StateOffered, StateRequesting, StateRequested, StateAgreeing, StateAgreed},
	StateAgreeing:    {StateAgreed, StateVerified},
	StateAgreed:      {StateVerifying, StateVerified},
	StateVerifying:   {StateVerified, StateFinalized},
	StateVerified:    {StateFinalizing, StateFinalized},
	StateFinalizing:  {StateFinalized},
	StateTerminating: {},
}

// roleStates lists the states each role's negotiations may occupy.
var roleStates = map[Role]map[State]bool{
	RoleRequester: setOf(StateInitial, StateRequesting, StateRequested, StateOffering, StateOffered,
		StateAgreed, StateVerifying, StateVerified, StateFinalized,
		StateTerminating, StateTerminated, StateError),
	RoleOfferer: setOf(StateInitial, StateRequested, StateOffering, StateOffered, StateAgreeing,
		StateAgreed, StateVerified, StateFinalizing, StateFinalized,
		StateTerminating, StateTerminated, StateError),
}

func setOf(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether from → to is an edge of role's graph.
func CanTransition(role Role, from, to State) bool {
	allowed := roleStates[role]
	if !allowed[from] || !allowed[to] || from.Terminal() {
		return false
	}
	switch to {
	case StateTerminated, StateError:
		return true
	case StateTerminating:
		return from != StateTerminating
	}
	for _, next := range forwardEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the negotiation to a new state. Attempts reset, and the
// entity becomes eligible for processing immediately.
func (n *ContractNegotiation) TransitionTo(to State, nowMs int64) error {
	if !CanTransition(n.Role, n.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, n.Role, n.State, to)
	}
	if to.AgreementReached() && n.Agreement == nil {
		return fmt.Errorf("%w: %s requires an agreement", ErrIllegalTransition, to)
	}
	n.State = to
	n.StateAttempts = 0
	n.StateTimestampMs = nowMs
	n.UpdatedAtMs = nowMs
	return nil
}

// Fail moves the negotiation to ERROR with a non-empty detail.
func (n *ContractNegotiation) Fail(detail string, nowMs int64) error {
	if detail == "" {
		detail = "unspecified failure"
	}
	if err := n.TransitionTo(StateError, nowMs); err != nil {
		return err
	}
	n.ErrorDetail = detail
	return nil
}

// RetryLater keeps the state and records one more failed send attempt.
func (n *ContractNegotiation) RetryLater(nextEligibleMs, nowMs int64) {
	n.StateAttempts++
	n.StateTimestampMs = nextEligibleMs
	n.UpdatedAtMs = nowMs
}

// AppendOffer adds an offer to the end of the offer history.
func (n *ContractNegotiation) AppendOffer(o Offer) {
	n.Offers = append(n.Offers, o)
}

// SetAgreement records the agreement. It may only happen once.
func (n *ContractNegotiation) SetAgreement(a Agreement) error {
	if n.Agreement != nil {
		return fmt.Errorf("negotiation %s already has agreement %s", n.ID, n.Agreement.ID)
	}
	n.Agreement = &a
	return nil
}

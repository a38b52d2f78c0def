package engine

import (
	"sort"

	"github.com/dyluth/accord/internal/dispatch"
	"github.com/dyluth/accord/pkg/negotiation"
)

type stepKind int

const (
	// stepAdvance moves to the next state without talking to the counterparty.
	stepAdvance stepKind = iota
	// stepSend sends a message and moves on only once it was delivered.
	stepSend
)

// step is what the engine does with a leased negotiation in a given state.
type step struct {
	kind    stepKind
	message dispatch.MessageType
	to      negotiation.State
}

func advance(to negotiation.State) step {
	return step{kind: stepAdvance, to: to}
}

func send(message dispatch.MessageType, to negotiation.State) step {
	return step{kind: stepSend, message: message, to: to}
}

// Table maps each processable state of a role to its step. States missing
// from the table wait for inbound messages or commands.
type Table map[negotiation.State]step

// States returns the processable states in code order.
func (t Table) States() []negotiation.State {
	states := make([]negotiation.State, 0, len(t))
	for s := range t {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// RequesterTable drives negotiations this participant initiated.
var RequesterTable = Table{
	negotiation.StateInitial:     advance(negotiation.StateRequesting),
	negotiation.StateRequesting:  send(dispatch.TypeContractRequest, negotiation.StateRequested),
	negotiation.StateOffering:    send(dispatch.TypeContractOffer, negotiation.StateOffered),
	negotiation.StateAgreed:      advance(negotiation.StateVerifying),
	negotiation.StateVerifying:   send(dispatch.TypeAgreementVerification, negotiation.StateVerified),
	negotiation.StateTerminating: send(dispatch.TypeTermination, negotiation.StateTerminated),
}

// OffererTable drives negotiations this participant answers.
var OffererTable = Table{
	negotiation.StateOffering:    send(dispatch.TypeContractOffer, negotiation.StateOffered),
	negotiation.StateAgreeing:    send(dispatch.TypeContractAgreement, negotiation.StateAgreed),
	negotiation.StateVerified:    advance(negotiation.StateFinalizing),
	negotiation.StateFinalizing:  send(dispatch.TypeFinalization, negotiation.StateFinalized),
	negotiation.StateTerminating: send(dispatch.TypeTermination, negotiation.StateTerminated),
}

// TableFor returns the transition table of role.
func TableFor(role negotiation.Role) Table {
	if role == negotiation.RoleOfferer {
		return OffererTable
	}
	return RequesterTable
}

package negotiation

// TransitionEvent describes one committed state change.
type TransitionEvent struct {
	NegotiationID string               `json:"negotiation_id"`
	Role          Role                 `json:"role"`
	From          State                `json:"from"`
	To            State                `json:"to"`
	TimestampMs   int64                `json:"timestamp_ms"`
	Negotiation   *ContractNegotiation `json:"negotiation"`
}

// NewTransitionEvent builds the event for a snapshot that moved from → to.
func NewTransitionEvent(n *ContractNegotiation, from, to State) *TransitionEvent {
	return &TransitionEvent{
		NegotiationID: n.ID,
		Role:          n.Role,
		From:          from,
		To:            to,
		TimestampMs:   n.UpdatedAtMs,
		Negotiation:   n.Clone(),
	}
}

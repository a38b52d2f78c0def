package negotiation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContractNegotiation is the aggregate root of a negotiation between a requester
// and an offerer. It is mutated only by the engine loop, the command runner and
// the inbound protocol handlers, always through a compare-and-set Save.
type ContractNegotiation struct {
	ID                  string     `json:"id"`                   // UUID assigned at creation
	CorrelationID       string     `json:"correlation_id"`       // Requester's negotiation id; routes inbound messages
	Role                Role       `json:"role"`                 // REQUESTER or OFFERER
	CounterpartyID      string     `json:"counterparty_id"`      // Participant id of the remote side
	CounterpartyAddress string     `json:"counterparty_address"` // Where the remote participant listens
	Protocol            string     `json:"protocol"`             // Dispatch protocol name
	State               State      `json:"state"`                // Current node in the transition graph
	StateAttempts       int        `json:"state_attempts"`       // Consecutive retried sends in State
	StateTimestampMs    int64      `json:"state_timestamp_ms"`   // Earliest time eligible for processing
	Offers              []Offer    `json:"offers"`               // Append-only; last element is current
	Agreement           *Agreement `json:"agreement,omitempty"`  // Set exactly once on reaching AGREED
	ErrorDetail         string     `json:"error_detail,omitempty"`
	TerminationReason   string     `json:"termination_reason,omitempty"` // Given by whoever ended the negotiation
	CreatedAtMs         int64      `json:"created_at_ms"`
	UpdatedAtMs         int64      `json:"updated_at_ms"`
	Version             int64      `json:"version"` // Optimistic concurrency token, bumped on every write
	Lease               *Lease     `json:"lease,omitempty"`
}

// Lease marks a negotiation as exclusively checked out by one worker.
type Lease struct {
	Owner       string `json:"owner"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// Live reports whether the lease is still held at nowMs.
func (l *Lease) Live(nowMs int64) bool {
	return l != nil && l.Owner != "" && l.ExpiresAtMs > nowMs
}

// Role selects which transition table drives a negotiation.
type Role string

const (
	// RoleRequester initiates the negotiation by requesting an offer.
	RoleRequester Role = "REQUESTER"

	// RoleOfferer owns the catalog and answers requests.
	RoleOfferer Role = "OFFERER"
)

// Validate checks if the Role is a valid enum value.
func (r Role) Validate() error {
	switch r {
	case RoleRequester, RoleOfferer:
		return nil
	default:
		return fmt.Errorf("unknown role: %q", r)
	}
}

// Offer is a snapshot of contract terms exchanged during a negotiation.
type Offer struct {
	ID       string `json:"id"` // Contract id: <definitionId>:<uuid>
	AssetID  string `json:"asset_id"`
	Policy   Policy `json:"policy"`
	Provider string `json:"provider"`
	Consumer string `json:"consumer"`
}

// Agreement is the binding outcome of a negotiation.
type Agreement struct {
	ID              string `json:"id"`
	ProviderID      string `json:"provider_id"`
	ConsumerID      string `json:"consumer_id"`
	AssetID         string `json:"asset_id"`
	Policy          Policy `json:"policy"`
	SigningDateMs   int64  `json:"signing_date_ms"`
	ContractStartMs int64  `json:"contract_start_ms"`
	ContractEndMs   int64  `json:"contract_end_ms"`
}

// Policy is a usage policy attached to offers and agreements.
type Policy struct {
	UID          string `json:"uid,omitempty" yaml:"uid,omitempty"`
	Target       string `json:"target,omitempty" yaml:"target,omitempty"`
	Permissions  []Rule `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Prohibitions []Rule `json:"prohibitions,omitempty" yaml:"prohibitions,omitempty"`
	Obligations  []Rule `json:"obligations,omitempty" yaml:"obligations,omitempty"`
}

// Rule is a single permission, prohibition or obligation.
type Rule struct {
	Action      string       `json:"action" yaml:"action"`
	Constraints []Constraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Constraint compares an agent claim (LeftOperand) with a value.
type Constraint struct {
	LeftOperand  string `json:"left_operand" yaml:"left_operand"`
	Operator     string `json:"operator" yaml:"operator"`
	RightOperand string `json:"right_operand" yaml:"right_operand"`
}

// WithTarget returns a copy of the policy bound to target.
func (p Policy) WithTarget(target string) Policy {
	p.Target = target
	return p
}

// Params carries the mandatory inputs of New.
type Params struct {
	Role                Role
	CorrelationID       string
	CounterpartyID      string
	CounterpartyAddress string
	Protocol            string
	Offer               *Offer
	Now                 time.Time
}

// New creates a negotiation in INITIAL. Requesters must supply their initial
// offer; offerers receive it with the incoming request.
func New(p Params) (*ContractNegotiation, error) {
	if err := p.Role.Validate(); err != nil {
		return nil, err
	}
	if p.CounterpartyAddress == "" {
		return nil, fmt.Errorf("counterparty address is required")
	}
	if p.Protocol == "" {
		return nil, fmt.Errorf("protocol is required")
	}
	if p.Role == RoleRequester && p.Offer == nil {
		return nil, fmt.Errorf("requester negotiation requires an initial offer")
	}
	if p.Role == RoleOfferer && p.CorrelationID == "" {
		return nil, fmt.Errorf("offerer negotiation requires the requester's correlation id")
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	id := uuid.New().String()
	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	n := &ContractNegotiation{
		ID:                  id,
		CorrelationID:       correlationID,
		Role:                p.Role,
		CounterpartyID:      p.CounterpartyID,
		CounterpartyAddress: p.CounterpartyAddress,
		Protocol:            p.Protocol,
		State:               StateInitial,
		StateTimestampMs:    now.UnixMilli(),
		Offers:              []Offer{},
		CreatedAtMs:         now.UnixMilli(),
		UpdatedAtMs:         now.UnixMilli(),
	}
	if p.Offer != nil {
		n.Offers = append(n.Offers, *p.Offer)
	}
	return n, nil
}

// LatestOffer returns the current offer or nil when none was exchanged yet.
func (n *ContractNegotiation) LatestOffer() *Offer {
	if len(n.Offers) == 0 {
		return nil
	}
	return &n.Offers[len(n.Offers)-1]
}

// Clone returns a deep copy, so handlers never mutate a shared snapshot.
func (n *ContractNegotiation) Clone() *ContractNegotiation {
	c := *n
	c.Offers = make([]Offer, len(n.Offers))
	copy(c.Offers, n.Offers)
	if n.Agreement != nil {
		a := *n.Agreement
		c.Agreement = &a
	}
	if n.Lease != nil {
		l := *n.Lease
		c.Lease = &l
	}
	return &c
}

// Validate checks if the ContractNegotiation has valid field values.
func (n *ContractNegotiation) Validate() error {
	if !isValidUUID(n.ID) {
		return fmt.Errorf("invalid negotiation ID: not a valid UUID")
	}

	if err := n.Role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}

	if !n.State.Known() {
		return fmt.Errorf("invalid state: %d", int(n.State))
	}

	if n.CounterpartyAddress == "" {
		return fmt.Errorf("counterparty address cannot be empty")
	}

	if n.StateAttempts < 0 {
		return fmt.Errorf("invalid state attempts: must be >= 0, got %d", n.StateAttempts)
	}

	if n.State == StateError && n.ErrorDetail == "" {
		return fmt.Errorf("state ERROR requires an error detail")
	}

	if n.State.AgreementReached() && n.Agreement == nil {
		return fmt.Errorf("state %s requires an agreement", n.State)
	}

	if n.State.BeforeAgreement() && n.Agreement != nil {
		return fmt.Errorf("state %s cannot carry an agreement", n.State)
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

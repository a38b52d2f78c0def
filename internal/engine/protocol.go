package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/accord/internal/dispatch"
	"github.com/dyluth/accord/internal/iam"
	"github.com/dyluth/accord/internal/observe"
	"github.com/dyluth/accord/internal/validation"
	"github.com/dyluth/accord/pkg/negotiation"
)

var (
	// ErrInvalidRequest is returned by Initiate for requests that can never succeed.
	ErrInvalidRequest = errors.New("invalid negotiation request")

	// errDuplicate marks a redelivered message that was already applied.
	errDuplicate = errors.New("message already applied")
	// errNotReady marks a message that arrived before the state it depends on.
	errNotReady = errors.New("negotiation not ready for message")
)

// Validator checks offers and agreements. validation.Gate implements it.
type Validator interface {
	ValidateInitialOffer(agent iam.ParticipantAgent, offer negotiation.Offer) (negotiation.Offer, error)
	ValidateOffer(agent iam.ParticipantAgent, offer negotiation.Offer, latest *negotiation.Offer) error
	ValidateAgreement(agent iam.ParticipantAgent, agreement negotiation.Agreement) error
	ValidateConfirmed(agreement negotiation.Agreement, latest *negotiation.Offer) error
}

// TokenParser verifies the participant token on inbound messages.
type TokenParser interface {
	Parse(raw string) (iam.ClaimToken, error)
}

// ProtocolConfig identifies this participant to the protocol service.
type ProtocolConfig struct {
	ParticipantID string
	Claims        map[string]string
	Protocol      string // Protocol recorded on negotiations created here
	AutoAgree     bool   // Offerer moves a valid request straight to AGREEING
}

// Protocol applies inbound protocol messages to negotiations and creates
// requester negotiations on behalf of the management API.
type Protocol struct {
	cfg       ProtocolConfig
	self      iam.ParticipantAgent
	store     negotiation.Store
	validator Validator
	tokens    TokenParser
	notifier  *observe.Observable
	wake      func()
	log       zerolog.Logger
	now       func() time.Time
}

// NewProtocol creates the protocol service. wake is called after every
// committed change so idle engines pick it up without waiting.
func NewProtocol(cfg ProtocolConfig, store negotiation.Store, validator Validator, tokens TokenParser, notifier *observe.Observable, wake func(), log zerolog.Logger) *Protocol {
	if wake == nil {
		wake = func() {}
	}
	return &Protocol{
		cfg:       cfg,
		self:      iam.ParticipantAgent{Identity: cfg.ParticipantID, Claims: cfg.Claims},
		store:     store,
		validator: validator,
		tokens:    tokens,
		notifier:  notifier,
		wake:      wake,
		log:       log.With().Str("component", "protocol").Logger(),
		now:       time.Now,
	}
}

// InitiateRequest describes a negotiation started by this participant.
type InitiateRequest struct {
	CounterpartyID      string            `json:"counterparty_id"`
	CounterpartyAddress string            `json:"counterparty_address" binding:"required"`
	Protocol            string            `json:"protocol"`
	Offer               negotiation.Offer `json:"offer"`
}

// Initiate creates a requester negotiation in INITIAL. The requester engine
// sends the request on its next cycle.
func (p *Protocol) Initiate(ctx context.Context, req InitiateRequest) (*negotiation.ContractNegotiation, error) {
	offer := req.Offer
	if offer.ID == "" || offer.AssetID == "" {
		return nil, fmt.Errorf("%w: offer id and asset id are required", ErrInvalidRequest)
	}
	if offer.Consumer == "" {
		offer.Consumer = p.cfg.ParticipantID
	}
	if offer.Provider == "" {
		offer.Provider = req.CounterpartyID
	}
	protocol := req.Protocol
	if protocol == "" {
		protocol = p.cfg.Protocol
	}

	n, err := negotiation.New(negotiation.Params{
		Role:                negotiation.RoleRequester,
		CounterpartyID:      req.CounterpartyID,
		CounterpartyAddress: req.CounterpartyAddress,
		Protocol:            protocol,
		Offer:               &offer,
		Now:                 p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := p.store.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to save negotiation: %w", err)
	}

	p.log.Info().
		Str("negotiation_id", n.ID).
		Str("counterparty_address", n.CounterpartyAddress).
		Str("asset_id", offer.AssetID).
		Msg("Negotiation initiated")
	p.wake()
	return n, nil
}

// Handler returns the inbound message handler of role.
func (p *Protocol) Handler(role negotiation.Role) dispatch.Handler {
	return func(ctx context.Context, msg dispatch.Message) dispatch.Reply {
		return p.handle(ctx, role, msg)
	}
}

var inbound = map[negotiation.Role]map[dispatch.MessageType]bool{
	negotiation.RoleOfferer: {
		dispatch.TypeContractRequest:       true,
		dispatch.TypeContractOffer:         true,
		dispatch.TypeAgreementVerification: true,
		dispatch.TypeTermination:           true,
	},
	negotiation.RoleRequester: {
		dispatch.TypeContractOffer:     true,
		dispatch.TypeContractAgreement: true,
		dispatch.TypeFinalization:      true,
		dispatch.TypeTermination:       true,
	},
}

func (p *Protocol) handle(ctx context.Context, role negotiation.Role, msg dispatch.Message) dispatch.Reply {
	log := p.log.With().
		Str("role", string(role)).
		Str("message", string(msg.Type)).
		Str("process_id", msg.ProcessID).
		Str("sender_id", msg.SenderID).
		Logger()

	token, err := p.tokens.Parse(msg.Token)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting message with invalid token")
		return dispatch.Rejected("invalid token")
	}
	if token.Subject != msg.SenderID {
		log.Warn().Str("subject", token.Subject).Msg("Rejecting message with mismatched sender")
		return dispatch.Rejected("token subject does not match sender")
	}
	counterparty := iam.AgentFor(token)

	if !inbound[role][msg.Type] {
		return dispatch.Rejected(fmt.Sprintf("%s is not accepted by the %s", msg.Type, role))
	}

	n, err := p.store.FindByCorrelationID(ctx, role, msg.ProcessID)
	switch {
	case negotiation.IsNotFound(err) && msg.Type == dispatch.TypeContractRequest:
		return p.createFromRequest(ctx, msg, counterparty, log)
	case negotiation.IsNotFound(err):
		return dispatch.Rejected(fmt.Sprintf("unknown process %s", msg.ProcessID))
	case err != nil:
		log.Error().Err(err).Msg("Failed to look up negotiation")
		return dispatch.Retry("store unavailable")
	}
	if n.CounterpartyID != "" && n.CounterpartyID != msg.SenderID {
		return dispatch.Rejected(fmt.Sprintf("unknown process %s", msg.ProcessID))
	}

	log = log.With().Str("negotiation_id", n.ID).Logger()

	var mutate hopMutation
	switch msg.Type {
	case dispatch.TypeContractRequest:
		mutate = p.counterRequest(msg, counterparty)
	case dispatch.TypeContractOffer:
		agent := p.self
		if role == negotiation.RoleOfferer {
			agent = counterparty
		}
		mutate = p.offer(msg, agent)
	case dispatch.TypeContractAgreement:
		mutate = p.agreement(msg)
	case dispatch.TypeAgreementVerification:
		mutate = p.verification(msg, counterparty)
	case dispatch.TypeFinalization:
		mutate = p.finalization
	case dispatch.TypeTermination:
		mutate = p.termination(msg)
	}
	return p.commit(ctx, n, mutate, log)
}

func (p *Protocol) createFromRequest(ctx context.Context, msg dispatch.Message, counterparty iam.ParticipantAgent, log zerolog.Logger) dispatch.Reply {
	now := p.now()
	n, err := negotiation.New(negotiation.Params{
		Role:                negotiation.RoleOfferer,
		CorrelationID:       msg.ProcessID,
		CounterpartyID:      msg.SenderID,
		CounterpartyAddress: msg.CallbackAddress,
		Protocol:            p.cfg.Protocol,
		Now:                 now,
	})
	if err != nil {
		return dispatch.Rejected(err.Error())
	}
	log = log.With().Str("negotiation_id", n.ID).Logger()

	var offer negotiation.Offer
	if msg.Offer != nil {
		offer = *msg.Offer
	}

	var hops []negotiation.State
	normalized, verr := p.validator.ValidateInitialOffer(counterparty, offer)
	if verr != nil {
		if msg.Offer != nil {
			n.AppendOffer(offer)
		}
		if err := n.Fail(verr.Error(), now.UnixMilli()); err != nil {
			return dispatch.Rejected(err.Error())
		}
		hops = append(hops, negotiation.StateError)
	} else {
		n.AppendOffer(normalized)
		if err := moveTo(n, &hops, negotiation.StateRequested, now.UnixMilli()); err != nil {
			return dispatch.Rejected(err.Error())
		}
		if p.cfg.AutoAgree {
			if err := moveTo(n, &hops, negotiation.StateAgreeing, now.UnixMilli()); err != nil {
				return dispatch.Rejected(err.Error())
			}
		}
	}

	if err := p.store.Save(ctx, n); err != nil {
		if negotiation.IsConflict(err) {
			// Another delivery of the same request won the create.
			return dispatch.Retry("request is being processed")
		}
		log.Error().Err(err).Msg("Failed to save negotiation")
		return dispatch.Retry("store unavailable")
	}
	p.notifyHops(ctx, n, negotiation.StateInitial, hops)

	if verr != nil {
		log.Warn().Str("error_detail", n.ErrorDetail).Msg("Contract request rejected")
		return dispatch.Rejected(n.ErrorDetail)
	}
	log.Info().Str("state", n.State.String()).Msg("Contract request accepted")
	p.wake()
	return dispatch.Accepted()
}

// hopMutation is a Mutation that records every state it moves through, so
// each hop is reported to observers.
type hopMutation func(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error

func moveTo(c *negotiation.ContractNegotiation, hops *[]negotiation.State, to negotiation.State, nowMs int64) error {
	if err := c.TransitionTo(to, nowMs); err != nil {
		return err
	}
	*hops = append(*hops, to)
	return nil
}

func (p *Protocol) commit(ctx context.Context, n *negotiation.ContractNegotiation, mutate hopMutation, log zerolog.Logger) dispatch.Reply {
	var hops []negotiation.State
	saved, from, err := negotiation.Apply(ctx, p.store, n, func(c *negotiation.ContractNegotiation) error {
		hops = hops[:0]
		return mutate(c, &hops)
	}, nil)

	var verr *validation.Error
	switch {
	case err == nil:
	case errors.Is(err, errDuplicate):
		log.Debug().Msg("Duplicate message, already applied")
		return dispatch.Accepted()
	case errors.Is(err, errNotReady):
		return dispatch.Retry(err.Error())
	case errors.As(err, &verr):
		p.fail(ctx, n, verr.Reason, log)
		return dispatch.Rejected(verr.Reason)
	case errors.Is(err, negotiation.ErrIllegalTransition):
		log.Warn().Err(err).Msg("Message not applicable in current state")
		return dispatch.Rejected(err.Error())
	default:
		log.Error().Err(err).Msg("Failed to apply message")
		return dispatch.Retry("store unavailable")
	}

	p.notifyHops(ctx, saved, from, hops)
	log.Info().
		Str("from", from.String()).
		Str("to", saved.State.String()).
		Msg("Message applied")
	p.wake()
	return dispatch.Accepted()
}

func (p *Protocol) fail(ctx context.Context, n *negotiation.ContractNegotiation, reason string, log zerolog.Logger) {
	nowMs := p.now().UnixMilli()
	saved, from, err := negotiation.Apply(ctx, p.store, n, func(c *negotiation.ContractNegotiation) error {
		return c.Fail(reason, nowMs)
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("error_detail", reason).Msg("Failed to record validation failure")
		return
	}
	log.Warn().Str("error_detail", reason).Msg("Validation failed")
	p.notifier.Notify(ctx, saved, from, saved.State)
}

func (p *Protocol) notifyHops(ctx context.Context, n *negotiation.ContractNegotiation, from negotiation.State, hops []negotiation.State) {
	prev := from
	for _, to := range hops {
		p.notifier.Notify(ctx, n, prev, to)
		prev = to
	}
}

// counterRequest handles a ContractRequest for an existing negotiation, sent
// after the requester accepted a counter-offer.
func (p *Protocol) counterRequest(msg dispatch.Message, counterparty iam.ParticipantAgent) hopMutation {
	return func(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error {
		if msg.Offer == nil {
			return &validation.Error{Reason: "Mandatory attributes are missing."}
		}
		if latest := c.LatestOffer(); latest != nil && latest.ID == msg.Offer.ID &&
			(c.State == negotiation.StateRequested || c.State == negotiation.StateAgreeing) {
			return errDuplicate
		}
		if err := p.validator.ValidateOffer(counterparty, *msg.Offer, c.LatestOffer()); err != nil {
			return err
		}
		nowMs := p.now().UnixMilli()
		c.AppendOffer(*msg.Offer)
		if err := moveTo(c, hops, negotiation.StateRequested, nowMs); err != nil {
			return err
		}
		if p.cfg.AutoAgree {
			return moveTo(c, hops, negotiation.StateAgreeing, nowMs)
		}
		return nil
	}
}

func (p *Protocol) offer(msg dispatch.Message, agent iam.ParticipantAgent) hopMutation {
	return func(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error {
		if msg.Offer == nil {
			return &validation.Error{Reason: "Mandatory attributes are missing."}
		}
		if latest := c.LatestOffer(); latest != nil && latest.ID == msg.Offer.ID && c.State == negotiation.StateOffered {
			return errDuplicate
		}
		if err := p.validator.ValidateOffer(agent, *msg.Offer, c.LatestOffer()); err != nil {
			return err
		}
		c.AppendOffer(*msg.Offer)
		return moveTo(c, hops, negotiation.StateOffered, p.now().UnixMilli())
	}
}

func (p *Protocol) agreement(msg dispatch.Message) hopMutation {
	return func(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error {
		if msg.Agreement == nil {
			return &validation.Error{Reason: "Mandatory attributes are missing."}
		}
		if c.Agreement != nil && c.Agreement.ID == msg.Agreement.ID {
			return errDuplicate
		}
		if c.State.Terminal() {
			return fmt.Errorf("%w: negotiation is %s", negotiation.ErrIllegalTransition, c.State)
		}
		if err := p.validator.ValidateConfirmed(*msg.Agreement, c.LatestOffer()); err != nil {
			return err
		}
		if err := c.SetAgreement(*msg.Agreement); err != nil {
			return fmt.Errorf("%w: %v", negotiation.ErrIllegalTransition, err)
		}
		return moveTo(c, hops, negotiation.StateAgreed, p.now().UnixMilli())
	}
}

func (p *Protocol) verification(msg dispatch.Message, counterparty iam.ParticipantAgent) hopMutation {
	return func(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error {
		switch c.State {
		case negotiation.StateVerified, negotiation.StateFinalizing, negotiation.StateFinalized:
			return errDuplicate
		}
		if c.Agreement == nil {
			if c.State == negotiation.StateAgreeing {
				return errNotReady
			}
			return fmt.Errorf("%w: %s has no agreement to verify", negotiation.ErrIllegalTransition, c.State)
		}
		if msg.Agreement != nil && msg.Agreement.ID != c.Agreement.ID {
			return &validation.Error{Reason: fmt.Sprintf("Agreement %s does not match %s", msg.Agreement.ID, c.Agreement.ID)}
		}
		if err := p.validator.ValidateAgreement(counterparty, *c.Agreement); err != nil {
			return err
		}
		return moveTo(c, hops, negotiation.StateVerified, p.now().UnixMilli())
	}
}

func (p *Protocol) finalization(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error {
	if c.State == negotiation.StateFinalized {
		return errDuplicate
	}
	return moveTo(c, hops, negotiation.StateFinalized, p.now().UnixMilli())
}

func (p *Protocol) termination(msg dispatch.Message) hopMutation {
	return func(c *negotiation.ContractNegotiation, hops *[]negotiation.State) error {
		if c.State == negotiation.StateTerminated {
			return errDuplicate
		}
		if err := moveTo(c, hops, negotiation.StateTerminated, p.now().UnixMilli()); err != nil {
			return err
		}
		c.TerminationReason = msg.Reason
		return nil
	}
}

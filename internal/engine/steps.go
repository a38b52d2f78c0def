package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dyluth/accord/internal/dispatch"
	"github.com/dyluth/accord/pkg/negotiation"
)

// agreementNamespace seeds the deterministic agreement ids, so re-running an
// AGREEING step after a lost reply re-sends the same agreement.
var agreementNamespace = uuid.MustParse("4f6b1f0e-7a55-4c5e-9d55-0c6a3c1d9b27")

func (e *Engine) advance(ctx context.Context, n *negotiation.ContractNegotiation, s step) error {
	nowMs := e.now().UnixMilli()
	_, err := e.commit(ctx, n, func(c *negotiation.ContractNegotiation) error {
		return c.TransitionTo(s.to, nowMs)
	})
	return err
}

func (e *Engine) send(ctx context.Context, n *negotiation.ContractNegotiation, s step) error {
	log := e.log.With().
		Str("negotiation_id", n.ID).
		Str("message", string(s.message)).
		Logger()

	if e.cfg.Retry.Exhausted(n.StateAttempts) {
		detail := fmt.Sprintf("retry limit exceeded: %s not delivered after %d attempts", s.message, n.StateAttempts)
		log.Warn().Int("attempts", n.StateAttempts).Msg("Retry limit exceeded")
		return e.fail(ctx, n, detail)
	}

	msg, agreement, err := e.buildMessage(n, s.message)
	if err != nil {
		return err
	}

	result := e.dispatcher.Send(ctx, n.Protocol, msg, n.CounterpartyAddress)
	now := e.now()

	switch result.Outcome {
	case dispatch.OutcomeSuccess:
		log.Debug().Msg("Message delivered")
		_, err := e.commit(ctx, n, func(c *negotiation.ContractNegotiation) error {
			if agreement != nil && c.Agreement == nil {
				if err := c.SetAgreement(*agreement); err != nil {
					return err
				}
			}
			return c.TransitionTo(s.to, now.UnixMilli())
		})
		return err

	case dispatch.OutcomeRetryable:
		decision := e.cfg.Retry.Next(n.StateAttempts, now)
		if decision.Exhausted {
			return e.fail(ctx, n, fmt.Sprintf("retry limit exceeded: %v", result.Err))
		}
		log.Info().
			Err(result.Err).
			Int("attempt", n.StateAttempts+1).
			Time("next_eligible_at", decision.NextEligibleAt).
			Msg("Send failed, will retry")
		_, err := e.commit(ctx, n, func(c *negotiation.ContractNegotiation) error {
			c.RetryLater(decision.NextEligibleAt.UnixMilli(), now.UnixMilli())
			return nil
		})
		return err

	default:
		log.Warn().Err(result.Err).Msg("Send failed permanently")
		detail := "send failed"
		if result.Err != nil {
			detail = result.Err.Error()
		}
		return e.fail(ctx, n, detail)
	}
}

func (e *Engine) fail(ctx context.Context, n *negotiation.ContractNegotiation, detail string) error {
	nowMs := e.now().UnixMilli()
	_, err := e.commit(ctx, n, func(c *negotiation.ContractNegotiation) error {
		return c.Fail(detail, nowMs)
	})
	return err
}

// buildMessage assembles the outbound message for n. For ContractAgreement it
// also returns the agreement to record once delivery succeeds.
func (e *Engine) buildMessage(n *negotiation.ContractNegotiation, t dispatch.MessageType) (dispatch.Message, *negotiation.Agreement, error) {
	msg := dispatch.Message{
		Type:            t,
		ProcessID:       n.CorrelationID,
		SenderID:        e.cfg.ParticipantID,
		CallbackAddress: e.cfg.CallbackAddress,
	}

	if e.tokens != nil {
		token, err := e.tokens.Issue(n.CounterpartyID)
		if err != nil {
			return msg, nil, fmt.Errorf("failed to issue token: %w", err)
		}
		msg.Token = token
	}

	switch t {
	case dispatch.TypeContractRequest, dispatch.TypeContractOffer:
		latest := n.LatestOffer()
		if latest == nil {
			return msg, nil, fmt.Errorf("negotiation %s has no offer to send", n.ID)
		}
		offer := *latest
		msg.Offer = &offer

	case dispatch.TypeContractAgreement:
		agreement := n.Agreement
		if agreement == nil {
			built, err := e.agreementFor(n)
			if err != nil {
				return msg, nil, err
			}
			agreement = built
		}
		msg.Agreement = agreement
		return msg, agreement, nil

	case dispatch.TypeAgreementVerification:
		if n.Agreement == nil {
			return msg, nil, fmt.Errorf("negotiation %s has no agreement to verify", n.ID)
		}
		agreement := *n.Agreement
		msg.Agreement = &agreement

	case dispatch.TypeTermination:
		msg.Reason = n.TerminationReason
		if msg.Reason == "" {
			msg.Reason = "terminated by " + e.cfg.ParticipantID
		}
	}
	return msg, nil, nil
}

// agreementFor turns the latest offer into an agreement. The id depends only
// on the negotiation and the offer.
func (e *Engine) agreementFor(n *negotiation.ContractNegotiation) (*negotiation.Agreement, error) {
	latest := n.LatestOffer()
	if latest == nil {
		return nil, fmt.Errorf("negotiation %s has no offer to agree on", n.ID)
	}
	contractID := negotiation.ParseContractID(latest.ID)
	if !contractID.Valid() {
		return nil, fmt.Errorf("offer id %s does not follow the expected schema", latest.ID)
	}

	now := e.now()
	unique := uuid.NewSHA1(agreementNamespace, []byte(n.ID+"|"+latest.ID))
	agreement := &negotiation.Agreement{
		ID:              contractID.DefinitionPart() + ":" + unique.String(),
		ProviderID:      latest.Provider,
		ConsumerID:      latest.Consumer,
		AssetID:         latest.AssetID,
		Policy:          latest.Policy,
		SigningDateMs:   now.UnixMilli(),
		ContractStartMs: now.UnixMilli(),
	}
	if e.cfg.AgreementValidity > 0 {
		agreement.ContractEndMs = now.Add(e.cfg.AgreementValidity).UnixMilli()
	}
	return agreement, nil
}

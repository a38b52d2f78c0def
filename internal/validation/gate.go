// Package validation decides whether offers and agreements exchanged during a
// negotiation are acceptable. A failure is final: the negotiation moves to
// ERROR with the failure's reason and is never retried.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dyluth/accord/internal/catalog"
	"github.com/dyluth/accord/internal/iam"
	"github.com/dyluth/accord/internal/policy"
	"github.com/dyluth/accord/pkg/negotiation"
)

// PolicyEvaluator decides whether agent satisfies a policy in scope.
type PolicyEvaluator interface {
	Evaluate(scope string, p negotiation.Policy, agent iam.ParticipantAgent) error
}

// AssetIndex resolves offer targets.
type AssetIndex interface {
	FindAsset(id string) (*catalog.Asset, bool)
}

// DefinitionResolver returns a definition only when agent may see it.
type DefinitionResolver interface {
	DefinitionFor(agent iam.ParticipantAgent, definitionID string) (*catalog.Definition, bool)
}

// PolicyStore resolves policy definitions by id.
type PolicyStore interface {
	FindPolicy(id string) (*catalog.PolicyDefinition, bool)
}

// Error is a validation failure. Its reason becomes the negotiation's error
// detail.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

func fail(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var v *Error
	return errors.As(err, &v)
}

// Gate runs the ordered validation checks.
type Gate struct {
	definitions DefinitionResolver
	assets      AssetIndex
	policies    PolicyStore
	evaluator   PolicyEvaluator
	now         func() time.Time
}

// NewGate creates a Gate. now defaults to time.Now.
func NewGate(definitions DefinitionResolver, assets AssetIndex, policies PolicyStore, evaluator PolicyEvaluator, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		definitions: definitions,
		assets:      assets,
		policies:    policies,
		evaluator:   evaluator,
		now:         now,
	}
}

// ValidateInitialOffer checks the first offer of a negotiation against the
// catalog and returns the normalized offer.
func (g *Gate) ValidateInitialOffer(agent iam.ParticipantAgent, offer negotiation.Offer) (negotiation.Offer, error) {
	if mandatoryAttributeMissing(offer) {
		return negotiation.Offer{}, fail("Mandatory attributes are missing.")
	}

	contractID := negotiation.ParseContractID(offer.ID)
	if !contractID.Valid() {
		return negotiation.Offer{}, fail("Invalid id: %s", offer.ID)
	}

	definition, ok := g.definitions.DefinitionFor(agent, contractID.DefinitionPart())
	if !ok {
		return negotiation.Offer{}, fail("The ContractDefinition with id %s either does not exist or the access to it is not granted.", contractID.DefinitionPart())
	}

	asset, ok := g.assets.FindAsset(offer.AssetID)
	if !ok || !definition.Covers(asset.ID) {
		return negotiation.Offer{}, fail("Invalid target: %s", offer.AssetID)
	}

	contractPolicy, ok := g.policies.FindPolicy(definition.ContractPolicyID)
	if !ok {
		return negotiation.Offer{}, fail("Policy %s not found", definition.ContractPolicyID)
	}

	bound := contractPolicy.Policy.WithTarget(asset.ID)
	if !PoliciesEqual(bound, offer.Policy) {
		return negotiation.Offer{}, fail("Policy in the contract offer is not equal to the one in the contract definition")
	}

	if err := g.evaluator.Evaluate(policy.ScopeNegotiation, contractPolicy.Policy, agent); err != nil {
		return negotiation.Offer{}, fail("Policy %s not fulfilled", contractPolicy.UID)
	}

	return negotiation.Offer{
		ID:       offer.ID,
		AssetID:  asset.ID,
		Policy:   bound,
		Provider: offer.Provider,
		Consumer: offer.Consumer,
	}, nil
}

// ValidateOffer checks a counter-offer. latest may be nil when no offer has
// been exchanged yet.
func (g *Gate) ValidateOffer(agent iam.ParticipantAgent, offer negotiation.Offer, latest *negotiation.Offer) error {
	if mandatoryAttributeMissing(offer) {
		return fail("Mandatory attributes are missing.")
	}

	if !negotiation.ParseContractID(offer.ID).Valid() {
		return fail("Invalid id: %s", offer.ID)
	}

	if latest != nil && latest.AssetID != offer.AssetID {
		return fail("Invalid target: %s", offer.AssetID)
	}

	if err := g.evaluator.Evaluate(policy.ScopeNegotiation, offer.Policy, agent); err != nil {
		return fail("Policy not fulfilled for ContractOffer %s", offer.ID)
	}
	return nil
}

// ValidateAgreement checks that an agreement is still in force for agent.
func (g *Gate) ValidateAgreement(agent iam.ParticipantAgent, agreement negotiation.Agreement) error {
	contractID := negotiation.ParseContractID(agreement.ID)
	if !contractID.Valid() {
		return fail("ContractId %s does not follow the expected schema.", agreement.ID)
	}

	if err := g.checkValidity(agreement); err != nil {
		return err
	}

	if _, ok := g.definitions.DefinitionFor(agent, contractID.DefinitionPart()); !ok {
		return fail("The ContractDefinition with id %s either does not exist or the access to it is not granted.", contractID.DefinitionPart())
	}

	if err := g.evaluator.Evaluate(policy.ScopeNegotiation, agreement.Policy, agent); err != nil {
		return fail("Policy %s not fulfilled", agreement.Policy.UID)
	}
	return nil
}

// ValidateConfirmed checks an agreement received from the offerer against the
// offer it is supposed to confirm.
func (g *Gate) ValidateConfirmed(agreement negotiation.Agreement, latest *negotiation.Offer) error {
	if !negotiation.ParseContractID(agreement.ID).Valid() {
		return fail("ContractId %s does not follow the expected schema.", agreement.ID)
	}

	if err := g.checkValidity(agreement); err != nil {
		return err
	}

	if latest == nil || !PoliciesEqual(agreement.Policy, latest.Policy) {
		return fail("Policy in the contract agreement is not equal to the one in the contract offer")
	}
	return nil
}

func (g *Gate) checkValidity(agreement negotiation.Agreement) error {
	now := g.now().UnixMilli()
	if agreement.ContractStartMs > now {
		return fail("Agreement %s has not started yet", agreement.ID)
	}
	if agreement.ContractEndMs != 0 && agreement.ContractEndMs < now {
		return fail("Agreement %s has expired", agreement.ID)
	}
	return nil
}

func mandatoryAttributeMissing(offer negotiation.Offer) bool {
	return offer.ID == "" || offer.AssetID == "" || offer.Provider == "" || offer.Consumer == ""
}

var policyEquality = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(negotiation.Policy{}, "UID"),
}

// PoliciesEqual compares policies structurally. The policy UID is an
// identifier, not a term, and is ignored; nil and empty rule lists are equal.
func PoliciesEqual(a, b negotiation.Policy) bool {
	return cmp.Equal(a, b, policyEquality...)
}

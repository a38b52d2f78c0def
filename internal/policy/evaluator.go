// Package policy evaluates usage policies against a participant's claims.
package policy

import (
	"fmt"
	"strings"

	"github.com/dyluth/accord/internal/iam"
	"github.com/dyluth/accord/pkg/negotiation"
)

// Scopes a policy can be evaluated in.
const (
	ScopeNegotiation = "contract.negotiation"
	ScopeCatalog     = "contract.cataloging"
)

// Operators understood by the evaluator.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpIn  = "in" // RightOperand is a comma-separated list
)

// Evaluator checks permissions and prohibitions against agent claims.
//
// A policy passes when every constraint of at least one permission holds
// (or there are no permissions) and no prohibition has all of its constraints
// satisfied. Obligations are not enforced at negotiation time.
type Evaluator struct{}

// NewEvaluator returns the claim-based evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns nil when p is satisfied by agent in scope.
func (e *Evaluator) Evaluate(scope string, p negotiation.Policy, agent iam.ParticipantAgent) error {
	for _, prohibition := range p.Prohibitions {
		ok, err := satisfied(prohibition, agent)
		if err != nil {
			return fmt.Errorf("%s: %w", scope, err)
		}
		if ok && len(prohibition.Constraints) > 0 {
			return fmt.Errorf("%s: prohibited action %q applies to %s", scope, prohibition.Action, agent.Identity)
		}
	}

	if len(p.Permissions) == 0 {
		return nil
	}
	for _, permission := range p.Permissions {
		ok, err := satisfied(permission, agent)
		if err != nil {
			return fmt.Errorf("%s: %w", scope, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%s: no permission granted to %s", scope, agent.Identity)
}

func satisfied(rule negotiation.Rule, agent iam.ParticipantAgent) (bool, error) {
	for _, c := range rule.Constraints {
		ok, err := holds(c, agent)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func holds(c negotiation.Constraint, agent iam.ParticipantAgent) (bool, error) {
	value, present := agent.Claims[c.LeftOperand]
	if c.LeftOperand == "identity" {
		value, present = agent.Identity, true
	}

	switch strings.ToLower(c.Operator) {
	case OpEq:
		return present && value == c.RightOperand, nil
	case OpNeq:
		return !present || value != c.RightOperand, nil
	case OpIn:
		if !present {
			return false, nil
		}
		for _, candidate := range strings.Split(c.RightOperand, ",") {
			if strings.TrimSpace(candidate) == value {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

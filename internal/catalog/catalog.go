// Package catalog holds the offerer's assets, policies and contract
// definitions, loaded from accord.yml.
package catalog

import (
	"sort"

	"github.com/dyluth/accord/internal/config"
	"github.com/dyluth/accord/internal/iam"
	"github.com/dyluth/accord/internal/policy"
	"github.com/dyluth/accord/pkg/negotiation"
)

// Asset is a data asset offers can target.
type Asset struct {
	ID   string
	Name string
}

// PolicyDefinition is a stored, named policy.
type PolicyDefinition struct {
	UID    string
	Policy negotiation.Policy
}

// Definition grants access to assets under a contract policy.
type Definition struct {
	ID               string
	AccessPolicyID   string
	ContractPolicyID string
	AssetIDs         []string
}

// Covers reports whether the definition selects assetID.
func (d *Definition) Covers(assetID string) bool {
	if len(d.AssetIDs) == 0 {
		return true
	}
	for _, id := range d.AssetIDs {
		if id == assetID {
			return true
		}
	}
	return false
}

// Evaluator is the subset of policy.Evaluator the catalog needs.
type Evaluator interface {
	Evaluate(scope string, p negotiation.Policy, agent iam.ParticipantAgent) error
}

// Catalog is an immutable in-memory catalog. Safe for concurrent use.
type Catalog struct {
	assets      map[string]Asset
	policies    map[string]PolicyDefinition
	definitions map[string]Definition
	evaluator   Evaluator
}

// New builds a catalog from validated configuration.
func New(cfg config.CatalogConfig, evaluator Evaluator) *Catalog {
	c := &Catalog{
		assets:      make(map[string]Asset, len(cfg.Assets)),
		policies:    make(map[string]PolicyDefinition, len(cfg.Policies)),
		definitions: make(map[string]Definition, len(cfg.Definitions)),
		evaluator:   evaluator,
	}
	for _, a := range cfg.Assets {
		c.assets[a.ID] = Asset{ID: a.ID, Name: a.Name}
	}
	for _, p := range cfg.Policies {
		pol := p.Policy
		if pol.UID == "" {
			pol.UID = p.ID
		}
		c.policies[p.ID] = PolicyDefinition{UID: p.ID, Policy: pol}
	}
	for _, d := range cfg.Definitions {
		c.definitions[d.ID] = Definition{
			ID:               d.ID,
			AccessPolicyID:   d.AccessPolicy,
			ContractPolicyID: d.ContractPolicy,
			AssetIDs:         append([]string(nil), d.Assets...),
		}
	}
	if c.evaluator == nil {
		c.evaluator = policy.NewEvaluator()
	}
	return c
}

// FindAsset looks up an asset by id.
func (c *Catalog) FindAsset(id string) (*Asset, bool) {
	a, ok := c.assets[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

// FindPolicy looks up a policy definition by id.
func (c *Catalog) FindPolicy(id string) (*PolicyDefinition, bool) {
	p, ok := c.policies[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

// DefinitionFor returns the definition only if its access policy admits agent.
func (c *Catalog) DefinitionFor(agent iam.ParticipantAgent, definitionID string) (*Definition, bool) {
	d, ok := c.definitions[definitionID]
	if !ok {
		return nil, false
	}
	access, ok := c.policies[d.AccessPolicyID]
	if !ok {
		return nil, false
	}
	if err := c.evaluator.Evaluate(policy.ScopeCatalog, access.Policy, agent); err != nil {
		return nil, false
	}
	return &d, true
}

// Offers lists the offers agent may request, one per accessible definition
// and covered asset, ordered by definition then asset.
func (c *Catalog) Offers(agent iam.ParticipantAgent, provider string) []negotiation.Offer {
	var offers []negotiation.Offer
	for _, id := range sortedKeys(c.definitions) {
		d, ok := c.DefinitionFor(agent, id)
		if !ok {
			continue
		}
		contract, ok := c.policies[d.ContractPolicyID]
		if !ok {
			continue
		}
		for _, assetID := range sortedKeys(c.assets) {
			if !d.Covers(assetID) {
				continue
			}
			offers = append(offers, negotiation.Offer{
				ID:       negotiation.NewContractID(d.ID),
				AssetID:  assetID,
				Policy:   contract.Policy.WithTarget(assetID),
				Provider: provider,
				Consumer: agent.Identity,
			})
		}
	}
	return offers
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

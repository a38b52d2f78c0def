package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/accord/pkg/negotiation"
)

// Defaults applied by Validate when a field is omitted.
const (
	DefaultBatchSize      = 5
	DefaultSendRetryLimit = 7
	DefaultBaseDelay      = 100 * time.Millisecond
	DefaultMaxDelay       = time.Minute
	DefaultIdleWait       = 5 * time.Second
	DefaultLeaseTTL       = 60 * time.Second
	DefaultSendTimeout    = 10 * time.Second
	DefaultParallelism    = 2
	DefaultQueueCapacity  = 10
	DefaultDrainPerCycle  = 5
	DefaultProtocol       = "dsp-nats"
	DefaultValidity       = 365 * 24 * time.Hour
)

// AccordConfig represents the top-level accord.yml configuration
type AccordConfig struct {
	Version       string            `yaml:"version"`
	ParticipantID string            `yaml:"participant_id"`   // Identity presented to counterparties
	Address       string            `yaml:"address"`          // Subject this connector listens on
	Claims        map[string]string `yaml:"claims,omitempty"` // Presented in every outbound token
	Protocol      string            `yaml:"protocol,omitempty"`
	Engine        *EngineConfig     `yaml:"engine,omitempty"`
	Commands      *CommandsConfig   `yaml:"commands,omitempty"`
	Requester     *RoleConfig       `yaml:"requester,omitempty"`
	Offerer       *RoleConfig       `yaml:"offerer,omitempty"`
	Catalog       CatalogConfig     `yaml:"catalog"`
}

// EngineConfig holds settings shared by both role loops
type EngineConfig struct {
	IdleWait    time.Duration `yaml:"idle_wait,omitempty"`
	LeaseTTL    time.Duration `yaml:"lease_ttl,omitempty"`
	SendTimeout time.Duration `yaml:"send_timeout,omitempty"`
	Parallelism int           `yaml:"parallelism,omitempty"`
}

// CommandsConfig sizes the command channel
type CommandsConfig struct {
	Capacity int `yaml:"capacity,omitempty"`
	Drain    int `yaml:"drain,omitempty"` // Commands applied per cycle
}

// RoleConfig configures one role's loop and its retry coordinator
type RoleConfig struct {
	BatchSize          int           `yaml:"batch_size,omitempty"`
	SendRetryLimit     *int          `yaml:"send_retry_limit,omitempty"` // 0 fails on the first send
	SendRetryBaseDelay time.Duration `yaml:"send_retry_base_delay,omitempty"`
	SendRetryMaxDelay  time.Duration `yaml:"send_retry_max_delay,omitempty"`
	AutoAgree          *bool         `yaml:"auto_agree,omitempty"`         // Offerer only
	AgreementValidity  time.Duration `yaml:"agreement_validity,omitempty"` // Offerer only
}

// CatalogConfig is the offerer's static catalog
type CatalogConfig struct {
	Assets      []AssetConfig      `yaml:"assets,omitempty"`
	Policies    []PolicyConfig     `yaml:"policies,omitempty"`
	Definitions []DefinitionConfig `yaml:"definitions,omitempty"`
}

// AssetConfig declares an asset that offers may target
type AssetConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// PolicyConfig declares a named policy
type PolicyConfig struct {
	ID     string             `yaml:"id"`
	Policy negotiation.Policy `yaml:"policy"`
}

// DefinitionConfig binds an access policy and a contract policy to assets
type DefinitionConfig struct {
	ID             string   `yaml:"id"`
	AccessPolicy   string   `yaml:"access_policy"`
	ContractPolicy string   `yaml:"contract_policy"`
	Assets         []string `yaml:"assets,omitempty"` // Empty selects every asset
}

// Validate performs strict validation on the configuration and applies defaults
func (c *AccordConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}

	if c.Commands == nil {
		c.Commands = &CommandsConfig{}
	}
	if c.Commands.Capacity == 0 {
		c.Commands.Capacity = DefaultQueueCapacity
	}
	if c.Commands.Drain == 0 {
		c.Commands.Drain = DefaultDrainPerCycle
	}
	if c.Commands.Capacity < 1 || c.Commands.Drain < 1 {
		return fmt.Errorf("commands.capacity and commands.drain must be >= 1")
	}

	if c.Requester == nil {
		c.Requester = &RoleConfig{}
	}
	if err := c.Requester.validate("requester"); err != nil {
		return err
	}
	if c.Offerer == nil {
		c.Offerer = &RoleConfig{}
	}
	if err := c.Offerer.validate("offerer"); err != nil {
		return err
	}
	if c.Offerer.AutoAgree == nil {
		autoAgree := true
		c.Offerer.AutoAgree = &autoAgree
	}
	if c.Offerer.AgreementValidity == 0 {
		c.Offerer.AgreementValidity = DefaultValidity
	}
	if c.Offerer.AgreementValidity < 0 {
		return fmt.Errorf("offerer.agreement_validity must be positive")
	}

	return c.Catalog.validate()
}

func (e *EngineConfig) validate() error {
	if e.IdleWait == 0 {
		e.IdleWait = DefaultIdleWait
	}
	if e.LeaseTTL == 0 {
		e.LeaseTTL = DefaultLeaseTTL
	}
	if e.SendTimeout == 0 {
		e.SendTimeout = DefaultSendTimeout
	}
	if e.Parallelism == 0 {
		e.Parallelism = DefaultParallelism
	}

	if e.IdleWait < 0 || e.LeaseTTL < 0 || e.SendTimeout < 0 {
		return fmt.Errorf("engine durations must be positive")
	}
	if e.Parallelism < 1 {
		return fmt.Errorf("engine.parallelism must be >= 1, got %d", e.Parallelism)
	}
	// Leases must outlive an in-flight send.
	if e.LeaseTTL <= e.SendTimeout {
		return fmt.Errorf("engine.lease_ttl (%s) must exceed engine.send_timeout (%s)", e.LeaseTTL, e.SendTimeout)
	}
	return nil
}

func (r *RoleConfig) validate(name string) error {
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.SendRetryLimit == nil {
		limit := DefaultSendRetryLimit
		r.SendRetryLimit = &limit
	}
	if r.SendRetryBaseDelay == 0 {
		r.SendRetryBaseDelay = DefaultBaseDelay
	}
	if r.SendRetryMaxDelay == 0 {
		r.SendRetryMaxDelay = DefaultMaxDelay
	}

	if r.BatchSize < 1 {
		return fmt.Errorf("%s.batch_size must be >= 1, got %d", name, r.BatchSize)
	}
	if *r.SendRetryLimit < 0 {
		return fmt.Errorf("%s.send_retry_limit must be >= 0, got %d", name, *r.SendRetryLimit)
	}
	if r.SendRetryBaseDelay < 0 || r.SendRetryMaxDelay < r.SendRetryBaseDelay {
		return fmt.Errorf("%s: send_retry_max_delay must be >= send_retry_base_delay > 0", name)
	}
	return nil
}

func (c *CatalogConfig) validate() error {
	assets := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a.ID == "" {
			return fmt.Errorf("catalog: asset id is required")
		}
		if assets[a.ID] {
			return fmt.Errorf("catalog: duplicate asset '%s'", a.ID)
		}
		assets[a.ID] = true
	}

	policies := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if p.ID == "" {
			return fmt.Errorf("catalog: policy id is required")
		}
		if policies[p.ID] {
			return fmt.Errorf("catalog: duplicate policy '%s'", p.ID)
		}
		policies[p.ID] = true
	}

	definitions := make(map[string]bool, len(c.Definitions))
	for _, d := range c.Definitions {
		if d.ID == "" {
			return fmt.Errorf("catalog: definition id is required")
		}
		if definitions[d.ID] {
			return fmt.Errorf("catalog: duplicate definition '%s'", d.ID)
		}
		definitions[d.ID] = true

		if !policies[d.AccessPolicy] {
			return fmt.Errorf("catalog: definition '%s' references unknown access policy '%s'", d.ID, d.AccessPolicy)
		}
		if !policies[d.ContractPolicy] {
			return fmt.Errorf("catalog: definition '%s' references unknown contract policy '%s'", d.ID, d.ContractPolicy)
		}
		for _, asset := range d.Assets {
			if !assets[asset] {
				return fmt.Errorf("catalog: definition '%s' references unknown asset '%s'", d.ID, asset)
			}
		}
	}
	return nil
}

// Load reads and validates accord.yml from the specified path
func Load(path string) (*AccordConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config AccordConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

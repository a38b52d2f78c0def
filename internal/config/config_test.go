package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `version: "1.0"
participant_id: provider
address: accord.provider
offerer:
  auto_agree: false
requester:
  send_retry_limit: 3
  send_retry_base_delay: 250ms
catalog:
  assets:
    - id: A1
      name: Weather feed
  policies:
    - id: open
      policy:
        permissions:
          - action: use
    - id: eu-only
      policy:
        uid: eu-only
        permissions:
          - action: use
            constraints:
              - left_operand: region
                operator: eq
                right_operand: eu
  definitions:
    - id: def-1
      access_policy: open
      contract_policy: eu-only
      assets: [A1]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accord.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "provider", config.ParticipantID)
	assert.Equal(t, DefaultProtocol, config.Protocol)

	// Defaults
	assert.Equal(t, DefaultIdleWait, config.Engine.IdleWait)
	assert.Equal(t, DefaultLeaseTTL, config.Engine.LeaseTTL)
	assert.Equal(t, DefaultSendTimeout, config.Engine.SendTimeout)
	assert.Equal(t, DefaultParallelism, config.Engine.Parallelism)
	assert.Equal(t, DefaultQueueCapacity, config.Commands.Capacity)
	assert.Equal(t, DefaultDrainPerCycle, config.Commands.Drain)
	assert.Equal(t, DefaultBatchSize, config.Offerer.BatchSize)
	assert.Equal(t, DefaultSendRetryLimit, *config.Offerer.SendRetryLimit)
	assert.Equal(t, DefaultMaxDelay, config.Requester.SendRetryMaxDelay)

	// Overrides
	assert.Equal(t, 3, *config.Requester.SendRetryLimit)
	assert.Equal(t, 250*time.Millisecond, config.Requester.SendRetryBaseDelay)
	assert.False(t, *config.Offerer.AutoAgree)

	require.Len(t, config.Catalog.Policies, 2)
	eu := config.Catalog.Policies[1].Policy
	require.Len(t, eu.Permissions, 1)
	assert.Equal(t, "region", eu.Permissions[0].Constraints[0].LeftOperand)
	assert.Equal(t, "eu", eu.Permissions[0].Constraints[0].RightOperand)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/accord.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, "version: \"1.0\"\ncatalog:\n  - this is invalid\n    yaml syntax\n"))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate(t *testing.T) {
	base := func() *AccordConfig {
		return &AccordConfig{Version: "1.0", ParticipantID: "p", Address: "accord.p"}
	}

	t.Run("defaults auto_agree to true", func(t *testing.T) {
		c := base()
		require.NoError(t, c.Validate())
		assert.True(t, *c.Offerer.AutoAgree)
	})

	t.Run("zero retry limit is kept", func(t *testing.T) {
		c := base()
		zero := 0
		c.Requester = &RoleConfig{SendRetryLimit: &zero}
		require.NoError(t, c.Validate())
		assert.Equal(t, 0, *c.Requester.SendRetryLimit)
	})

	tests := []struct {
		name    string
		mutate  func(c *AccordConfig)
		wantErr string
	}{
		{"unsupported version", func(c *AccordConfig) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"missing participant", func(c *AccordConfig) { c.ParticipantID = "" }, "participant_id is required"},
		{"missing address", func(c *AccordConfig) { c.Address = "" }, "address is required"},
		{"negative parallelism", func(c *AccordConfig) { c.Engine = &EngineConfig{Parallelism: -1} }, "engine.parallelism"},
		{"lease shorter than send", func(c *AccordConfig) {
			c.Engine = &EngineConfig{LeaseTTL: time.Second, SendTimeout: 2 * time.Second}
		}, "must exceed engine.send_timeout"},
		{"negative batch", func(c *AccordConfig) { c.Offerer = &RoleConfig{BatchSize: -2} }, "offerer.batch_size"},
		{"max below base", func(c *AccordConfig) {
			c.Requester = &RoleConfig{SendRetryBaseDelay: time.Second, SendRetryMaxDelay: time.Millisecond}
		}, "send_retry_max_delay"},
		{"unknown policy", func(c *AccordConfig) {
			c.Catalog = CatalogConfig{Definitions: []DefinitionConfig{{ID: "d", AccessPolicy: "x", ContractPolicy: "x"}}}
		}, "unknown access policy 'x'"},
		{"unknown asset", func(c *AccordConfig) {
			c.Catalog = CatalogConfig{
				Policies:    []PolicyConfig{{ID: "p"}},
				Definitions: []DefinitionConfig{{ID: "d", AccessPolicy: "p", ContractPolicy: "p", Assets: []string{"A9"}}},
			}
		}, "unknown asset 'A9'"},
		{"duplicate asset", func(c *AccordConfig) {
			c.Catalog = CatalogConfig{Assets: []AssetConfig{{ID: "A1"}, {ID: "A1"}}}
		}, "duplicate asset 'A1'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnv(t *testing.T) {
	t.Run("reads environment with defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "0123456789abcdef-secret")
		t.Setenv("ACCORD_INSTANCE", "edge-1")

		rt, err := LoadEnv()
		require.NoError(t, err)
		assert.Equal(t, "edge-1", rt.Instance)
		assert.Equal(t, "development", rt.Environment)
		assert.Equal(t, "redis://localhost:6379", rt.RedisURL)
		assert.False(t, rt.Production())
	})

	t.Run("requires a jwt secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := LoadEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
	})
}

func TestValidateInstanceName(t *testing.T) {
	for _, name := range []string{"default", "edge-1", "a", "a1b2"} {
		assert.NoError(t, ValidateInstanceName(name), name)
	}
	for _, name := range []string{"", "-edge", "edge-", "Edge", "edge_1", strings.Repeat("a", 64)} {
		assert.Error(t, ValidateInstanceName(name), name)
	}

	t.Setenv("JWT_SECRET", "0123456789abcdef-secret")
	t.Setenv("ACCORD_INSTANCE", "Not Valid")
	_, err := LoadEnv()
	assert.ErrorContains(t, err, "invalid instance name")
}

// Package config loads the daemon configuration from the environment.
// The loaded struct is injected into the components that need it; there
// is no global instance.
package config

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the daemon. Secrets are never read from
// the environment; the recovery CLI prompts for them on a terminal.
type Config struct {
	ListenAddr string `envconfig:"BLIRP_LISTEN_ADDR" default:"127.0.0.1:7180"`
	UIOrigin   string `envconfig:"BLIRP_UI_ORIGIN" default:"http://localhost:3000"`

	ChainID     uint64 `envconfig:"BLIRP_CHAIN_ID" default:"8453"`
	ChainRPCURL string `envconfig:"BLIRP_CHAIN_RPC_URL" default:"https://mainnet.base.org"`

	RelayURL     string `envconfig:"BLIRP_RELAY_URL" default:"https://relay.blirp.me"`
	DirectoryURL string `envconfig:"BLIRP_DIRECTORY_URL" default:"https://directory.blirp.me"`

	// Delegations maps chain id to the delegation contract used for
	// smart-account upgrades on that chain, e.g. "8453:0xabc...,1:0xdef...".
	Delegations map[string]string `envconfig:"BLIRP_DELEGATIONS" default:"8453:0x000000000000000000000000000000000000b1b1"`

	// FeeToken optionally pays smart-account fees in a stablecoin.
	FeeToken string `envconfig:"BLIRP_FEE_TOKEN"`

	// DataDir overrides the default per-user data directory.
	DataDir string `envconfig:"BLIRP_DATA_DIR"`

	// DevMode swaps the platform passkey ceremony for the in-memory
	// software authenticator. Never enable outside development.
	DevMode bool `envconfig:"BLIRP_DEV_MODE" default:"false"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errors.Wrap(err, "config: process environment")
	}
	return cfg, nil
}

// DelegationMap parses the Delegations entries into typed form.
func (c *Config) DelegationMap() (map[uint64]common.Address, error) {
	out := make(map[uint64]common.Address, len(c.Delegations))
	for k, v := range c.Delegations {
		chainID, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "config: delegation chain id %q", k)
		}
		if !common.IsHexAddress(v) {
			return nil, errors.Newf("config: delegation address %q is not an address", v)
		}
		out[chainID] = common.HexToAddress(v)
	}
	if _, ok := out[c.ChainID]; !ok {
		return nil, errors.Newf("config: no delegation contract for chain %d", c.ChainID)
	}
	return out, nil
}

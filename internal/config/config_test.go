package config

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7180", cfg.ListenAddr)
	assert.Equal(t, uint64(8453), cfg.ChainID)
	assert.False(t, cfg.DevMode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BLIRP_CHAIN_ID", "1")
	t.Setenv("BLIRP_DELEGATIONS", "1:0x00000000000000000000000000000000000000aa")
	t.Setenv("BLIRP_DEV_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.ChainID)
	assert.True(t, cfg.DevMode)

	dels, err := cfg.DelegationMap()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), dels[1])
}

func TestDelegationMapValidation(t *testing.T) {
	cfg := &Config{ChainID: 8453, Delegations: map[string]string{"8453": "not-an-address"}}
	_, err := cfg.DelegationMap()
	require.Error(t, err)

	cfg = &Config{ChainID: 10, Delegations: map[string]string{"8453": "0x00000000000000000000000000000000000000aa"}}
	_, err = cfg.DelegationMap()
	require.Error(t, err)
}

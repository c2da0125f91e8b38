package config

import (
	"testing"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvPollingInterval(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    time.Duration
		wantErr bool
	}{
		{"default", "", DefaultPollingInterval * time.Second, false},
		{"custom", "3", 3 * time.Second, false},
		{"zero", "0", 0, true},
		{"not a number", "fast", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POLLING_INTERVAL", tt.value)
			got, err := GetEnvPollingInterval()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvClaimRetryBackoff(t *testing.T) {
	t.Setenv("CLAIM_RETRY_BACKOFF", "0")
	t.Setenv("CLAIM_RETRY_BACKOFF_MAX", "")
	base, max, err := GetEnvClaimRetryBackoff()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), base)
	assert.Equal(t, DefaultClaimRetryBackoffMax*time.Second, max)

	t.Setenv("CLAIM_RETRY_BACKOFF", "300")
	_, _, err = GetEnvClaimRetryBackoff()
	assert.Error(t, err)
}

func TestGetEnvTimelocks(t *testing.T) {
	t.Setenv("SOURCE_TIMELOCK_BCH", "14400")
	t.Setenv("DEST_TIMELOCK_SOL", "1800")

	timelocks, err := GetEnvTimelocks()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, timelocks.Source[models.ChainBCH])
	assert.Equal(t, 30*time.Minute, timelocks.Dest[models.ChainSolana])
	assert.Equal(t, DefaultDestTimelock*time.Second, timelocks.Dest[models.ChainMovement])
	assert.Equal(t, DefaultTimelockSafetyMargin*time.Second, timelocks.SafetyMargin)
}

func TestGetEnvChainConfigs(t *testing.T) {
	t.Setenv("BCH_PRIVATE_KEY_WIF", "")
	bch, err := GetEnvBCHConfig(testnet)
	require.NoError(t, err)
	assert.Nil(t, bch, "chain without key is disabled")

	t.Setenv("BCH_PRIVATE_KEY_WIF", "wif")
	t.Setenv("BCH_ELECTRUM_URL", "")
	t.Setenv("BCH_MIN_CONFIRMATIONS", "")
	bch, err = GetEnvBCHConfig(testnet)
	require.NoError(t, err)
	assert.Equal(t, DefaultBCHTestnetElectrumURL, bch.ElectrumURL)
	assert.Zero(t, bch.MinConfirmations)

	t.Setenv("BCH_MIN_CONFIRMATIONS", "2")
	bch, err = GetEnvBCHConfig(testnet)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bch.MinConfirmations)

	t.Setenv("BCH_MIN_CONFIRMATIONS", "-1")
	_, err = GetEnvBCHConfig(testnet)
	assert.Error(t, err)

	t.Setenv("SOLANA_PRIVATE_KEY", "key")
	t.Setenv("SOLANA_RPC_URL", "")
	sol, err := GetEnvSolanaConfig(mainnet)
	require.NoError(t, err)
	assert.Equal(t, DefaultSolanaMainnetRPCURL, sol.RPCURL)
	assert.Equal(t, DefaultSolanaProgramID, sol.ProgramID)

	t.Setenv("MOVEMENT_PRIVATE_KEY", "key")
	t.Setenv("MOVEMENT_MAX_GAS", "-1")
	_, err = GetEnvMovementConfig(testnet)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("BCH_PRIVATE_KEY_WIF", "")
	t.Setenv("SOLANA_PRIVATE_KEY", "sol-key")
	t.Setenv("MOVEMENT_PRIVATE_KEY", "move-key")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []models.Chain{models.ChainSolana, models.ChainMovement}, cfg.EnabledChains())
	assert.Equal(t, 7, cfg.WorkerCount)
	assert.Equal(t, DefaultMaxFillRetries, cfg.Retry.MaxFillRetries)
	assert.Nil(t, cfg.BCH)
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("BCH_PRIVATE_KEY_WIF", "")
	t.Setenv("SOLANA_PRIVATE_KEY", "sol-key")
	t.Setenv("MOVEMENT_PRIVATE_KEY", "")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "at least two chains")

	t.Setenv("MOVEMENT_PRIVATE_KEY", "move-key")
	t.Setenv("DEST_TIMELOCK_MOVE", "7000")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "DEST_TIMELOCK_MOVE")
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfi/ledgerd/internal/types"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VAULTS", "0x2222222222222222222222222222222222222222:conservative")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeDryRun, cfg.Mode)
	assert.Equal(t, 8080, cfg.WebPort)
	assert.Equal(t, int32(6), cfg.AssetDecimals)
	assert.Equal(t, int64(500), cfg.DriftThresholdBp)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 4, cfg.IngestWorkers)
}

func TestLoadRequiresVaults(t *testing.T) {
	t.Setenv("VAULTS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULTS")
}

func TestLoadLiveModeRequiresRPC(t *testing.T) {
	t.Setenv("LEDGERD_MODE", "live")
	t.Setenv("RPC_ENDPOINT", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("LEDGERD_MODE", "simulate")

	_, err := Load()
	assert.Error(t, err)
}

func TestParseVaults(t *testing.T) {
	vaults, err := parseVaults("0xAAA1111111111111111111111111111111111111:conservative, 0xBBB2222222222222222222222222222222222222:AGGRESSIVE")
	require.NoError(t, err)
	require.Len(t, vaults, 2)
	assert.Equal(t, types.VaultConservative, vaults["0xaaa1111111111111111111111111111111111111"])
	assert.Equal(t, types.VaultAggressive, vaults["0xbbb2222222222222222222222222222222222222"])
}

func TestParseVaultsRejectsBadEntries(t *testing.T) {
	_, err := parseVaults("0xabc")
	assert.Error(t, err)

	_, err = parseVaults("0xabc:spicy")
	assert.Error(t, err)

	_, err = parseVaults("0xabc:conservative,0xABC:aggressive")
	assert.Error(t, err, "duplicate address after normalization")
}

func TestParseAllocationTargets(t *testing.T) {
	raw := `[{"vault":"0xAAA","targets":[{"strategy":"aave-v3","weightBp":6000},{"strategy":"compound-v3","weightBp":4000}]}]`

	targets, err := parseAllocationTargets(raw)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "0xaaa", targets[0].VaultAddress)
	require.Len(t, targets[0].Targets, 2)
	assert.Equal(t, int64(6000), targets[0].Targets[0].WeightBp)
}

func TestParseAllocationTargetsEmpty(t *testing.T) {
	targets, err := parseAllocationTargets("")
	require.NoError(t, err)
	assert.Nil(t, targets)
}

func TestLoadVaultsFromEnv(t *testing.T) {
	t.Setenv("VAULTS", "0x2222222222222222222222222222222222222222:aggressive")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, types.VaultAggressive, cfg.Vaults["0x2222222222222222222222222222222222222222"])
}

func TestLoadRejectsTargetsForUnknownVault(t *testing.T) {
	t.Setenv("VAULTS", "0x2222222222222222222222222222222222222222:aggressive")
	t.Setenv("ALLOCATION_TARGETS", `[{"vault":"0x9999999999999999999999999999999999999999","targets":[{"strategy":"aave-v3","weightBp":10000}]}]`)

	_, err := Load()
	assert.Error(t, err)
}

package events

import (
	"math/big"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/types"
)

const (
	vaultAddr   = "0x2222222222222222222222222222222222222222"
	userAddr    = "0x1111111111111111111111111111111111111111"
	refAddr     = "0x3333333333333333333333333333333333333333"
	unknownAddr = "0x9999999999999999999999999999999999999999"
)

func testNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(map[string]types.VaultType{
		vaultAddr: types.VaultAggressive,
	}, 6)
	require.NoError(t, err)
	return n
}

func rawDeposit() types.RawEvent {
	return types.RawEvent{
		ContractAddress: vaultAddr,
		EventName:       "Deposited",
		Args: map[string]any{
			"user":   userAddr,
			"assets": big.NewInt(1_500_000),
			"shares": big.NewInt(1_400_000),
		},
		TxHash:         "0xAbCd",
		LogIndex:       3,
		BlockNumber:    1000,
		BlockTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeDeposit(t *testing.T) {
	n := testNormalizer(t)

	ev, err := n.Normalize(rawDeposit())
	require.NoError(t, err)

	assert.Equal(t, types.EventDeposit, ev.Kind)
	assert.Equal(t, userAddr, ev.User)
	assert.Equal(t, vaultAddr, ev.VaultAddress)
	assert.Equal(t, types.VaultAggressive, ev.VaultType)
	assert.True(t, ev.Assets.Equal(decimal.NewFromFloat(1.5)), "raw amount scaled by asset decimals")
	assert.True(t, ev.ShareUnits.Equal(decimal.NewFromFloat(1.4)))
	assert.True(t, ev.Shares.Equal(sdkmath.NewInt(1_400_000)))
	assert.Equal(t, "0xabcd:3", ev.Key(), "tx hash lowercased in the idempotency key")
	assert.Equal(t, types.OrderingKey{BlockNumber: 1000, LogIndex: 3}, ev.Ordering())
}

func TestNormalizeDepositStringAmounts(t *testing.T) {
	n := testNormalizer(t)

	raw := rawDeposit()
	// JSON-decoded payloads deliver big numbers as strings.
	raw.Args["assets"] = "2000000"
	raw.Args["shares"] = "1900000"

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.True(t, ev.Assets.Equal(decimal.NewFromInt(2)))
	assert.True(t, ev.Shares.Equal(sdkmath.NewInt(1_900_000)))
}

func TestNormalizeWithdraw(t *testing.T) {
	n := testNormalizer(t)

	raw := rawDeposit()
	raw.EventName = "Withdrawn"

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, types.EventWithdraw, ev.Kind)
	assert.True(t, ev.Assets.Equal(decimal.NewFromFloat(1.5)))
}

func TestNormalizeHarvest(t *testing.T) {
	n := testNormalizer(t)

	raw := types.RawEvent{
		ContractAddress: vaultAddr,
		EventName:       "Harvested",
		Args: map[string]any{
			"user":  userAddr,
			"yield": big.NewInt(250_000),
		},
		TxHash:         "0xh1",
		BlockNumber:    1001,
		BlockTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, types.EventHarvest, ev.Kind)
	assert.True(t, ev.Assets.Equal(decimal.NewFromFloat(0.25)))
}

func TestNormalizeReferral(t *testing.T) {
	n := testNormalizer(t)

	raw := types.RawEvent{
		ContractAddress: "0x4444444444444444444444444444444444444444",
		EventName:       "ReferralRegistered",
		Args: map[string]any{
			"referrer": refAddr,
			"referee":  userAddr,
		},
		TxHash:         "0xr1",
		BlockNumber:    1002,
		BlockTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, types.EventReferralRegistered, ev.Kind)
	assert.Equal(t, userAddr, ev.User)
	assert.Equal(t, refAddr, ev.Referrer)
}

func TestNormalizeTierChange(t *testing.T) {
	n := testNormalizer(t)

	raw := types.RawEvent{
		ContractAddress: "0x4444444444444444444444444444444444444444",
		EventName:       "TierChanged",
		Args: map[string]any{
			"user":    userAddr,
			"newTier": big.NewInt(2),
		},
		TxHash:         "0xt1",
		BlockNumber:    1003,
		BlockTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, types.EventTierChanged, ev.Kind)
	assert.Equal(t, types.TierCaptain, ev.NewTier)
}

func TestNormalizeTierChangeUnknownIndex(t *testing.T) {
	n := testNormalizer(t)

	raw := types.RawEvent{
		ContractAddress: "0x4444444444444444444444444444444444444444",
		EventName:       "TierChanged",
		Args: map[string]any{
			"user":    userAddr,
			"newTier": big.NewInt(7),
		},
		TxHash:         "0xt1",
		BlockTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	_, err := n.Normalize(raw)
	assert.ErrorIs(t, err, ledger.ErrMalformedEvent)
}

func TestNormalizeUnknownEventName(t *testing.T) {
	n := testNormalizer(t)

	raw := rawDeposit()
	raw.EventName = "FeeSwitchToggled"

	_, err := n.Normalize(raw)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestNormalizeUnconfiguredVault(t *testing.T) {
	n := testNormalizer(t)

	raw := rawDeposit()
	raw.ContractAddress = unknownAddr

	_, err := n.Normalize(raw)
	assert.ErrorIs(t, err, ledger.ErrMalformedEvent)
}

func TestNormalizeMalformedArgs(t *testing.T) {
	n := testNormalizer(t)

	tests := []struct {
		name   string
		mutate func(*types.RawEvent)
	}{
		{"missing user", func(raw *types.RawEvent) { delete(raw.Args, "user") }},
		{"missing assets", func(raw *types.RawEvent) { delete(raw.Args, "assets") }},
		{"non-address user", func(raw *types.RawEvent) { raw.Args["user"] = "not-an-address" }},
		{"negative amount", func(raw *types.RawEvent) { raw.Args["assets"] = big.NewInt(-5) }},
		{"unparseable amount", func(raw *types.RawEvent) { raw.Args["assets"] = "12x34" }},
		{"missing tx hash", func(raw *types.RawEvent) { raw.TxHash = "" }},
		{"zero timestamp", func(raw *types.RawEvent) { raw.BlockTimestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawDeposit()
			tt.mutate(&raw)
			_, err := n.Normalize(raw)
			assert.ErrorIs(t, err, ledger.ErrMalformedEvent)
		})
	}
}

func TestNormalizeNeverPanicsOnGarbage(t *testing.T) {
	n := testNormalizer(t)

	raw := rawDeposit()
	raw.Args = map[string]any{
		"user":   []int{1, 2, 3},
		"assets": map[string]string{"nested": "junk"},
		"shares": nil,
	}

	assert.NotPanics(t, func() {
		_, err := n.Normalize(raw)
		assert.Error(t, err)
	})
}

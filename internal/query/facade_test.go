package query_test

import (
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/query"
	"github.com/harborfi/ledgerd/internal/state"
	"github.com/harborfi/ledgerd/internal/types"
)

const (
	testUser   = "0x1111111111111111111111111111111111111111"
	otherUser  = "0x5555555555555555555555555555555555555555"
	testVault  = "0x2222222222222222222222222222222222222222"
	refereeOne = "0x6666666666666666666666666666666666666666"
)

type harness struct {
	store     *state.MemoryStore
	positions *ledger.PositionLedger
	graph     *ledger.ReferralGraph
	facade    *query.Facade
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := state.NewMemoryStore()
	points, err := ledger.NewPointsLedger(store.Points())
	require.NoError(t, err)
	graph, err := ledger.NewReferralGraph(store.Users(), store.Referrals(), store.Journal(), points)
	require.NoError(t, err)
	positions, err := ledger.NewPositionLedger(store.Users(), store.Positions(), store.Journal(), points, graph)
	require.NoError(t, err)
	facade, err := query.NewFacade(store.Users(), positions, points, graph)
	require.NoError(t, err)
	return &harness{store: store, positions: positions, graph: graph, facade: facade}
}

func (h *harness) deposit(t *testing.T, user string, assets int64, block uint64, txHash string) {
	t.Helper()
	err := h.positions.ApplyDeposit(types.DomainEvent{
		Kind:         types.EventDeposit,
		TxHash:       txHash,
		BlockNumber:  block,
		Timestamp:    time.Now().UTC().Add(-time.Hour),
		User:         user,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(assets),
		ShareUnits:   decimal.NewFromInt(assets),
		Shares:       sdkmath.NewInt(assets),
	})
	require.NoError(t, err)
}

func TestPortfolioUnknownWallet(t *testing.T) {
	h := newHarness(t)

	_, err := h.facade.Portfolio(testUser)
	assert.ErrorIs(t, err, query.ErrUnknownWallet)
}

func TestPortfolioAggregates(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, testUser, 1000, 100, "0xd1")
	h.deposit(t, testUser, 500, 101, "0xd2")

	snapshot, err := h.facade.Portfolio(testUser)
	require.NoError(t, err)

	assert.Equal(t, testUser, snapshot.Address)
	assert.Equal(t, types.TierNovice, snapshot.Tier)
	assert.NotEmpty(t, snapshot.ReferralCode)
	assert.True(t, snapshot.TotalPrincipal.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, int64(15), snapshot.TotalPoints)
	assert.Len(t, snapshot.ActivePositions, 2)
	assert.False(t, snapshot.GeneratedAt.IsZero())

	for _, view := range snapshot.ActivePositions {
		assert.False(t, view.Maturity.IsMature)
		assert.Equal(t, 60, view.Maturity.DaysRemaining)
	}
}

func TestPositionsIncludeClosedLots(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, testUser, 1000, 100, "0xd1")

	err := h.positions.ApplyWithdraw(types.DomainEvent{
		Kind:         types.EventWithdraw,
		TxHash:       "0xw1",
		BlockNumber:  101,
		Timestamp:    time.Now().UTC(),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(1000),
		ShareUnits:   decimal.NewFromInt(1000),
		Shares:       sdkmath.NewInt(1000),
	})
	require.NoError(t, err)

	views, err := h.facade.Positions(testUser)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].Position.Active)

	snapshot, err := h.facade.Portfolio(testUser)
	require.NoError(t, err)
	assert.Empty(t, snapshot.ActivePositions)
	assert.True(t, snapshot.TotalPrincipal.IsZero())
}

func TestLeaderboardRanks(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, testUser, 5000, 100, "0xd1")  // 50 points
	h.deposit(t, otherUser, 1000, 100, "0xd2") // 10 points

	entries, err := h.facade.Leaderboard(10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, testUser, entries[0].WalletAddress)
	assert.Equal(t, int64(50), entries[0].TotalPoints)
	assert.Equal(t, 2, entries[1].Rank)
	assert.Equal(t, otherUser, entries[1].WalletAddress)
}

func TestLeaderboardOffset(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, testUser, 5000, 100, "0xd1")
	h.deposit(t, otherUser, 1000, 100, "0xd2")

	entries, err := h.facade.Leaderboard(10, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Rank)
	assert.Equal(t, otherUser, entries[0].WalletAddress)
}

func TestLeaderboardRejectsBadLimit(t *testing.T) {
	h := newHarness(t)

	_, err := h.facade.Leaderboard(0, 0)
	assert.ErrorIs(t, err, query.ErrInvalidLimit)
}

func TestLeaderboardLargeLimitHonored(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 25; i++ {
		wallet := fmt.Sprintf("0x%040d", i+1)
		h.deposit(t, wallet, int64((i+1)*100), 100, fmt.Sprintf("0xlg%d", i))
	}

	// A limit above the default page size passes through to the store intact
	// instead of being reset to the default.
	entries, err := h.facade.Leaderboard(150, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 25)
}

func TestReferralStats(t *testing.T) {
	h := newHarness(t)

	err := h.graph.RegisterReferral(types.DomainEvent{
		Kind:      types.EventReferralRegistered,
		TxHash:    "0xr1",
		Timestamp: time.Now().UTC(),
		User:      refereeOne,
		Referrer:  testUser,
	})
	require.NoError(t, err)

	stats, err := h.facade.ReferralStats(testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DirectReferrals)
	assert.Equal(t, 0, stats.IndirectReferrals)
	assert.NotEmpty(t, stats.ReferralCode)
}

func TestPointsHistory(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, testUser, 1000, 100, "0xd1")

	history, err := h.facade.PointsHistory(testUser)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.SourceDeposit, history[0].Source)
	assert.Equal(t, int64(10), history[0].Amount)
}

package ledger_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/state"
	"github.com/harborfi/ledgerd/internal/types"
)

const (
	testUser  = "0x1111111111111111111111111111111111111111"
	testVault = "0x2222222222222222222222222222222222222222"
)

type fixture struct {
	store     *state.MemoryStore
	points    *ledger.PointsLedger
	graph     *ledger.ReferralGraph
	positions *ledger.PositionLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	points, err := ledger.NewPointsLedger(store.Points())
	require.NoError(t, err)
	graph, err := ledger.NewReferralGraph(store.Users(), store.Referrals(), store.Journal(), points)
	require.NoError(t, err)
	positions, err := ledger.NewPositionLedger(store.Users(), store.Positions(), store.Journal(), points, graph)
	require.NoError(t, err)
	return &fixture{store: store, points: points, graph: graph, positions: positions}
}

func depositEvent(assets int64, vaultType types.VaultType, block uint64, logIndex uint) types.DomainEvent {
	return types.DomainEvent{
		Kind:         types.EventDeposit,
		TxHash:       fmt.Sprintf("0xdep%d-%d", block, logIndex),
		LogIndex:     logIndex,
		BlockNumber:  block,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    vaultType,
		Assets:       decimal.NewFromInt(assets),
		ShareUnits:   decimal.NewFromInt(assets),
		Shares:       sdkmath.NewInt(assets * 1_000_000),
	}
}

func TestApplyDepositCreatesPositionAndAwardsPoints(t *testing.T) {
	f := newFixture(t)

	ev := depositEvent(1000, types.VaultConservative, 100, 0)
	require.NoError(t, f.positions.ApplyDeposit(ev))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Active)
	assert.True(t, positions[0].Principal.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, types.VaultConservative, positions[0].VaultType)

	// 1000 assets / 100 * 1.0 multiplier = 10 points
	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	user, err := f.store.Users().Get(testUser)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, types.TierNovice, user.Tier)
	assert.NotEmpty(t, user.ReferralCode)
}

func TestApplyDepositAggressiveMultiplier(t *testing.T) {
	f := newFixture(t)

	// 1000 assets / 100 * 1.5 multiplier = 15 points
	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultAggressive, 100, 0)))

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
}

func TestApplyDepositFractionalPointsFloored(t *testing.T) {
	f := newFixture(t)

	// 250 / 100 * 1.5 = 3.75 -> 3 points
	require.NoError(t, f.positions.ApplyDeposit(depositEvent(250, types.VaultAggressive, 100, 0)))

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestApplyDepositRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)

	ev := depositEvent(1000, types.VaultConservative, 100, 0)
	require.NoError(t, f.positions.ApplyDeposit(ev))
	require.NoError(t, f.positions.ApplyDeposit(ev))
	require.NoError(t, f.positions.ApplyDeposit(ev))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	assert.Len(t, positions, 1, "redelivery must not create a second lot")

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "redelivery must not double-award")
}

func TestApplyDepositAlwaysCreatesNewLot(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))
	require.NoError(t, f.positions.ApplyDeposit(depositEvent(500, types.VaultConservative, 101, 1)))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	total, err := f.positions.AggregatePrincipal(testUser, types.VaultConservative)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(1500)))
}

func TestApplyDepositRejectsOrderingRegression(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 5)))

	// New key at an earlier blockchain position is out of order, not a redelivery.
	stale := depositEvent(500, types.VaultConservative, 100, 3)
	err := f.positions.ApplyDeposit(stale)
	assert.ErrorIs(t, err, ledger.ErrOutOfOrderEvent)
}

func TestApplyDepositValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*types.DomainEvent)
	}{
		{"missing user", func(ev *types.DomainEvent) { ev.User = "" }},
		{"missing vault", func(ev *types.DomainEvent) { ev.VaultAddress = "" }},
		{"unknown vault type", func(ev *types.DomainEvent) { ev.VaultType = "SPICY" }},
		{"missing tx hash", func(ev *types.DomainEvent) { ev.TxHash = "" }},
		{"zero timestamp", func(ev *types.DomainEvent) { ev.Timestamp = time.Time{} }},
		{"zero assets", func(ev *types.DomainEvent) { ev.Assets = decimal.Zero }},
		{"zero shares", func(ev *types.DomainEvent) { ev.Shares = sdkmath.ZeroInt() }},
		{"wrong kind", func(ev *types.DomainEvent) { ev.Kind = types.EventWithdraw }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := depositEvent(1000, types.VaultConservative, 100, 0)
			tt.mutate(&ev)
			err := f.positions.ApplyDeposit(ev)
			assert.ErrorIs(t, err, ledger.ErrMalformedEvent)
		})
	}
}

func TestApplyWithdrawDeactivatesAllLots(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))
	require.NoError(t, f.positions.ApplyDeposit(depositEvent(500, types.VaultConservative, 101, 1)))

	withdraw := types.DomainEvent{
		Kind:         types.EventWithdraw,
		TxHash:       "0xwd1",
		LogIndex:     0,
		BlockNumber:  102,
		Timestamp:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(1600),
		ShareUnits:   decimal.NewFromInt(1500),
		Shares:       sdkmath.NewInt(1500 * 1_000_000),
	}
	require.NoError(t, f.positions.ApplyWithdraw(withdraw))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	for _, p := range positions {
		assert.False(t, p.Active)
	}

	// Realized yield 100 -> floor(100/100*1.0) = 1 harvest point on top of
	// 10 + 5 deposit points.
	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(16), balance)
}

func TestApplyWithdrawWithoutPositionIsOutOfOrder(t *testing.T) {
	f := newFixture(t)

	withdraw := types.DomainEvent{
		Kind:         types.EventWithdraw,
		TxHash:       "0xwd1",
		BlockNumber:  102,
		Timestamp:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(100),
		ShareUnits:   decimal.NewFromInt(100),
		Shares:       sdkmath.NewInt(100),
	}
	err := f.positions.ApplyWithdraw(withdraw)
	assert.ErrorIs(t, err, ledger.ErrOutOfOrderEvent)
}

func TestApplyWithdrawRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))

	withdraw := types.DomainEvent{
		Kind:         types.EventWithdraw,
		TxHash:       "0xwd1",
		BlockNumber:  102,
		Timestamp:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(1000),
		ShareUnits:   decimal.NewFromInt(1000),
		Shares:       sdkmath.NewInt(1000),
	}
	require.NoError(t, f.positions.ApplyWithdraw(withdraw))
	// Redelivery after the position is closed must be absorbed by the journal,
	// not reported as out of order.
	require.NoError(t, f.positions.ApplyWithdraw(withdraw))
}

func TestApplyHarvestStampsAndAwards(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultAggressive, 100, 0)))

	harvest := types.DomainEvent{
		Kind:         types.EventHarvest,
		TxHash:       "0xhv1",
		BlockNumber:  105,
		Timestamp:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultAggressive,
		Assets:       decimal.NewFromInt(200),
	}
	require.NoError(t, f.positions.ApplyHarvest(harvest))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.NotNil(t, positions[0].LastHarvestAt)
	assert.Equal(t, harvest.Timestamp, *positions[0].LastHarvestAt)

	// 15 deposit points + floor(200/100*1.5) = 3 harvest points
	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(18), balance)
}

func TestApplyHarvestWithoutPositionIsOutOfOrder(t *testing.T) {
	f := newFixture(t)

	harvest := types.DomainEvent{
		Kind:         types.EventHarvest,
		TxHash:       "0xhv1",
		BlockNumber:  105,
		Timestamp:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultAggressive,
		Assets:       decimal.NewFromInt(200),
	}
	err := f.positions.ApplyHarvest(harvest)
	assert.ErrorIs(t, err, ledger.ErrOutOfOrderEvent)
}

func TestMaturityBoundary(t *testing.T) {
	f := newFixture(t)
	depositedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	position := types.VaultPosition{
		Principal:   decimal.NewFromInt(1000),
		DepositedAt: depositedAt,
	}

	// Exactly 60 days: mature, no penalty.
	at := depositedAt.Add(ledger.MaturityPeriod)
	info := f.positions.Maturity(position, at)
	assert.True(t, info.IsMature)
	assert.Equal(t, 0, info.DaysRemaining)
	assert.True(t, info.Penalty.IsZero())
	assert.Zero(t, info.BonusForfeit)

	// One second short: not mature, 10% of principal, one day remaining, and
	// the fixed bonus-point forfeit applies.
	info = f.positions.Maturity(position, at.Add(-time.Second))
	assert.False(t, info.IsMature)
	assert.Equal(t, 1, info.DaysRemaining)
	assert.True(t, info.Penalty.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, ledger.EarlyWithdrawalBonusForfeit, info.BonusForfeit)
}

func TestMaturityDaysRemaining(t *testing.T) {
	f := newFixture(t)
	depositedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	position := types.VaultPosition{
		Principal:   decimal.NewFromInt(500),
		DepositedAt: depositedAt,
	}

	info := f.positions.Maturity(position, depositedAt)
	assert.False(t, info.IsMature)
	assert.Equal(t, 60, info.DaysRemaining)
	assert.True(t, info.Penalty.Equal(decimal.NewFromInt(50)))

	info = f.positions.Maturity(position, depositedAt.Add(30*24*time.Hour))
	assert.Equal(t, 30, info.DaysRemaining)
}

// flakyPoints fails the first Append calls, then delegates.
type flakyPoints struct {
	ledger.PointsStore
	failures int
}

func (f *flakyPoints) Append(ev *types.PointsEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store temporarily unavailable")
	}
	return f.PointsStore.Append(ev)
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyPoints) {
	t.Helper()
	store := state.NewMemoryStore()
	flaky := &flakyPoints{PointsStore: store.Points()}
	points, err := ledger.NewPointsLedger(flaky)
	require.NoError(t, err)
	graph, err := ledger.NewReferralGraph(store.Users(), store.Referrals(), store.Journal(), points)
	require.NoError(t, err)
	positions, err := ledger.NewPositionLedger(store.Users(), store.Positions(), store.Journal(), points, graph)
	require.NoError(t, err)
	return &fixture{store: store, points: points, graph: graph, positions: positions}, flaky
}

func TestApplyDepositRetriesAfterAwardFailure(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	flaky.failures = 1

	ev := depositEvent(1000, types.VaultConservative, 100, 0)
	require.Error(t, f.positions.ApplyDeposit(ev))

	// The failed apply must not have journaled the event: redelivery completes
	// the award instead of no-opping on a half-applied deposit.
	require.NoError(t, f.positions.ApplyDeposit(ev))

	lots, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	assert.Len(t, lots, 1)

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestApplyHarvestRetriesAfterAwardFailure(t *testing.T) {
	f, flaky := newFlakyFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))

	harvest := types.DomainEvent{
		Kind:         types.EventHarvest,
		TxHash:       "0xhv1",
		BlockNumber:  105,
		Timestamp:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(200),
	}
	flaky.failures = 1
	require.Error(t, f.positions.ApplyHarvest(harvest))
	require.NoError(t, f.positions.ApplyHarvest(harvest))

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(12), balance, "10 deposit + 2 harvest points, awarded exactly once")
}

func TestApplyWithdrawEarlyForfeitsBonusPoints(t *testing.T) {
	f := newFixture(t)

	// 100000 / 100 * 1.0 = 1000 deposit points.
	require.NoError(t, f.positions.ApplyDeposit(depositEvent(100_000, types.VaultConservative, 100, 0)))

	withdraw := types.DomainEvent{
		Kind:         types.EventWithdraw,
		TxHash:       "0xwd1",
		BlockNumber:  102,
		Timestamp:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(100_000),
		ShareUnits:   decimal.NewFromInt(100_000),
		Shares:       sdkmath.NewInt(100_000),
	}
	require.NoError(t, f.positions.ApplyWithdraw(withdraw))

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance, "exit 14 days in forfeits the fixed 500 bonus points")

	// Redelivery must not forfeit twice.
	require.NoError(t, f.positions.ApplyWithdraw(withdraw))
	balance, err = f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestApplyWithdrawEarlyForfeitClampedToBalance(t *testing.T) {
	f := newFixture(t)

	// Only 10 points accrued; the forfeit may never drive the balance negative.
	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))

	withdraw := types.DomainEvent{
		Kind:         types.EventWithdraw,
		TxHash:       "0xwd1",
		BlockNumber:  102,
		Timestamp:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		User:         testUser,
		VaultAddress: testVault,
		VaultType:    types.VaultConservative,
		Assets:       decimal.NewFromInt(1000),
		ShareUnits:   decimal.NewFromInt(1000),
		Shares:       sdkmath.NewInt(1000),
	}
	require.NoError(t, f.positions.ApplyWithdraw(withdraw))

	balance, err := f.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestResyncReplacesActiveLots(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	ordering := types.OrderingKey{BlockNumber: 200, LogIndex: 0}
	require.NoError(t, f.positions.Resync(testUser, testVault, types.VaultConservative,
		sdkmath.NewInt(750_000_000), decimal.NewFromInt(750), ordering, now))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	var active []types.VaultPosition
	for _, p := range positions {
		if p.Active {
			active = append(active, p)
		}
	}
	require.Len(t, active, 1)
	assert.True(t, active[0].Principal.Equal(decimal.NewFromInt(750)))
	assert.True(t, active[0].Shares.Equal(sdkmath.NewInt(750_000_000)))

	// Events before the resync point are now stale.
	err = f.positions.ApplyDeposit(depositEvent(100, types.VaultConservative, 150, 0))
	assert.ErrorIs(t, err, ledger.ErrOutOfOrderEvent)
}

func TestResyncToZeroLeavesNoActivePosition(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.positions.ApplyDeposit(depositEvent(1000, types.VaultConservative, 100, 0)))

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.positions.Resync(testUser, testVault, types.VaultConservative,
		sdkmath.ZeroInt(), decimal.Zero, types.OrderingKey{BlockNumber: 200}, now))

	positions, err := f.positions.PositionsFor(testUser)
	require.NoError(t, err)
	for _, p := range positions {
		assert.False(t, p.Active)
	}
}

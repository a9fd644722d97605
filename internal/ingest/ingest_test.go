package ingest_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfi/ledgerd/internal/chain"
	"github.com/harborfi/ledgerd/internal/events"
	"github.com/harborfi/ledgerd/internal/ingest"
	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/state"
	"github.com/harborfi/ledgerd/internal/types"
)

const (
	testUser  = "0x1111111111111111111111111111111111111111"
	testVault = "0x2222222222222222222222222222222222222222"
)

type pipeline struct {
	store      *state.MemoryStore
	points     *ledger.PointsLedger
	positions  *ledger.PositionLedger
	reader     *chain.StaticReader
	dispatcher *ingest.Dispatcher
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store := state.NewMemoryStore()
	points, err := ledger.NewPointsLedger(store.Points())
	require.NoError(t, err)
	graph, err := ledger.NewReferralGraph(store.Users(), store.Referrals(), store.Journal(), points)
	require.NoError(t, err)
	positions, err := ledger.NewPositionLedger(store.Users(), store.Positions(), store.Journal(), points, graph)
	require.NoError(t, err)
	normalizer, err := events.NewNormalizer(map[string]types.VaultType{
		testVault: types.VaultConservative,
	}, 6)
	require.NoError(t, err)
	reader := chain.NewStaticReader()
	dispatcher, err := ingest.NewDispatcher(normalizer, positions, graph, reader, 2)
	require.NoError(t, err)
	return &pipeline{store: store, points: points, positions: positions, reader: reader, dispatcher: dispatcher}
}

func rawDeposit(txHash string, block uint64, assets int64) types.RawEvent {
	return types.RawEvent{
		ContractAddress: testVault,
		EventName:       "Deposited",
		Args: map[string]any{
			"user":   testUser,
			"assets": big.NewInt(assets * 1_000_000),
			"shares": big.NewInt(assets * 1_000_000),
		},
		TxHash:         txHash,
		BlockNumber:    block,
		BlockTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestApplyDepositEndToEnd(t *testing.T) {
	p := newPipeline(t)

	require.NoError(t, p.dispatcher.Apply(context.Background(), rawDeposit("0xd1", 100, 1000)))

	positions, err := p.positions.PositionsFor(testUser)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Principal.Equal(decimal.NewFromInt(1000)))

	balance, err := p.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestApplyDropsUnknownEvents(t *testing.T) {
	p := newPipeline(t)

	raw := rawDeposit("0xd1", 100, 1000)
	raw.EventName = "Paused"

	// Unknown names are dropped on the synchronous path too, never surfaced
	// as errors to the caller.
	assert.NoError(t, p.dispatcher.Apply(context.Background(), raw))

	positions, err := p.positions.PositionsFor(testUser)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSubmitDropsUnknownEvents(t *testing.T) {
	p := newPipeline(t)

	raw := rawDeposit("0xd1", 100, 1000)
	raw.EventName = "Paused"

	// Unknown names are dropped at intake, not surfaced as errors.
	assert.NoError(t, p.dispatcher.Submit(raw))
}

func TestWorkersApplyInOrderPerUser(t *testing.T) {
	p := newPipeline(t)
	p.dispatcher.Start(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, p.dispatcher.Submit(rawDeposit(
			"0xd"+string(rune('a'+i)), uint64(100+i), 100)))
	}
	p.dispatcher.Stop()

	positions, err := p.positions.PositionsFor(testUser)
	require.NoError(t, err)
	assert.Len(t, positions, 20, "every event lands exactly once")

	balance, err := p.points.BalanceOf(testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestSubmitAfterStop(t *testing.T) {
	p := newPipeline(t)
	p.dispatcher.Start(context.Background())
	p.dispatcher.Stop()

	err := p.dispatcher.Submit(rawDeposit("0xd1", 100, 1000))
	assert.ErrorIs(t, err, ingest.ErrDispatcherClosed)
}

func TestOutOfOrderTriggersResync(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.dispatcher.Apply(ctx, rawDeposit("0xd1", 100, 1000)))

	// Chain says the user holds 500 asset units worth of shares.
	p.reader.SetShareBalance(testVault, testUser, sdkmath.NewInt(500))
	p.reader.SetAssetsPerShare(testVault, decimal.NewFromInt(1))

	// A deposit below the cursor is out of order and rebuilds from chain state.
	require.NoError(t, p.dispatcher.Apply(ctx, rawDeposit("0xd0", 90, 250)))

	positions, err := p.positions.PositionsFor(testUser)
	require.NoError(t, err)

	var active []types.VaultPosition
	for _, pos := range positions {
		if pos.Active {
			active = append(active, pos)
		}
	}
	require.Len(t, active, 1)
	assert.True(t, active[0].Principal.Equal(decimal.NewFromInt(500)))
	assert.True(t, active[0].Shares.Equal(sdkmath.NewInt(500)))
}

func TestStopIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	p.dispatcher.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dispatcher.Stop()
		}()
	}
	wg.Wait()
}

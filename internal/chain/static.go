package chain

import (
	"context"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/types"
	"github.com/harborfi/ledgerd/internal/utils"
)

// StaticReader serves fixed balances for dry-run mode, where no RPC endpoint
// is configured. Values can be mutated between cycles to exercise drift.
type StaticReader struct {
	mu         sync.RWMutex
	shares     map[string]sdkmath.Int     // vault:user -> shares
	assetValue map[string]decimal.Decimal // vault -> assets per share
	strategies map[string]decimal.Decimal // strategy -> total assets
}

func NewStaticReader() *StaticReader {
	return &StaticReader{
		shares:     make(map[string]sdkmath.Int),
		assetValue: make(map[string]decimal.Decimal),
		strategies: make(map[string]decimal.Decimal),
	}
}

func (s *StaticReader) SetShareBalance(vault, user string, shares sdkmath.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[shareKey(vault, user)] = shares
}

// SetAssetsPerShare fixes the vault's share price used by ConvertToAssets.
func (s *StaticReader) SetAssetsPerShare(vault string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assetValue[types.NormalizeAddress(vault)] = price
}

func (s *StaticReader) SetStrategyAssets(strategy string, assets decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[types.NormalizeAddress(strategy)] = assets
}

func (s *StaticReader) ShareBalance(_ context.Context, vault, user string) (sdkmath.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if shares, ok := s.shares[shareKey(vault, user)]; ok {
		return shares, nil
	}
	return sdkmath.ZeroInt(), nil
}

func (s *StaticReader) ConvertToAssets(_ context.Context, vault string, shares sdkmath.Int) (decimal.Decimal, error) {
	if shares.IsNil() || shares.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: invalid share amount", ErrRPCCallFailed)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.assetValue[types.NormalizeAddress(vault)]
	if !ok {
		price = decimal.NewFromInt(1)
	}
	value, err := utils.SharesToDecimal(shares, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Mul(price), nil
}

func (s *StaticReader) StrategyAssets(_ context.Context, strategy string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if assets, ok := s.strategies[types.NormalizeAddress(strategy)]; ok {
		return assets, nil
	}
	return decimal.Zero, nil
}

func shareKey(vault, user string) string {
	return types.NormalizeAddress(vault) + ":" + types.NormalizeAddress(user)
}

package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
)

// Referral award amounts in points.
const (
	ReferralDirectAward   int64 = 100
	ReferralIndirectAward int64 = 50
)

// tierUpgradeBonus is the fixed award table indexed by the new tier.
var tierUpgradeBonus = map[types.Tier]int64{
	types.TierNovice:  0,
	types.TierScout:   250,
	types.TierCaptain: 500,
	types.TierWhale:   1000,
}

// TierUpgradeBonus returns the one-time award for reaching a tier.
func TierUpgradeBonus(tier types.Tier) int64 {
	return tierUpgradeBonus[tier]
}

// PointsLedger owns the append-only points event log. Balances are derived by
// summing the log; no mutable aggregate is stored. Awards and redemptions on
// the same wallet are serialized so a redemption can never race a concurrent
// debit into a negative balance.
type PointsLedger struct {
	store  PointsStore
	logger zerolog.Logger

	mu      sync.Mutex
	wallets map[string]*sync.Mutex
}

// NewPointsLedger creates a points ledger over the given store.
func NewPointsLedger(store PointsStore) (*PointsLedger, error) {
	if store == nil {
		return nil, errors.New("points store cannot be nil")
	}
	return &PointsLedger{
		store:   store,
		logger:  logger.GetForComponent("points_ledger"),
		wallets: make(map[string]*sync.Mutex),
	}, nil
}

// walletLock returns the per-wallet mutex, creating it on first use.
func (l *PointsLedger) walletLock(wallet string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.wallets[wallet]
	if !ok {
		lock = &sync.Mutex{}
		l.wallets[wallet] = lock
	}
	return lock
}

// Award appends a non-negative points award. A key that was already recorded
// for the wallet is a no-op, not an error.
func (l *PointsLedger) Award(wallet string, amount int64, source types.PointsSource, idempotencyKey string, at time.Time) error {
	wallet = types.NormalizeAddress(wallet)
	if wallet == "" {
		return fmt.Errorf("%w: wallet address is empty", ErrMalformedEvent)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is empty", ErrMalformedEvent)
	}
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeAward, amount)
	}

	lock := l.walletLock(wallet)
	lock.Lock()
	defer lock.Unlock()

	applied, err := l.store.Has(wallet, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to check award idempotency: %w", err)
	}
	if applied {
		l.logger.Debug().
			Str("wallet", wallet).
			Str("key", idempotencyKey).
			Msg("Duplicate award ignored")
		return nil
	}

	err = l.store.Append(&types.PointsEvent{
		WalletAddress:  wallet,
		Amount:         amount,
		Source:         source,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      at,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append points event: %w", err)
	}

	l.logger.Info().
		Str("wallet", wallet).
		Int64("amount", amount).
		Str("source", string(source)).
		Msg("Points awarded")
	return nil
}

// Redeem spends points. The balance is re-derived from the event log under the
// wallet lock immediately before commit; a redemption that would drive the
// balance negative fails with ErrInsufficientPoints and records nothing.
func (l *PointsLedger) Redeem(wallet string, amount int64, idempotencyKey string, at time.Time) error {
	wallet = types.NormalizeAddress(wallet)
	if wallet == "" {
		return fmt.Errorf("%w: wallet address is empty", ErrMalformedEvent)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is empty", ErrMalformedEvent)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: redemption amount must be positive, got %d", ErrMalformedEvent, amount)
	}

	lock := l.walletLock(wallet)
	lock.Lock()
	defer lock.Unlock()

	applied, err := l.store.Has(wallet, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to check redemption idempotency: %w", err)
	}
	if applied {
		l.logger.Debug().
			Str("wallet", wallet).
			Str("key", idempotencyKey).
			Msg("Duplicate redemption ignored")
		return nil
	}

	balance, err := l.store.Sum(wallet)
	if err != nil {
		return fmt.Errorf("failed to derive balance: %w", err)
	}
	if amount > balance {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientPoints, balance, amount)
	}

	err = l.store.Append(&types.PointsEvent{
		WalletAddress:  wallet,
		Amount:         -amount,
		Source:         types.SourceRedemption,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      at,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append redemption event: %w", err)
	}

	l.logger.Info().
		Str("wallet", wallet).
		Int64("amount", amount).
		Int64("remaining", balance-amount).
		Msg("Points redeemed")
	return nil
}

// Forfeit debits a penalty from a wallet, clamping the debit to the current
// balance so the running sum never goes negative. A wallet with nothing to
// forfeit records no event. A key that was already recorded is a no-op.
func (l *PointsLedger) Forfeit(wallet string, amount int64, idempotencyKey string, at time.Time) error {
	wallet = types.NormalizeAddress(wallet)
	if wallet == "" {
		return fmt.Errorf("%w: wallet address is empty", ErrMalformedEvent)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is empty", ErrMalformedEvent)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: forfeit amount must be positive, got %d", ErrMalformedEvent, amount)
	}

	lock := l.walletLock(wallet)
	lock.Lock()
	defer lock.Unlock()

	applied, err := l.store.Has(wallet, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to check forfeit idempotency: %w", err)
	}
	if applied {
		l.logger.Debug().
			Str("wallet", wallet).
			Str("key", idempotencyKey).
			Msg("Duplicate forfeit ignored")
		return nil
	}

	balance, err := l.store.Sum(wallet)
	if err != nil {
		return fmt.Errorf("failed to derive balance: %w", err)
	}
	debit := amount
	if balance < debit {
		debit = balance
	}
	if debit <= 0 {
		l.logger.Debug().
			Str("wallet", wallet).
			Str("key", idempotencyKey).
			Msg("Nothing to forfeit")
		return nil
	}

	err = l.store.Append(&types.PointsEvent{
		WalletAddress:  wallet,
		Amount:         -debit,
		Source:         types.SourceForfeit,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      at,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append forfeit event: %w", err)
	}

	l.logger.Info().
		Str("wallet", wallet).
		Int64("amount", debit).
		Int64("remaining", balance-debit).
		Msg("Points forfeited")
	return nil
}

// BalanceOf derives the current balance by summing all events for the wallet.
func (l *PointsLedger) BalanceOf(wallet string) (int64, error) {
	balance, err := l.store.Sum(types.NormalizeAddress(wallet))
	if err != nil {
		return 0, fmt.Errorf("failed to derive balance: %w", err)
	}
	return balance, nil
}

// History returns all points events for a wallet in append order.
func (l *PointsLedger) History(wallet string) ([]types.PointsEvent, error) {
	return l.store.ForWallet(types.NormalizeAddress(wallet))
}

// Leaderboard returns wallets ordered by total points descending, ties broken
// by earliest account creation.
func (l *PointsLedger) Leaderboard(limit, offset int) ([]types.LeaderboardEntry, error) {
	return l.store.Leaderboard(limit, offset)
}

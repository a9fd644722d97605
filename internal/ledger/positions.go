package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
)

const (
	// MaturityPeriod is the fixed holding period after which a position can be
	// withdrawn without penalty.
	MaturityPeriod = 60 * 24 * time.Hour

	// EarlyWithdrawalBonusForfeit is the fixed bonus-point amount forfeited on
	// an early withdrawal.
	EarlyWithdrawalBonusForfeit int64 = 500

	// pointsPerAssetUnit: one point per 100 asset units deposited, before the
	// vault multiplier.
	pointsPerAssetUnit = 100
)

// EarlyWithdrawalPenaltyRate is the share of principal charged when a position
// is withdrawn before maturity. It applies to principal only, never to yield.
var EarlyWithdrawalPenaltyRate = decimal.NewFromFloat(0.10)

// PositionLedger owns vault position rows and applies deposit/withdraw events.
// Events for one user must arrive in blockchain order; the ledger keeps a
// per-user (blockNumber, logIndex) cursor and refuses regressions instead of
// trusting delivery order.
type PositionLedger struct {
	users     UserStore
	positions PositionStore
	journal   EventJournal
	points    *PointsLedger
	graph     *ReferralGraph
	logger    zerolog.Logger
}

// NewPositionLedger creates a position ledger over the given stores.
func NewPositionLedger(users UserStore, positions PositionStore, journal EventJournal, points *PointsLedger, graph *ReferralGraph) (*PositionLedger, error) {
	if users == nil {
		return nil, errors.New("user store cannot be nil")
	}
	if positions == nil {
		return nil, errors.New("position store cannot be nil")
	}
	if journal == nil {
		return nil, errors.New("event journal cannot be nil")
	}
	if points == nil {
		return nil, errors.New("points ledger cannot be nil")
	}
	if graph == nil {
		return nil, errors.New("referral graph cannot be nil")
	}
	return &PositionLedger{
		users:     users,
		positions: positions,
		journal:   journal,
		points:    points,
		graph:     graph,
		logger:    logger.GetForComponent("position_ledger"),
	}, nil
}

// ApplyDeposit creates a new active position lot from a Deposited event and
// awards deposit points scaled by the vault multiplier. Redelivery of an
// already-applied event is a no-op.
func (l *PositionLedger) ApplyDeposit(ev types.DomainEvent) error {
	if ev.Kind != types.EventDeposit {
		return fmt.Errorf("%w: expected %s event, got %s", ErrMalformedEvent, types.EventDeposit, ev.Kind)
	}
	if err := validateVaultEvent(ev); err != nil {
		return err
	}
	if ev.Shares.IsNil() || !ev.Shares.IsPositive() {
		return fmt.Errorf("%w: deposit shares must be positive", ErrMalformedEvent)
	}
	if !ev.Assets.IsPositive() {
		return fmt.Errorf("%w: deposit assets must be positive", ErrMalformedEvent)
	}

	user := types.NormalizeAddress(ev.User)

	applied, err := l.journal.WasApplied(ev.Key())
	if err != nil {
		return fmt.Errorf("failed to check event journal: %w", err)
	}
	if applied {
		l.logger.Debug().Str("key", ev.Key()).Msg("Duplicate deposit ignored")
		return nil
	}

	// The deposit tx hash is a natural anchor: an existing row without a
	// journal entry means a previous apply failed mid-way, so only the
	// remaining side effects are re-run.
	existing, err := l.positions.ByDepositTx(ev.TxHash)
	if err != nil {
		return fmt.Errorf("failed to look up deposit tx: %w", err)
	}
	if existing == nil {
		if err := l.checkOrdering(user, ev); err != nil {
			return err
		}
		if err := l.ensureUser(user, ev.Timestamp); err != nil {
			return err
		}

		position := &types.VaultPosition{
			UserAddress:   user,
			VaultAddress:  types.NormalizeAddress(ev.VaultAddress),
			VaultType:     ev.VaultType,
			Principal:     ev.Assets,
			Shares:        ev.Shares,
			DepositedAt:   ev.Timestamp,
			Active:        true,
			DepositTxHash: ev.TxHash,
			BlockNumber:   ev.BlockNumber,
			LogIndex:      ev.LogIndex,
		}
		if err := l.positions.Insert(position); err != nil && !errors.Is(err, ErrDuplicateEvent) {
			return fmt.Errorf("failed to insert position: %w", err)
		}
	} else {
		l.logger.Warn().Str("txHash", ev.TxHash).Msg("Completing partially applied deposit")
	}

	if award := depositPoints(ev.Assets, ev.VaultType); award > 0 {
		if err := l.points.Award(user, award, types.SourceDeposit, ev.Key(), ev.Timestamp); err != nil {
			return fmt.Errorf("failed to award deposit points: %w", err)
		}
	}
	if err := l.graph.NoteDeposit(user, ev.Assets); err != nil {
		return err
	}

	// Journaled only after every side effect landed; the award's (wallet, key)
	// anchor keeps a re-run after a partial failure from double-counting.
	if err := l.advance(user, ev); err != nil {
		return err
	}

	l.logger.Info().
		Str("user", user).
		Str("vault", types.NormalizeAddress(ev.VaultAddress)).
		Str("vaultType", string(ev.VaultType)).
		Str("principal", ev.Assets.String()).
		Str("shares", ev.Shares.String()).
		Msg("Deposit applied")
	return nil
}

// ApplyWithdraw deactivates all active positions for (user, vault). The source
// protocol withdraws at full-position granularity; partial withdrawals are not
// modeled. Positive realized yield emits a harvest award scaled by the vault
// multiplier. A withdraw with no matching active position is out of order and
// requires an on-chain resync.
func (l *PositionLedger) ApplyWithdraw(ev types.DomainEvent) error {
	if ev.Kind != types.EventWithdraw {
		return fmt.Errorf("%w: expected %s event, got %s", ErrMalformedEvent, types.EventWithdraw, ev.Kind)
	}
	if err := validateVaultEvent(ev); err != nil {
		return err
	}
	if ev.Assets.IsNegative() || ev.ShareUnits.IsNegative() {
		return fmt.Errorf("%w: withdraw amounts cannot be negative", ErrMalformedEvent)
	}

	user := types.NormalizeAddress(ev.User)
	vault := types.NormalizeAddress(ev.VaultAddress)

	applied, err := l.journal.WasApplied(ev.Key())
	if err != nil {
		return fmt.Errorf("failed to check event journal: %w", err)
	}
	if applied {
		l.logger.Debug().Str("key", ev.Key()).Msg("Duplicate withdraw ignored")
		return nil
	}
	if err := l.checkOrdering(user, ev); err != nil {
		return err
	}

	active, err := l.positions.Active(user, vault)
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}
	if len(active) == 0 {
		return fmt.Errorf("%w: withdraw for %s on %s has no active position", ErrOutOfOrderEvent, user, vault)
	}
	if err := l.ensureUser(user, ev.Timestamp); err != nil {
		return err
	}

	// Realized yield: assets returned minus the asset value of burned shares.
	yield := ev.Assets.Sub(ev.ShareUnits)
	if yield.IsPositive() {
		if award := depositPoints(yield, ev.VaultType); award > 0 {
			if err := l.points.Award(user, award, types.SourceHarvest, ev.Key(), ev.Timestamp); err != nil {
				return fmt.Errorf("failed to award harvest points: %w", err)
			}
		}
	}

	// Exiting before maturity forfeits a fixed slice of accrued bonus points,
	// clamped inside the points ledger so the balance never goes negative.
	early := false
	for _, p := range active {
		if !l.Maturity(p, ev.Timestamp).IsMature {
			early = true
			break
		}
	}
	if early {
		if err := l.points.Forfeit(user, EarlyWithdrawalBonusForfeit, "forfeit:"+ev.Key(), ev.Timestamp); err != nil {
			return fmt.Errorf("failed to apply early withdrawal forfeit: %w", err)
		}
	}

	deactivated, err := l.positions.Deactivate(user, vault, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to deactivate positions: %w", err)
	}

	if err := l.advance(user, ev); err != nil {
		return err
	}

	l.logger.Info().
		Str("user", user).
		Str("vault", vault).
		Int("deactivated", deactivated).
		Str("yield", yield.String()).
		Bool("early", early).
		Msg("Withdraw applied")
	return nil
}

// ApplyHarvest stamps lastHarvestAt on the user's active positions and awards
// harvest points on the reported yield.
func (l *PositionLedger) ApplyHarvest(ev types.DomainEvent) error {
	if ev.Kind != types.EventHarvest {
		return fmt.Errorf("%w: expected %s event, got %s", ErrMalformedEvent, types.EventHarvest, ev.Kind)
	}
	if err := validateVaultEvent(ev); err != nil {
		return err
	}
	if ev.Assets.IsNegative() {
		return fmt.Errorf("%w: harvest yield cannot be negative", ErrMalformedEvent)
	}

	user := types.NormalizeAddress(ev.User)
	vault := types.NormalizeAddress(ev.VaultAddress)

	applied, err := l.journal.WasApplied(ev.Key())
	if err != nil {
		return fmt.Errorf("failed to check event journal: %w", err)
	}
	if applied {
		l.logger.Debug().Str("key", ev.Key()).Msg("Duplicate harvest ignored")
		return nil
	}
	if err := l.checkOrdering(user, ev); err != nil {
		return err
	}

	active, err := l.positions.Active(user, vault)
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}
	if len(active) == 0 {
		return fmt.Errorf("%w: harvest for %s on %s has no active position", ErrOutOfOrderEvent, user, vault)
	}

	if err := l.positions.MarkHarvest(user, vault, ev.Timestamp); err != nil {
		return fmt.Errorf("failed to mark harvest: %w", err)
	}

	if award := depositPoints(ev.Assets, ev.VaultType); award > 0 {
		if err := l.points.Award(user, award, types.SourceHarvest, ev.Key(), ev.Timestamp); err != nil {
			return fmt.Errorf("failed to award harvest points: %w", err)
		}
	}

	if err := l.advance(user, ev); err != nil {
		return err
	}
	return nil
}

// Resync rebuilds a user's position in a vault from authoritative on-chain
// reads after an out-of-order delivery. Existing active lots are closed and a
// single synthetic lot carrying the observed share balance and asset value is
// opened.
func (l *PositionLedger) Resync(user, vault string, vaultType types.VaultType, shares sdkmath.Int, assets decimal.Decimal, ordering types.OrderingKey, now time.Time) error {
	user = types.NormalizeAddress(user)
	vault = types.NormalizeAddress(vault)
	if user == "" || vault == "" {
		return fmt.Errorf("%w: resync requires user and vault", ErrMalformedEvent)
	}
	if shares.IsNil() || shares.IsNegative() {
		return fmt.Errorf("%w: resync shares cannot be negative", ErrMalformedEvent)
	}
	if assets.IsNegative() {
		return fmt.Errorf("%w: resync assets cannot be negative", ErrMalformedEvent)
	}

	if _, err := l.positions.Deactivate(user, vault, now); err != nil {
		return fmt.Errorf("failed to close stale positions: %w", err)
	}

	if shares.IsPositive() {
		if err := l.ensureUser(user, now); err != nil {
			return err
		}
		position := &types.VaultPosition{
			UserAddress:   user,
			VaultAddress:  vault,
			VaultType:     vaultType,
			Principal:     assets,
			Shares:        shares,
			DepositedAt:   now,
			Active:        true,
			DepositTxHash: "resync:" + uuid.NewString(),
			BlockNumber:   ordering.BlockNumber,
			LogIndex:      ordering.LogIndex,
		}
		if err := l.positions.Insert(position); err != nil {
			return fmt.Errorf("failed to insert resynced position: %w", err)
		}
	}

	if err := l.positions.SetCursor(user, ordering); err != nil {
		return fmt.Errorf("failed to advance cursor after resync: %w", err)
	}

	l.logger.Warn().
		Str("user", user).
		Str("vault", vault).
		Str("shares", shares.String()).
		Str("assets", assets.String()).
		Msg("Position resynced from on-chain state")
	return nil
}

// Maturity reports whether a position has passed the fixed 60-day holding
// period and, if not, the early-withdrawal charges: 10% of principal only
// (yield is forfeited entirely) plus the fixed bonus-point forfeit.
func (l *PositionLedger) Maturity(position types.VaultPosition, now time.Time) types.MaturityInfo {
	elapsed := now.Sub(position.DepositedAt)
	if elapsed >= MaturityPeriod {
		return types.MaturityInfo{
			IsMature:      true,
			DaysRemaining: 0,
			Penalty:       decimal.Zero,
		}
	}
	remaining := MaturityPeriod - elapsed
	return types.MaturityInfo{
		IsMature:      false,
		DaysRemaining: int(math.Ceil(remaining.Hours() / 24)),
		Penalty:       position.Principal.Mul(EarlyWithdrawalPenaltyRate),
		BonusForfeit:  EarlyWithdrawalBonusForfeit,
	}
}

// PositionsFor returns all positions for a user, active and closed.
func (l *PositionLedger) PositionsFor(user string) ([]types.VaultPosition, error) {
	return l.positions.ForUser(types.NormalizeAddress(user))
}

// AggregatePrincipal sums active principal for a user across vaults of the
// given type.
func (l *PositionLedger) AggregatePrincipal(user string, vaultType types.VaultType) (decimal.Decimal, error) {
	positions, err := l.positions.ForUser(types.NormalizeAddress(user))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load positions: %w", err)
	}
	total := decimal.Zero
	for _, p := range positions {
		if p.Active && p.VaultType == vaultType {
			total = total.Add(p.Principal)
		}
	}
	return total, nil
}

// checkOrdering refuses events whose ordering key regresses relative to the
// last applied event for the user. Regressing keys with an unseen idempotency
// key are new out-of-order events, never safe redeliveries.
func (l *PositionLedger) checkOrdering(user string, ev types.DomainEvent) error {
	cursor, ok, err := l.positions.Cursor(user)
	if err != nil {
		return fmt.Errorf("failed to load event cursor: %w", err)
	}
	if ok && !cursor.Before(ev.Ordering()) {
		return fmt.Errorf("%w: event %s at (%d,%d) regresses cursor (%d,%d) for %s",
			ErrOutOfOrderEvent, ev.Key(), ev.BlockNumber, ev.LogIndex, cursor.BlockNumber, cursor.LogIndex, user)
	}
	return nil
}

// advance journals the event and moves the user's cursor forward.
func (l *PositionLedger) advance(user string, ev types.DomainEvent) error {
	if err := l.journal.MarkApplied(ev.Key(), user, ev.Timestamp); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		return fmt.Errorf("failed to journal event: %w", err)
	}
	if err := l.positions.SetCursor(user, ev.Ordering()); err != nil {
		return fmt.Errorf("failed to advance event cursor: %w", err)
	}
	return nil
}

// ensureUser upserts the user record, creating it at tier Novice on the first
// qualifying event.
func (l *PositionLedger) ensureUser(user string, at time.Time) error {
	existing, err := l.users.Get(user)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if existing != nil {
		if err := l.users.TouchLastActive(user, at); err != nil {
			return fmt.Errorf("failed to touch user: %w", err)
		}
		return nil
	}
	err = l.users.Upsert(&types.User{
		Address:            user,
		ReferralCode:       types.DeriveReferralCode(user),
		Tier:               types.TierNovice,
		LeverageMultiplier: decimal.NewFromInt(1),
		CreatedAt:          at,
		LastActiveAt:       at,
	})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// validateVaultEvent checks the fields every vault-scoped event must carry.
func validateVaultEvent(ev types.DomainEvent) error {
	if types.NormalizeAddress(ev.User) == "" {
		return fmt.Errorf("%w: missing user address", ErrMalformedEvent)
	}
	if types.NormalizeAddress(ev.VaultAddress) == "" {
		return fmt.Errorf("%w: missing vault address", ErrMalformedEvent)
	}
	if ev.VaultType != types.VaultConservative && ev.VaultType != types.VaultAggressive {
		return fmt.Errorf("%w: unknown vault type %q", ErrMalformedEvent, ev.VaultType)
	}
	if ev.TxHash == "" {
		return fmt.Errorf("%w: missing tx hash", ErrMalformedEvent)
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing block timestamp", ErrMalformedEvent)
	}
	return nil
}

// depositPoints computes floor(assets / 100 * multiplier).
func depositPoints(assets decimal.Decimal, vaultType types.VaultType) int64 {
	return assets.
		Div(decimal.NewFromInt(pointsPerAssetUnit)).
		Mul(vaultType.PointsMultiplier()).
		Floor().
		IntPart()
}

package ledger

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
)

// ReferralGraph owns referrer/referee edges and tier assignment. A referee has
// exactly one direct referrer, immutable once set; the level-2 edge to the
// referrer's own referrer is derived, never independently settable.
type ReferralGraph struct {
	users     UserStore
	referrals ReferralStore
	points    *PointsLedger
	journal   EventJournal
	logger    zerolog.Logger
}

// NewReferralGraph creates a referral graph over the given stores.
func NewReferralGraph(users UserStore, referrals ReferralStore, journal EventJournal, points *PointsLedger) (*ReferralGraph, error) {
	if users == nil {
		return nil, errors.New("user store cannot be nil")
	}
	if referrals == nil {
		return nil, errors.New("referral store cannot be nil")
	}
	if journal == nil {
		return nil, errors.New("event journal cannot be nil")
	}
	if points == nil {
		return nil, errors.New("points ledger cannot be nil")
	}
	return &ReferralGraph{
		users:     users,
		referrals: referrals,
		points:    points,
		journal:   journal,
		logger:    logger.GetForComponent("referral_graph"),
	}, nil
}

// RegisterReferral applies a ReferralRegistered event: creates the level-1
// edge, sets referredBy on the referee, awards the referrer 100 points, and if
// the referrer was itself referred, creates the derived level-2 edge and
// awards the grandparent 50 points. A referee that already has a direct
// referrer is a silent no-op.
func (g *ReferralGraph) RegisterReferral(ev types.DomainEvent) error {
	if ev.Kind != types.EventReferralRegistered {
		return fmt.Errorf("%w: expected %s event, got %s", ErrMalformedEvent, types.EventReferralRegistered, ev.Kind)
	}
	referee := types.NormalizeAddress(ev.User)
	referrer := types.NormalizeAddress(ev.Referrer)
	if referee == "" || referrer == "" {
		return fmt.Errorf("%w: referral requires both referrer and referee", ErrMalformedEvent)
	}
	if referee == referrer {
		return fmt.Errorf("%w: self-referral is not allowed", ErrMalformedEvent)
	}
	if ev.TxHash == "" {
		return fmt.Errorf("%w: missing tx hash", ErrMalformedEvent)
	}

	applied, err := g.journal.WasApplied(ev.Key())
	if err != nil {
		return fmt.Errorf("failed to check event journal: %w", err)
	}
	if applied {
		g.logger.Debug().Str("key", ev.Key()).Msg("Duplicate referral event ignored")
		return nil
	}

	if _, exists, err := g.referrals.DirectReferrer(referee); err != nil {
		return fmt.Errorf("failed to look up direct referrer: %w", err)
	} else if exists {
		g.logger.Debug().
			Str("referee", referee).
			Msg("Referee already has a direct referrer, ignoring registration")
		return nil
	}

	if err := g.ensureUser(referrer, ev); err != nil {
		return err
	}
	if err := g.ensureReferee(referee, referrer, ev); err != nil {
		return err
	}

	edge := &types.Referral{
		Referrer:      referrer,
		Referee:       referee,
		Level:         types.ReferralLevelDirect,
		Active:        true,
		DepositVolume: decimal.Zero,
		CreatedAt:     ev.Timestamp,
	}
	if err := g.referrals.Insert(edge); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		return fmt.Errorf("failed to insert direct referral edge: %w", err)
	}

	if err := g.points.Award(referrer, ReferralDirectAward, types.SourceReferral, ev.Key(), ev.Timestamp); err != nil {
		return fmt.Errorf("failed to award direct referral points: %w", err)
	}

	// One level of indirection: the referrer's own referrer gets a smaller cut.
	grandparent, hasGrandparent, err := g.referrals.DirectReferrer(referrer)
	if err != nil {
		return fmt.Errorf("failed to look up indirect referrer: %w", err)
	}
	if hasGrandparent {
		indirect := &types.Referral{
			Referrer:      grandparent,
			Referee:       referee,
			Level:         types.ReferralLevelIndirect,
			Active:        true,
			DepositVolume: decimal.Zero,
			CreatedAt:     ev.Timestamp,
		}
		if err := g.referrals.Insert(indirect); err != nil && !errors.Is(err, ErrDuplicateEvent) {
			return fmt.Errorf("failed to insert indirect referral edge: %w", err)
		}
		if err := g.points.Award(grandparent, ReferralIndirectAward, types.SourceReferral, ev.Key(), ev.Timestamp); err != nil {
			return fmt.Errorf("failed to award indirect referral points: %w", err)
		}
	}

	if err := g.journal.MarkApplied(ev.Key(), referee, ev.Timestamp); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		return fmt.Errorf("failed to journal referral event: %w", err)
	}

	g.logger.Info().
		Str("referrer", referrer).
		Str("referee", referee).
		Bool("indirect", hasGrandparent).
		Msg("Referral registered")
	return nil
}

// ApplyTierChange updates the user's tier and awards the tier-upgrade bonus
// exactly once per transition, keyed by the originating event. Downgrades are
// refused; tier is monotonic non-decreasing in this ledger.
func (g *ReferralGraph) ApplyTierChange(ev types.DomainEvent) error {
	if ev.Kind != types.EventTierChanged {
		return fmt.Errorf("%w: expected %s event, got %s", ErrMalformedEvent, types.EventTierChanged, ev.Kind)
	}
	user := types.NormalizeAddress(ev.User)
	if user == "" {
		return fmt.Errorf("%w: missing user address", ErrMalformedEvent)
	}
	if ev.NewTier.Rank() == 0 {
		return fmt.Errorf("%w: unknown tier %q", ErrMalformedEvent, ev.NewTier)
	}
	if ev.TxHash == "" {
		return fmt.Errorf("%w: missing tx hash", ErrMalformedEvent)
	}

	applied, err := g.journal.WasApplied(ev.Key())
	if err != nil {
		return fmt.Errorf("failed to check event journal: %w", err)
	}
	if applied {
		g.logger.Debug().Str("key", ev.Key()).Msg("Duplicate tier change ignored")
		return nil
	}

	if err := g.ensureUser(user, ev); err != nil {
		return err
	}
	current, err := g.users.Get(user)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}

	if ev.NewTier.Rank() < current.Tier.Rank() {
		return fmt.Errorf("%w: %s -> %s for %s", ErrTierDowngrade, current.Tier, ev.NewTier, user)
	}

	if ev.NewTier.Rank() > current.Tier.Rank() {
		if err := g.users.SetTier(user, ev.NewTier, ev.Timestamp); err != nil {
			return fmt.Errorf("failed to set tier: %w", err)
		}
		if bonus := TierUpgradeBonus(ev.NewTier); bonus > 0 {
			if err := g.points.Award(user, bonus, types.SourceTierUpgrade, ev.Key(), ev.Timestamp); err != nil {
				return fmt.Errorf("failed to award tier upgrade bonus: %w", err)
			}
		}
		g.logger.Info().
			Str("user", user).
			Str("from", string(current.Tier)).
			Str("to", string(ev.NewTier)).
			Msg("Tier upgraded")
	}

	if err := g.journal.MarkApplied(ev.Key(), user, ev.Timestamp); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		return fmt.Errorf("failed to journal tier change: %w", err)
	}
	return nil
}

// TierOf returns the user's current tier, Novice for unknown users.
func (g *ReferralGraph) TierOf(user string) (types.Tier, error) {
	record, err := g.users.Get(types.NormalizeAddress(user))
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if record == nil {
		return types.TierNovice, nil
	}
	return record.Tier, nil
}

// DirectReferrals counts level-1 edges where user is the referrer.
func (g *ReferralGraph) DirectReferrals(user string) (int, error) {
	return g.referrals.Count(types.NormalizeAddress(user), types.ReferralLevelDirect)
}

// IndirectReferrals counts level-2 edges where user is the referrer.
func (g *ReferralGraph) IndirectReferrals(user string) (int, error) {
	return g.referrals.Count(types.NormalizeAddress(user), types.ReferralLevelIndirect)
}

// NoteDeposit accumulates deposit volume on the edges pointing at a referee.
// Called by the position ledger whenever a deposit is applied.
func (g *ReferralGraph) NoteDeposit(referee string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: deposit volume cannot be negative", ErrMalformedEvent)
	}
	if err := g.referrals.AddDepositVolume(types.NormalizeAddress(referee), amount); err != nil {
		return fmt.Errorf("failed to accumulate referral deposit volume: %w", err)
	}
	return nil
}

// ensureUser upserts a minimal user record for addresses seen for the first time.
func (g *ReferralGraph) ensureUser(address string, ev types.DomainEvent) error {
	existing, err := g.users.Get(address)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if existing != nil {
		if err := g.users.TouchLastActive(address, ev.Timestamp); err != nil {
			return fmt.Errorf("failed to touch user: %w", err)
		}
		return nil
	}
	return g.users.Upsert(&types.User{
		Address:            address,
		ReferralCode:       types.DeriveReferralCode(address),
		Tier:               types.TierNovice,
		LeverageMultiplier: decimal.NewFromInt(1),
		CreatedAt:          ev.Timestamp,
		LastActiveAt:       ev.Timestamp,
	})
}

// ensureReferee upserts the referee with its back-reference to the referrer.
func (g *ReferralGraph) ensureReferee(referee, referrer string, ev types.DomainEvent) error {
	existing, err := g.users.Get(referee)
	if err != nil {
		return fmt.Errorf("failed to load referee: %w", err)
	}
	if existing != nil {
		if existing.ReferredBy == "" {
			existing.ReferredBy = referrer
			existing.LastActiveAt = ev.Timestamp
			return g.users.Upsert(existing)
		}
		return g.users.TouchLastActive(referee, ev.Timestamp)
	}
	return g.users.Upsert(&types.User{
		Address:            referee,
		ReferralCode:       types.DeriveReferralCode(referee),
		ReferredBy:         referrer,
		Tier:               types.TierNovice,
		LeverageMultiplier: decimal.NewFromInt(1),
		CreatedAt:          ev.Timestamp,
		LastActiveAt:       ev.Timestamp,
	})
}

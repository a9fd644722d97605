package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
)

// Error definitions
var (
	ErrUnknownWallet = errors.New("wallet is not known to the ledger")
	ErrInvalidLimit  = errors.New("limit must be positive")
)

const maxLeaderboardLimit = 500

// Facade is the read-only aggregation layer over the ledgers. It composes
// snapshots from the stores and never mutates state, so handlers can call it
// concurrently with ingestion.
type Facade struct {
	users     ledger.UserStore
	positions *ledger.PositionLedger
	points    *ledger.PointsLedger
	graph     *ledger.ReferralGraph
	logger    zerolog.Logger
}

func NewFacade(users ledger.UserStore, positions *ledger.PositionLedger, points *ledger.PointsLedger, graph *ledger.ReferralGraph) (*Facade, error) {
	if users == nil {
		return nil, errors.New("user store cannot be nil")
	}
	if positions == nil {
		return nil, errors.New("position ledger cannot be nil")
	}
	if points == nil {
		return nil, errors.New("points ledger cannot be nil")
	}
	if graph == nil {
		return nil, errors.New("referral graph cannot be nil")
	}
	return &Facade{
		users:     users,
		positions: positions,
		points:    points,
		graph:     graph,
		logger:    logger.GetForComponent("query_facade"),
	}, nil
}

// Portfolio assembles the full read-model for one wallet: tier, referral
// code, active positions with maturity verdicts, aggregate principal and the
// points balance, all stamped with a single generation time.
func (f *Facade) Portfolio(wallet string) (*types.PortfolioSnapshot, error) {
	wallet = types.NormalizeAddress(wallet)
	now := time.Now().UTC()

	user, err := f.users.Get(wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", wallet, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}

	views, err := f.Positions(wallet)
	if err != nil {
		return nil, err
	}

	totalPrincipal := decimal.Zero
	active := make([]types.PositionView, 0, len(views))
	for _, view := range views {
		if !view.Position.Active {
			continue
		}
		totalPrincipal = totalPrincipal.Add(view.Position.Principal)
		active = append(active, view)
	}

	balance, err := f.points.BalanceOf(wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load points balance for %s: %w", wallet, err)
	}

	return &types.PortfolioSnapshot{
		Address:         wallet,
		Tier:            user.Tier,
		ReferralCode:    user.ReferralCode,
		TotalPrincipal:  totalPrincipal,
		TotalPoints:     balance,
		ActivePositions: active,
		GeneratedAt:     now,
	}, nil
}

// Positions returns all of a wallet's positions, each paired with the
// maturity verdict computed against the same instant.
func (f *Facade) Positions(wallet string) ([]types.PositionView, error) {
	wallet = types.NormalizeAddress(wallet)
	now := time.Now().UTC()

	positions, err := f.positions.PositionsFor(wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for %s: %w", wallet, err)
	}

	views := make([]types.PositionView, 0, len(positions))
	for _, position := range positions {
		views = append(views, types.PositionView{
			Position: position,
			Maturity: f.positions.Maturity(position, now),
		})
	}
	return views, nil
}

// Leaderboard returns wallets ranked by total points, ties broken by earliest
// account creation. Rank numbers are assigned here, offset-aware.
func (f *Facade) Leaderboard(limit, offset int) ([]types.LeaderboardEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := f.points.Leaderboard(limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	for i := range entries {
		entries[i].Rank = offset + i + 1
	}
	return entries, nil
}

// PointsHistory returns a wallet's full append-only points trail.
func (f *Facade) PointsHistory(wallet string) ([]types.PointsEvent, error) {
	return f.points.History(types.NormalizeAddress(wallet))
}

// ReferralStats summarizes a wallet's standing in the referral graph.
type ReferralStats struct {
	Wallet            string     `json:"wallet"`
	ReferralCode      string     `json:"referral_code"`
	Tier              types.Tier `json:"tier"`
	DirectReferrals   int        `json:"direct_referrals"`
	IndirectReferrals int        `json:"indirect_referrals"`
}

func (f *Facade) ReferralStats(wallet string) (*ReferralStats, error) {
	wallet = types.NormalizeAddress(wallet)

	user, err := f.users.Get(wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", wallet, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}

	direct, err := f.graph.DirectReferrals(wallet)
	if err != nil {
		return nil, err
	}
	indirect, err := f.graph.IndirectReferrals(wallet)
	if err != nil {
		return nil, err
	}

	return &ReferralStats{
		Wallet:            wallet,
		ReferralCode:      user.ReferralCode,
		Tier:              user.Tier,
		DirectReferrals:   direct,
		IndirectReferrals: indirect,
	}, nil
}

/*

Core ledger domain types: users, vault positions, points events and referral
edges. Wallet addresses are stored lowercase; all comparisons go through
NormalizeAddress.

*/

package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Tier is the referral-network-derived user rank.
type Tier string

const (
	TierNovice  Tier = "NOVICE"
	TierScout   Tier = "SCOUT"
	TierCaptain Tier = "CAPTAIN"
	TierWhale   Tier = "WHALE"
)

// Rank returns the ordering of a tier, higher means better. Unknown tiers rank
// below Novice so they can never pass a monotonicity check.
func (t Tier) Rank() int {
	switch t {
	case TierNovice:
		return 1
	case TierScout:
		return 2
	case TierCaptain:
		return 3
	case TierWhale:
		return 4
	default:
		return 0
	}
}

// ParseTier maps the on-chain tier index to the ledger enum.
func ParseTier(index uint8) (Tier, bool) {
	switch index {
	case 0:
		return TierNovice, true
	case 1:
		return TierScout, true
	case 2:
		return TierCaptain, true
	case 3:
		return TierWhale, true
	default:
		return "", false
	}
}

// VaultType identifies the risk tier of a vault.
type VaultType string

const (
	VaultConservative VaultType = "CONSERVATIVE"
	VaultAggressive   VaultType = "AGGRESSIVE"
)

// ParseVaultType parses a case-insensitive vault type name.
func ParseVaultType(raw string) (VaultType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(VaultConservative):
		return VaultConservative, nil
	case string(VaultAggressive):
		return VaultAggressive, nil
	default:
		return "", fmt.Errorf("unknown vault type %q", raw)
	}
}

// PointsMultiplier returns the vault-specific points multiplier
// (Conservative 1.0x, Aggressive 1.5x).
func (v VaultType) PointsMultiplier() decimal.Decimal {
	if v == VaultAggressive {
		return decimal.NewFromFloat(1.5)
	}
	return decimal.NewFromInt(1)
}

// User is keyed by lowercase wallet address, created on the first qualifying
// event and never deleted.
type User struct {
	Address            string          `json:"address"`
	ReferralCode       string          `json:"referral_code"`
	ReferredBy         string          `json:"referred_by,omitempty"`
	Tier               Tier            `json:"tier"`
	AutoCompound       bool            `json:"auto_compound"`
	RiskLevel          int             `json:"risk_level"`
	LeverageActive     bool            `json:"leverage_active"`
	LeverageMultiplier decimal.Decimal `json:"leverage_multiplier"`
	CreatedAt          time.Time       `json:"created_at"`
	LastActiveAt       time.Time       `json:"last_active_at"`
}

// VaultPosition is one deposit lot in a vault. Shares are minted only by a
// deposit and burned only by a withdrawal; a position deactivates exactly once.
type VaultPosition struct {
	ID            int64           `json:"id,omitempty"`
	UserAddress   string          `json:"user_address"`
	VaultAddress  string          `json:"vault_address"`
	VaultType     VaultType       `json:"vault_type"`
	Principal     decimal.Decimal `json:"principal"`
	Shares        sdkmath.Int     `json:"shares"`
	DepositedAt   time.Time       `json:"deposited_at"`
	LastHarvestAt *time.Time      `json:"last_harvest_at,omitempty"`
	Active        bool            `json:"is_active"`
	DepositTxHash string          `json:"deposit_tx_hash"`
	BlockNumber   uint64          `json:"block_number"`
	LogIndex      uint            `json:"log_index"`
}

// PointsSource tags the economic event behind a points entry.
type PointsSource string

const (
	SourceDeposit     PointsSource = "deposit"
	SourceHarvest     PointsSource = "harvest"
	SourceReferral    PointsSource = "referral"
	SourceTierUpgrade PointsSource = "tier_upgrade"
	SourceRedemption  PointsSource = "redemption"
	SourceForfeit     PointsSource = "forfeit"
)

// PointsEvent is an immutable, append-only award or redemption. The running
// sum per wallet is the only balance; it must never go negative.
type PointsEvent struct {
	ID             int64        `json:"id,omitempty"`
	WalletAddress  string       `json:"wallet_address"`
	Amount         int64        `json:"amount"`
	Source         PointsSource `json:"source"`
	IdempotencyKey string       `json:"idempotency_key"`
	TxHash         string       `json:"tx_hash,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Referral levels.
const (
	ReferralLevelDirect   = 1
	ReferralLevelIndirect = 2
)

// Referral is a directed referrer -> referee edge. A referee has at most one
// level-1 edge, immutable once set; level-2 edges are derived.
type Referral struct {
	Referrer      string          `json:"referrer"`
	Referee       string          `json:"referee"`
	Level         int             `json:"level"`
	Active        bool            `json:"is_active"`
	DepositVolume decimal.Decimal `json:"deposit_volume"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LeaderboardEntry ranks a wallet by total points, ties broken by earliest
// account creation.
type LeaderboardEntry struct {
	Rank          int       `json:"rank"`
	WalletAddress string    `json:"wallet_address"`
	TotalPoints   int64     `json:"total_points"`
	Tier          Tier      `json:"tier"`
	CreatedAt     time.Time `json:"created_at"`
}

// MaturityInfo is the maturity verdict for a single position.
type MaturityInfo struct {
	IsMature      bool            `json:"is_mature"`
	DaysRemaining int             `json:"days_remaining"`
	Penalty       decimal.Decimal `json:"penalty"`
	BonusForfeit  int64           `json:"bonus_forfeit"`
}

// PortfolioSnapshot is the aggregated read-model served to the API layer.
type PortfolioSnapshot struct {
	Address         string          `json:"address"`
	Tier            Tier            `json:"tier"`
	ReferralCode    string          `json:"referral_code"`
	TotalPrincipal  decimal.Decimal `json:"total_principal"`
	TotalPoints     int64           `json:"total_points"`
	ActivePositions []PositionView  `json:"active_positions"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// PositionView pairs a position with its maturity verdict.
type PositionView struct {
	Position VaultPosition `json:"position"`
	Maturity MaturityInfo  `json:"maturity"`
}

// NormalizeAddress lowercases a wallet address for use as a ledger key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// DeriveReferralCode derives the stable referral code for a wallet from the
// keccak hash of its normalized address.
func DeriveReferralCode(addr string) string {
	sum := crypto.Keccak256([]byte(NormalizeAddress(addr)))
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

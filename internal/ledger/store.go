package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/types"
)

// Storage contracts the ledgers mutate through. The state package provides a
// Postgres implementation and an in-memory one for tests and dry-run mode.
// Implementations map storage-level unique violations on idempotency anchors
// to ErrDuplicateEvent.

// UserStore owns the shared user records. Get returns (nil, nil) when the
// address is unknown.
type UserStore interface {
	Get(address string) (*types.User, error)
	Upsert(user *types.User) error
	SetTier(address string, tier types.Tier, at time.Time) error
	TouchLastActive(address string, at time.Time) error
}

// PositionStore owns vault position rows and the per-user event cursor.
type PositionStore interface {
	Insert(position *types.VaultPosition) error
	ByDepositTx(txHash string) (*types.VaultPosition, error)
	ForUser(user string) ([]types.VaultPosition, error)
	Active(user, vault string) ([]types.VaultPosition, error)
	Deactivate(user, vault string, at time.Time) (int, error)
	MarkHarvest(user, vault string, at time.Time) error

	Cursor(user string) (types.OrderingKey, bool, error)
	SetCursor(user string, key types.OrderingKey) error
}

// PointsStore owns the append-only points event log.
type PointsStore interface {
	Append(event *types.PointsEvent) error
	Has(wallet, idempotencyKey string) (bool, error)
	Sum(wallet string) (int64, error)
	ForWallet(wallet string) ([]types.PointsEvent, error)
	Leaderboard(limit, offset int) ([]types.LeaderboardEntry, error)
}

// ReferralStore owns referral edges.
type ReferralStore interface {
	Insert(edge *types.Referral) error
	DirectReferrer(referee string) (string, bool, error)
	Count(referrer string, level int) (int, error)
	AddDepositVolume(referee string, amount decimal.Decimal) error
}

// EventJournal records which chain events were fully applied, keyed by
// txHash:logIndex. It is the first line of defense against redelivery.
type EventJournal interface {
	WasApplied(key string) (bool, error)
	MarkApplied(key, wallet string, at time.Time) error
}

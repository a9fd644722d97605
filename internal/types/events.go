package types

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// EventKind tags the canonical event variant.
type EventKind string

const (
	EventDeposit            EventKind = "DEPOSIT"
	EventWithdraw           EventKind = "WITHDRAW"
	EventReferralRegistered EventKind = "REFERRAL_REGISTERED"
	EventTierChanged        EventKind = "TIER_CHANGED"
	EventHarvest            EventKind = "HARVEST"
)

// RawEvent is a chain log as delivered by the upstream indexer, at-least-once
// and in-order per address only.
type RawEvent struct {
	ContractAddress string         `json:"contract_address"`
	EventName       string         `json:"event_name"`
	Args            map[string]any `json:"args"`
	TxHash          string         `json:"tx_hash"`
	LogIndex        uint           `json:"log_index"`
	BlockNumber     uint64         `json:"block_number"`
	BlockTimestamp  time.Time      `json:"block_timestamp"`
}

// DomainEvent is the canonical internal event. Only the fields relevant to the
// tagged Kind are populated, the rest stay at their zero values.
type DomainEvent struct {
	Kind        EventKind `json:"kind"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`

	// Wallet the event applies to, lowercase.
	User string `json:"user"`

	// Fields for DEPOSIT / WITHDRAW / HARVEST
	VaultAddress string          `json:"vault_address,omitempty"`
	VaultType    VaultType       `json:"vault_type,omitempty"`
	Assets       decimal.Decimal `json:"assets,omitempty"`       // asset units (USD stable)
	ShareUnits   decimal.Decimal `json:"share_units,omitempty"`  // shares expressed in asset units
	Shares       sdkmath.Int     `json:"shares,omitempty"`       // raw share amount

	// Fields for REFERRAL_REGISTERED
	Referrer string `json:"referrer,omitempty"`

	// Fields for TIER_CHANGED
	NewTier Tier `json:"new_tier,omitempty"`
}

// Key returns the idempotency key txHash:logIndex, the sole defense against
// duplicate processing under at-least-once delivery.
func (e DomainEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// OrderingKey is the per-user blockchain ordering of the event.
type OrderingKey struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint   `json:"log_index"`
}

// Ordering returns the event's position in blockchain order.
func (e DomainEvent) Ordering() OrderingKey {
	return OrderingKey{BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

// Before reports whether k strictly precedes other in blockchain order.
func (k OrderingKey) Before(other OrderingKey) bool {
	if k.BlockNumber != other.BlockNumber {
		return k.BlockNumber < other.BlockNumber
	}
	return k.LogIndex < other.LogIndex
}

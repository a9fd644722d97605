package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TotalWeightBp is the basis-point total every vault's target weights must sum to.
const TotalWeightBp int64 = 10_000

// AllocationTarget is a strategy's configured target weight in basis points.
type AllocationTarget struct {
	StrategyID string `json:"strategy_id"`
	WeightBp   int64  `json:"weight_bp"`
}

// VaultTargets is the allocation target set for one vault.
type VaultTargets struct {
	VaultAddress string             `json:"vault_address"`
	VaultType    VaultType          `json:"vault_type"`
	Targets      []AllocationTarget `json:"targets"`
}

// VaultState is the reconciler state machine per vault.
type VaultState string

const (
	VaultBalanced    VaultState = "BALANCED"
	VaultDrifted     VaultState = "DRIFTED"
	VaultRebalancing VaultState = "REBALANCING"
)

// StrategyDrift is the deviation of a strategy's realized share from its target.
type StrategyDrift struct {
	StrategyID string          `json:"strategy_id"`
	TargetBp   int64           `json:"target_bp"`
	RealizedBp int64           `json:"realized_bp"`
	DeltaBp    int64           `json:"delta_bp"`
	Realized   decimal.Decimal `json:"realized"`
}

// RebalanceLeg is the signed amount to move a strategy back to target.
// Positive means deposit into the strategy, negative means withdraw.
type RebalanceLeg struct {
	StrategyID string          `json:"strategy_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// RebalanceIntent is handed to an external keeper; the reconciler itself never
// writes on-chain.
type RebalanceIntent struct {
	ID           string         `json:"id"`
	VaultAddress string         `json:"vault_address"`
	Legs         []RebalanceLeg `json:"legs"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ReconcileCycle is the durable receipt of one reconciliation pass over a vault.
type ReconcileCycle struct {
	ID           int64            `json:"id,omitempty"`
	CycleNumber  int              `json:"cycle_number"`
	VaultAddress string           `json:"vault_address"`
	State        VaultState       `json:"state"`
	MaxDriftBp   int64            `json:"max_drift_bp"`
	Drift        []StrategyDrift  `json:"drift"`
	Intent       *RebalanceIntent `json:"intent,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

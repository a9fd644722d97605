package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidTargets       = errors.New("target allocations contain invalid values")
	ErrMissingBalances      = errors.New("realized balance data is missing")
	ErrNegativeBalance      = errors.New("realized balance cannot be negative")
	ErrEmptyPool            = errors.New("total realized value is zero")
	ErrAllocationReadFailed = errors.New("allocation balance read failed")
)

// DefaultDriftThresholdBp is the drift at which a vault leaves Balanced (5%).
const DefaultDriftThresholdBp int64 = 500

// BalanceReader reads realized strategy values from the chain. Reads are
// fallible; a failed read skips the reconciliation cycle, it never corrupts
// reconciler state.
type BalanceReader interface {
	StrategyAssets(ctx context.Context, strategyID string) (decimal.Decimal, error)
}

// CycleStore persists reconcile cycle receipts.
type CycleStore interface {
	Insert(cycle *types.ReconcileCycle) error
	Recent(vault string, limit int) ([]types.ReconcileCycle, error)
}

// IntentSink receives rebalance intents for an external keeper. The
// reconciler itself performs no on-chain writes.
type IntentSink func(intent types.RebalanceIntent)

// Config wires a Reconciler; all collaborators are injected.
type Config struct {
	Vaults           []types.VaultTargets
	Reader           BalanceReader
	Cycles           CycleStore
	Sink             IntentSink
	DriftThresholdBp int64
}

// Reconciler compares configured target weights against realized per-strategy
// balances and plans the delta needed to restore targets. It only reads
// external balances and target configuration, so it can run concurrently with
// ledger mutation.
type Reconciler struct {
	vaults    []types.VaultTargets
	reader    BalanceReader
	cycles    CycleStore
	sink      IntentSink
	threshold int64
	logger    zerolog.Logger

	mu         sync.RWMutex
	states     map[string]types.VaultState
	lastIntent map[string]*types.RebalanceIntent
	cycleCount int
}

// New creates a reconciler after validating the injected configuration.
func New(cfg Config) (*Reconciler, error) {
	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("%w: no vault targets configured", ErrInvalidTargets)
	}
	if cfg.Reader == nil {
		return nil, errors.New("balance reader cannot be nil")
	}
	if cfg.Cycles == nil {
		return nil, errors.New("cycle store cannot be nil")
	}
	threshold := cfg.DriftThresholdBp
	if threshold <= 0 {
		threshold = DefaultDriftThresholdBp
	}

	states := make(map[string]types.VaultState, len(cfg.Vaults))
	for _, vault := range cfg.Vaults {
		if err := validateTargets(vault.Targets); err != nil {
			return nil, fmt.Errorf("vault %s: %w", vault.VaultAddress, err)
		}
		states[types.NormalizeAddress(vault.VaultAddress)] = types.VaultBalanced
	}

	return &Reconciler{
		vaults:     cfg.Vaults,
		reader:     cfg.Reader,
		cycles:     cfg.Cycles,
		sink:       cfg.Sink,
		threshold:  threshold,
		logger:     logger.GetForComponent("allocation_reconciler"),
		states:     states,
		lastIntent: make(map[string]*types.RebalanceIntent),
	}, nil
}

// validateTargets checks a target set sums to exactly 10,000 basis points.
func validateTargets(targets []types.AllocationTarget) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: empty target set", ErrInvalidTargets)
	}
	var total int64
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.StrategyID == "" {
			return fmt.Errorf("%w: empty strategy id", ErrInvalidTargets)
		}
		if _, dup := seen[t.StrategyID]; dup {
			return fmt.Errorf("%w: duplicate strategy %s", ErrInvalidTargets, t.StrategyID)
		}
		seen[t.StrategyID] = struct{}{}
		if t.WeightBp < 0 || t.WeightBp > types.TotalWeightBp {
			return fmt.Errorf("%w: weight %d out of range for %s", ErrInvalidTargets, t.WeightBp, t.StrategyID)
		}
		total += t.WeightBp
	}
	if total != types.TotalWeightBp {
		return fmt.Errorf("%w: weights sum to %d, want %d", ErrInvalidTargets, total, types.TotalWeightBp)
	}
	return nil
}

// ComputeDrift compares realized balances against targets. realizedBp is each
// strategy's share of the total pool in basis points; deltaBp = realizedBp -
// targetBp.
func ComputeDrift(targets []types.AllocationTarget, realized map[string]decimal.Decimal) ([]types.StrategyDrift, error) {
	if err := validateTargets(targets); err != nil {
		return nil, err
	}
	if realized == nil {
		return nil, fmt.Errorf("%w: realized balance map is nil", ErrMissingBalances)
	}

	total := decimal.Zero
	for _, target := range targets {
		balance, ok := realized[target.StrategyID]
		if !ok {
			return nil, fmt.Errorf("%w: no balance for strategy %s", ErrMissingBalances, target.StrategyID)
		}
		if balance.IsNegative() {
			return nil, fmt.Errorf("%w: strategy %s has balance %s", ErrNegativeBalance, target.StrategyID, balance)
		}
		total = total.Add(balance)
	}
	if total.IsZero() {
		return nil, ErrEmptyPool
	}

	bp := decimal.NewFromInt(types.TotalWeightBp)
	drifts := make([]types.StrategyDrift, 0, len(targets))
	for _, target := range targets {
		balance := realized[target.StrategyID]
		realizedBp := balance.Mul(bp).Div(total).Round(0).IntPart()
		drifts = append(drifts, types.StrategyDrift{
			StrategyID: target.StrategyID,
			TargetBp:   target.WeightBp,
			RealizedBp: realizedBp,
			DeltaBp:    realizedBp - target.WeightBp,
			Realized:   balance,
		})
	}
	return drifts, nil
}

// MaxAbsDrift returns the largest absolute per-strategy deviation.
func MaxAbsDrift(drifts []types.StrategyDrift) int64 {
	var max int64
	for _, d := range drifts {
		delta := d.DeltaBp
		if delta < 0 {
			delta = -delta
		}
		if delta > max {
			max = delta
		}
	}
	return max
}

// PlanRebalance computes the signed amount per strategy that restores the
// target weights. Rebalancing only moves value between strategies, so the
// amounts sum to zero exactly: each leg is total*targetBp/10000 - realized and
// the target weights sum to 10,000.
func PlanRebalance(drifts []types.StrategyDrift) ([]types.RebalanceLeg, error) {
	if len(drifts) == 0 {
		return nil, fmt.Errorf("%w: empty drift set", ErrMissingBalances)
	}

	total := decimal.Zero
	for _, d := range drifts {
		if d.Realized.IsNegative() {
			return nil, fmt.Errorf("%w: strategy %s", ErrNegativeBalance, d.StrategyID)
		}
		total = total.Add(d.Realized)
	}
	if total.IsZero() {
		return nil, ErrEmptyPool
	}

	bp := decimal.NewFromInt(types.TotalWeightBp)
	legs := make([]types.RebalanceLeg, 0, len(drifts))
	for _, d := range drifts {
		target := total.Mul(decimal.NewFromInt(d.TargetBp)).Div(bp)
		legs = append(legs, types.RebalanceLeg{
			StrategyID: d.StrategyID,
			Amount:     target.Sub(d.Realized),
		})
	}
	return legs, nil
}

// State returns the current state machine position for a vault.
func (r *Reconciler) State(vault string) types.VaultState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[types.NormalizeAddress(vault)]
	if !ok {
		return types.VaultBalanced
	}
	return state
}

// LastIntent returns the most recent rebalance intent for a vault, if any.
func (r *Reconciler) LastIntent(vault string) *types.RebalanceIntent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastIntent[types.NormalizeAddress(vault)]
}

// RecentCycles exposes persisted cycle receipts for the query layer.
func (r *Reconciler) RecentCycles(vault string, limit int) ([]types.ReconcileCycle, error) {
	return r.cycles.Recent(types.NormalizeAddress(vault), limit)
}

// RunCycle performs one reconciliation pass over every configured vault. A
// failed balance read skips that vault's pass and leaves its state untouched;
// the next cycle retries.
func (r *Reconciler) RunCycle(ctx context.Context) {
	r.mu.Lock()
	r.cycleCount++
	cycle := r.cycleCount
	r.mu.Unlock()

	for _, vault := range r.vaults {
		if err := r.reconcileVault(ctx, cycle, vault); err != nil {
			r.logger.Warn().
				Err(err).
				Str("vault", vault.VaultAddress).
				Int("cycle", cycle).
				Msg("Reconciliation pass skipped")
		}
	}
}

func (r *Reconciler) reconcileVault(ctx context.Context, cycleNumber int, vault types.VaultTargets) error {
	vaultAddr := types.NormalizeAddress(vault.VaultAddress)

	realized, err := r.snapshotBalances(ctx, vault.Targets)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationReadFailed, err)
	}

	drifts, err := ComputeDrift(vault.Targets, realized)
	if err != nil {
		return err
	}
	maxDrift := MaxAbsDrift(drifts)

	r.mu.Lock()
	previous := r.states[vaultAddr]
	next := nextState(previous, maxDrift, r.threshold)
	r.states[vaultAddr] = next
	r.mu.Unlock()

	receipt := &types.ReconcileCycle{
		CycleNumber:  cycleNumber,
		VaultAddress: vaultAddr,
		State:        next,
		MaxDriftBp:   maxDrift,
		Drift:        drifts,
		CreatedAt:    time.Now().UTC(),
	}

	if next == types.VaultRebalancing && previous != types.VaultRebalancing {
		legs, err := PlanRebalance(drifts)
		if err != nil {
			return err
		}
		intent := types.RebalanceIntent{
			ID:           uuid.NewString(),
			VaultAddress: vaultAddr,
			Legs:         legs,
			CreatedAt:    receipt.CreatedAt,
		}
		receipt.Intent = &intent

		r.mu.Lock()
		r.lastIntent[vaultAddr] = &intent
		r.mu.Unlock()

		if r.sink != nil {
			r.sink(intent)
		}
		r.logger.Info().
			Str("vault", vaultAddr).
			Str("intent", intent.ID).
			Int64("maxDriftBp", maxDrift).
			Int("legs", len(legs)).
			Msg("Rebalance intent emitted")
	}

	if err := r.cycles.Insert(receipt); err != nil {
		return fmt.Errorf("failed to persist cycle receipt: %w", err)
	}

	r.logger.Debug().
		Str("vault", vaultAddr).
		Str("state", string(next)).
		Int64("maxDriftBp", maxDrift).
		Msg("Reconciliation pass complete")
	return nil
}

// snapshotBalances reads every strategy balance for a vault. Any single
// failure fails the whole snapshot so a partial read can never skew drift.
func (r *Reconciler) snapshotBalances(ctx context.Context, targets []types.AllocationTarget) (map[string]decimal.Decimal, error) {
	realized := make(map[string]decimal.Decimal, len(targets))
	for _, target := range targets {
		balance, err := r.reader.StrategyAssets(ctx, target.StrategyID)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", target.StrategyID, err)
		}
		realized[target.StrategyID] = balance
	}
	return realized, nil
}

// nextState advances the per-vault state machine.
//
//	Balanced -> Drifted      when maxDrift exceeds the threshold
//	Drifted  -> Rebalancing  on the next pass still above threshold (intent emitted)
//	any      -> Balanced     once drift is back under the threshold
func nextState(current types.VaultState, maxDriftBp, thresholdBp int64) types.VaultState {
	if maxDriftBp <= thresholdBp {
		return types.VaultBalanced
	}
	switch current {
	case types.VaultBalanced, "":
		return types.VaultDrifted
	default:
		return types.VaultRebalancing
	}
}

// RunLoop starts the periodic reconciliation loop with the given interval.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	r.logger.Info().
		Dur("interval", interval).
		Int("vaults", len(r.vaults)).
		Msg("Starting reconciler loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run first cycle immediately
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler loop stopped due to context cancellation")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

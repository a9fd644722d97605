package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/types"
)

// MemoryStore backs tests and dry-run mode with an in-memory implementation
// of every store contract. Per-concern views share one core so the semantics
// (including the duplicate-key mapping to ledger.ErrDuplicateEvent) track the
// Postgres stores.
type MemoryStore struct {
	mu sync.RWMutex

	users      map[string]types.User
	positions  []types.VaultPosition
	byTx       map[string]int
	points     []types.PointsEvent
	pointsKeys map[string]struct{} // wallet + "\x00" + key
	referrals  []types.Referral
	journal    map[string]struct{}
	cursors    map[string]types.OrderingKey
	cycles     []types.ReconcileCycle
	nextID     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]types.User),
		byTx:       make(map[string]int),
		pointsKeys: make(map[string]struct{}),
		journal:    make(map[string]struct{}),
		cursors:    make(map[string]types.OrderingKey),
		nextID:     1,
	}
}

// Users returns the ledger.UserStore view.
func (m *MemoryStore) Users() *MemoryUsers { return &MemoryUsers{m} }

// Positions returns the ledger.PositionStore view.
func (m *MemoryStore) Positions() *MemoryPositions { return &MemoryPositions{m} }

// Points returns the ledger.PointsStore view.
func (m *MemoryStore) Points() *MemoryPoints { return &MemoryPoints{m} }

// Referrals returns the ledger.ReferralStore view.
func (m *MemoryStore) Referrals() *MemoryReferrals { return &MemoryReferrals{m} }

// Journal returns the ledger.EventJournal view.
func (m *MemoryStore) Journal() *MemoryJournal { return &MemoryJournal{m} }

// Cycles returns the reconciler CycleStore view.
func (m *MemoryStore) Cycles() *MemoryCycles { return &MemoryCycles{m} }

// MemoryUsers implements ledger.UserStore.
type MemoryUsers struct{ s *MemoryStore }

func (v *MemoryUsers) Get(address string) (*types.User, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	u, ok := v.s.users[address]
	if !ok {
		return nil, nil
	}
	copied := u
	return &copied, nil
}

func (v *MemoryUsers) Upsert(user *types.User) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	existing, ok := v.s.users[user.Address]
	if ok {
		// referred_by is immutable once set, created_at is never rewritten
		if existing.ReferredBy != "" {
			user.ReferredBy = existing.ReferredBy
		}
		user.CreatedAt = existing.CreatedAt
	}
	v.s.users[user.Address] = *user
	return nil
}

func (v *MemoryUsers) SetTier(address string, tier types.Tier, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[address]
	if !ok {
		return fmt.Errorf("user %s not found", address)
	}
	u.Tier = tier
	u.LastActiveAt = at
	v.s.users[address] = u
	return nil
}

func (v *MemoryUsers) TouchLastActive(address string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[address]
	if !ok {
		return nil
	}
	if at.After(u.LastActiveAt) {
		u.LastActiveAt = at
		v.s.users[address] = u
	}
	return nil
}

// MemoryPositions implements ledger.PositionStore.
type MemoryPositions struct{ s *MemoryStore }

func (v *MemoryPositions) Insert(position *types.VaultPosition) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, exists := v.s.byTx[position.DepositTxHash]; exists {
		return fmt.Errorf("%w: deposit_tx_hash", ledger.ErrDuplicateEvent)
	}
	position.ID = v.s.nextID
	v.s.nextID++
	v.s.byTx[position.DepositTxHash] = len(v.s.positions)
	v.s.positions = append(v.s.positions, *position)
	return nil
}

func (v *MemoryPositions) ByDepositTx(txHash string) (*types.VaultPosition, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	idx, ok := v.s.byTx[txHash]
	if !ok {
		return nil, nil
	}
	copied := v.s.positions[idx]
	return &copied, nil
}

func (v *MemoryPositions) ForUser(user string) ([]types.VaultPosition, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []types.VaultPosition
	for _, p := range v.s.positions {
		if p.UserAddress == user {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DepositedAt.After(out[j].DepositedAt)
	})
	return out, nil
}

func (v *MemoryPositions) Active(user, vault string) ([]types.VaultPosition, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []types.VaultPosition
	for _, p := range v.s.positions {
		if p.UserAddress == user && p.VaultAddress == vault && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *MemoryPositions) Deactivate(user, vault string, at time.Time) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	count := 0
	for i := range v.s.positions {
		p := &v.s.positions[i]
		if p.UserAddress == user && p.VaultAddress == vault && p.Active {
			p.Active = false
			count++
		}
	}
	return count, nil
}

func (v *MemoryPositions) MarkHarvest(user, vault string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for i := range v.s.positions {
		p := &v.s.positions[i]
		if p.UserAddress == user && p.VaultAddress == vault && p.Active {
			t := at
			p.LastHarvestAt = &t
		}
	}
	return nil
}

func (v *MemoryPositions) Cursor(user string) (types.OrderingKey, bool, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	key, ok := v.s.cursors[user]
	return key, ok, nil
}

func (v *MemoryPositions) SetCursor(user string, key types.OrderingKey) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.cursors[user] = key
	return nil
}

// MemoryPoints implements ledger.PointsStore.
type MemoryPoints struct{ s *MemoryStore }

func (v *MemoryPoints) Append(event *types.PointsEvent) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	dedupeKey := event.WalletAddress + "\x00" + event.IdempotencyKey
	if _, exists := v.s.pointsKeys[dedupeKey]; exists {
		return fmt.Errorf("%w: points idempotency key", ledger.ErrDuplicateEvent)
	}
	event.ID = v.s.nextID
	v.s.nextID++
	v.s.pointsKeys[dedupeKey] = struct{}{}
	v.s.points = append(v.s.points, *event)
	return nil
}

func (v *MemoryPoints) Has(wallet, idempotencyKey string) (bool, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	_, exists := v.s.pointsKeys[wallet+"\x00"+idempotencyKey]
	return exists, nil
}

func (v *MemoryPoints) Sum(wallet string) (int64, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var balance int64
	for _, ev := range v.s.points {
		if ev.WalletAddress == wallet {
			balance += ev.Amount
		}
	}
	return balance, nil
}

func (v *MemoryPoints) ForWallet(wallet string) ([]types.PointsEvent, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []types.PointsEvent
	for _, ev := range v.s.points {
		if ev.WalletAddress == wallet {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (v *MemoryPoints) Leaderboard(limit, offset int) ([]types.LeaderboardEntry, error) {
	// The query facade owns the upper bound; only a non-positive limit is
	// defaulted here.
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	v.s.mu.RLock()
	totals := make(map[string]int64)
	for _, ev := range v.s.points {
		totals[ev.WalletAddress] += ev.Amount
	}
	var entries []types.LeaderboardEntry
	for wallet, total := range totals {
		user, ok := v.s.users[wallet]
		if !ok {
			continue
		}
		entries = append(entries, types.LeaderboardEntry{
			WalletAddress: wallet,
			TotalPoints:   total,
			Tier:          user.Tier,
			CreatedAt:     user.CreatedAt,
		})
	}
	v.s.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = offset + i + 1
	}
	return entries, nil
}

// MemoryReferrals implements ledger.ReferralStore.
type MemoryReferrals struct{ s *MemoryStore }

func (v *MemoryReferrals) Insert(edge *types.Referral) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, e := range v.s.referrals {
		if e.Referrer == edge.Referrer && e.Referee == edge.Referee && e.Level == edge.Level {
			return fmt.Errorf("%w: referral edge", ledger.ErrDuplicateEvent)
		}
		if edge.Level == types.ReferralLevelDirect && e.Level == types.ReferralLevelDirect && e.Referee == edge.Referee {
			return fmt.Errorf("%w: direct referrer already set", ledger.ErrDuplicateEvent)
		}
	}
	v.s.referrals = append(v.s.referrals, *edge)
	return nil
}

func (v *MemoryReferrals) DirectReferrer(referee string) (string, bool, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, e := range v.s.referrals {
		if e.Referee == referee && e.Level == types.ReferralLevelDirect {
			return e.Referrer, true, nil
		}
	}
	return "", false, nil
}

func (v *MemoryReferrals) Count(referrer string, level int) (int, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	count := 0
	for _, e := range v.s.referrals {
		if e.Referrer == referrer && e.Level == level {
			count++
		}
	}
	return count, nil
}

func (v *MemoryReferrals) AddDepositVolume(referee string, amount decimal.Decimal) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for i := range v.s.referrals {
		if v.s.referrals[i].Referee == referee {
			v.s.referrals[i].DepositVolume = v.s.referrals[i].DepositVolume.Add(amount)
		}
	}
	return nil
}

// MemoryJournal implements ledger.EventJournal.
type MemoryJournal struct{ s *MemoryStore }

func (v *MemoryJournal) WasApplied(key string) (bool, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	_, ok := v.s.journal[key]
	return ok, nil
}

func (v *MemoryJournal) MarkApplied(key, wallet string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.journal[key]; ok {
		return fmt.Errorf("%w: journal key", ledger.ErrDuplicateEvent)
	}
	v.s.journal[key] = struct{}{}
	return nil
}

// MemoryCycles implements reconciler.CycleStore.
type MemoryCycles struct{ s *MemoryStore }

func (v *MemoryCycles) Insert(cycle *types.ReconcileCycle) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cycle.ID = v.s.nextID
	v.s.nextID++
	v.s.cycles = append(v.s.cycles, *cycle)
	return nil
}

func (v *MemoryCycles) Recent(vault string, limit int) ([]types.ReconcileCycle, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []types.ReconcileCycle
	for i := len(v.s.cycles) - 1; i >= 0 && len(out) < limit; i-- {
		if vault == "" || v.s.cycles[i].VaultAddress == vault {
			out = append(out, v.s.cycles[i])
		}
	}
	return out, nil
}

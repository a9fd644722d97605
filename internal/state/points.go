package state

import (
	"database/sql"
	"fmt"

	"github.com/harborfi/ledgerd/internal/types"
)

// PointsStore is the Postgres implementation of ledger.PointsStore. The event
// log is the sole source of truth; balances are aggregated on read.
type PointsStore struct {
	db *sql.DB
}

// NewPointsStore creates a points store over the given connection pool.
func NewPointsStore(db *sql.DB) *PointsStore {
	return &PointsStore{db: db}
}

// Append records one immutable points event. A duplicate (wallet, key) pair
// maps to ledger.ErrDuplicateEvent.
func (s *PointsStore) Append(event *types.PointsEvent) error {
	stmt := `
		INSERT INTO points_events (wallet_address, amount, source, idempotency_key, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING event_id`

	err := s.db.QueryRow(stmt,
		event.WalletAddress, event.Amount, event.Source,
		event.IdempotencyKey, event.TxHash, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return mapUniqueViolation(fmt.Errorf("failed to append points event: %w", err))
	}
	return nil
}

// Has reports whether a (wallet, key) pair was already recorded.
func (s *PointsStore) Has(wallet, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM points_events WHERE wallet_address = $1 AND idempotency_key = $2)`,
		wallet, idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check points idempotency: %w", err)
	}
	return exists, nil
}

// Sum derives the wallet balance from the event log.
func (s *PointsStore) Sum(wallet string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0) FROM points_events WHERE wallet_address = $1`,
		wallet,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to sum points for %s: %w", wallet, err)
	}
	return balance, nil
}

// ForWallet returns all events for a wallet in append order.
func (s *PointsStore) ForWallet(wallet string) ([]types.PointsEvent, error) {
	rows, err := s.db.Query(
		`SELECT event_id, wallet_address, amount, source, idempotency_key, COALESCE(tx_hash, ''), created_at
		 FROM points_events WHERE wallet_address = $1 ORDER BY event_id`,
		wallet,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query points events: %w", err)
	}
	defer rows.Close()

	var events []types.PointsEvent
	for rows.Next() {
		var ev types.PointsEvent
		if err := rows.Scan(&ev.ID, &ev.WalletAddress, &ev.Amount, &ev.Source, &ev.IdempotencyKey, &ev.TxHash, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan points event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("points event iteration failed: %w", err)
	}
	return events, nil
}

// Leaderboard ranks wallets by total points descending, ties broken by the
// earliest account creation.
func (s *PointsStore) Leaderboard(limit, offset int) ([]types.LeaderboardEntry, error) {
	// The query facade owns the upper bound; only a non-positive limit is
	// defaulted here.
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT p.wallet_address, SUM(p.amount) AS total_points, u.tier, u.created_at
		FROM points_events p
		JOIN users u ON u.address = p.wallet_address
		GROUP BY p.wallet_address, u.tier, u.created_at
		ORDER BY total_points DESC, u.created_at ASC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []types.LeaderboardEntry
	rank := offset
	for rows.Next() {
		rank++
		entry := types.LeaderboardEntry{Rank: rank}
		if err := rows.Scan(&entry.WalletAddress, &entry.TotalPoints, &entry.Tier, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leaderboard iteration failed: %w", err)
	}
	return entries, nil
}

package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/types"
)

// ReferralStore is the Postgres implementation of ledger.ReferralStore.
type ReferralStore struct {
	db *sql.DB
}

// NewReferralStore creates a referral store over the given connection pool.
func NewReferralStore(db *sql.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// Insert creates a referral edge. A duplicate (referrer, referee, level) key
// or a second direct referrer for a referee maps to ledger.ErrDuplicateEvent.
func (s *ReferralStore) Insert(edge *types.Referral) error {
	stmt := `
		INSERT INTO referrals (referrer, referee, level, is_active, deposit_volume, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(stmt,
		edge.Referrer, edge.Referee, edge.Level, edge.Active,
		edge.DepositVolume.String(), edge.CreatedAt,
	)
	if err != nil {
		return mapUniqueViolation(fmt.Errorf("failed to insert referral edge: %w", err))
	}
	return nil
}

// DirectReferrer returns the level-1 referrer of a referee, if any.
func (s *ReferralStore) DirectReferrer(referee string) (string, bool, error) {
	var referrer string
	err := s.db.QueryRow(
		`SELECT referrer FROM referrals WHERE referee = $1 AND level = 1`,
		referee,
	).Scan(&referrer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query direct referrer: %w", err)
	}
	return referrer, true, nil
}

// Count counts edges where the user is the referrer at the given level.
func (s *ReferralStore) Count(referrer string, level int) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM referrals WHERE referrer = $1 AND level = $2`,
		referrer, level,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return count, nil
}

// AddDepositVolume accumulates deposit volume on every edge pointing at the
// referee.
func (s *ReferralStore) AddDepositVolume(referee string, amount decimal.Decimal) error {
	_, err := s.db.Exec(
		`UPDATE referrals SET deposit_volume = deposit_volume + $2 WHERE referee = $1`,
		referee, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to add referral deposit volume: %w", err)
	}
	return nil
}

// JournalStore is the Postgres implementation of ledger.EventJournal.
type JournalStore struct {
	db *sql.DB
}

// NewJournalStore creates an event journal over the given connection pool.
func NewJournalStore(db *sql.DB) *JournalStore {
	return &JournalStore{db: db}
}

// WasApplied reports whether an event key was fully applied.
func (s *JournalStore) WasApplied(key string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM applied_events WHERE event_key = $1)`,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event journal: %w", err)
	}
	return exists, nil
}

// MarkApplied records an applied event key. A duplicate key maps to
// ledger.ErrDuplicateEvent.
func (s *JournalStore) MarkApplied(key, wallet string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO applied_events (event_key, wallet_address, applied_at) VALUES ($1, $2, $3)`,
		key, wallet, at,
	)
	if err != nil {
		return mapUniqueViolation(fmt.Errorf("failed to journal event: %w", err))
	}
	return nil
}

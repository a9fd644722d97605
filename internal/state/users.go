package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborfi/ledgerd/internal/types"
)

// UserStore is the Postgres implementation of ledger.UserStore.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store over the given connection pool.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Get loads a user by lowercase address; (nil, nil) when absent.
func (s *UserStore) Get(address string) (*types.User, error) {
	query := `
		SELECT address, referral_code, COALESCE(referred_by, ''), tier,
		       auto_compound, risk_level, leverage_active, leverage_multiplier,
		       created_at, last_active_at
		FROM users WHERE address = $1`

	var u types.User
	var leverage string
	err := s.db.QueryRow(query, address).Scan(
		&u.Address, &u.ReferralCode, &u.ReferredBy, &u.Tier,
		&u.AutoCompound, &u.RiskLevel, &u.LeverageActive, &leverage,
		&u.CreatedAt, &u.LastActiveAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user %s: %w", address, err)
	}
	if u.LeverageMultiplier, err = parseDecimal(leverage); err != nil {
		return nil, fmt.Errorf("failed to parse leverage multiplier for %s: %w", address, err)
	}
	return &u, nil
}

// Upsert inserts or updates a user record keyed by address.
func (s *UserStore) Upsert(user *types.User) error {
	stmt := `
		INSERT INTO users (
			address, referral_code, referred_by, tier,
			auto_compound, risk_level, leverage_active, leverage_multiplier,
			created_at, last_active_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (address) DO UPDATE SET
			referred_by = COALESCE(users.referred_by, NULLIF(EXCLUDED.referred_by, '')),
			tier = EXCLUDED.tier,
			auto_compound = EXCLUDED.auto_compound,
			risk_level = EXCLUDED.risk_level,
			leverage_active = EXCLUDED.leverage_active,
			leverage_multiplier = EXCLUDED.leverage_multiplier,
			last_active_at = EXCLUDED.last_active_at`

	_, err := s.db.Exec(stmt,
		user.Address, user.ReferralCode, user.ReferredBy, user.Tier,
		user.AutoCompound, user.RiskLevel, user.LeverageActive, user.LeverageMultiplier.String(),
		user.CreatedAt, user.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.Address, err)
	}
	return nil
}

// SetTier updates the user's tier.
func (s *UserStore) SetTier(address string, tier types.Tier, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE users SET tier = $2, last_active_at = $3 WHERE address = $1`,
		address, tier, at,
	)
	if err != nil {
		return fmt.Errorf("failed to set tier for %s: %w", address, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s not found", address)
	}
	return nil
}

// TouchLastActive bumps the user's last-active timestamp.
func (s *UserStore) TouchLastActive(address string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE users SET last_active_at = GREATEST(last_active_at, $2) WHERE address = $1`,
		address, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch user %s: %w", address, err)
	}
	return nil
}

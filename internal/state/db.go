package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/harborfi/ledgerd/internal/ledger"
)

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB opens a connection pool against Postgres and verifies it.
func InitDB(cfg DBConfig) (*sql.DB, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return db, nil
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS users (
			address VARCHAR(42) PRIMARY KEY,
			referral_code VARCHAR(16) NOT NULL UNIQUE,
			referred_by VARCHAR(42),
			tier VARCHAR(16) NOT NULL DEFAULT 'NOVICE',
			auto_compound BOOLEAN NOT NULL DEFAULT FALSE,
			risk_level INTEGER NOT NULL DEFAULT 0,
			leverage_active BOOLEAN NOT NULL DEFAULT FALSE,
			leverage_multiplier DECIMAL(10, 4) NOT NULL DEFAULT 1.0,
			created_at TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at);

		CREATE TABLE IF NOT EXISTS vault_positions (
			position_id SERIAL PRIMARY KEY,
			user_address VARCHAR(42) NOT NULL REFERENCES users(address),
			vault_address VARCHAR(42) NOT NULL,
			vault_type VARCHAR(16) NOT NULL,
			principal DECIMAL(30, 8) NOT NULL CHECK (principal >= 0),
			shares NUMERIC(78, 0) NOT NULL,
			deposited_at TIMESTAMPTZ NOT NULL,
			last_harvest_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			deposit_tx_hash TEXT NOT NULL UNIQUE,
			block_number BIGINT NOT NULL,
			log_index INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vault_positions_user ON vault_positions(user_address, vault_address, is_active);

		CREATE TABLE IF NOT EXISTS points_events (
			event_id SERIAL PRIMARY KEY,
			wallet_address VARCHAR(42) NOT NULL,
			amount BIGINT NOT NULL,
			source VARCHAR(32) NOT NULL,
			idempotency_key TEXT NOT NULL,
			tx_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uq_points_wallet_key UNIQUE (wallet_address, idempotency_key)
		);
		CREATE INDEX IF NOT EXISTS idx_points_events_wallet ON points_events(wallet_address);

		CREATE TABLE IF NOT EXISTS referrals (
			referrer VARCHAR(42) NOT NULL,
			referee VARCHAR(42) NOT NULL,
			level INTEGER NOT NULL CHECK (level IN (1, 2)),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			deposit_volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (referrer, referee, level)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_referrals_direct ON referrals(referee) WHERE level = 1;
		CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer, level);

		CREATE TABLE IF NOT EXISTS applied_events (
			event_key TEXT PRIMARY KEY,
			wallet_address VARCHAR(42) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS event_cursors (
			user_address VARCHAR(42) PRIMARY KEY,
			block_number BIGINT NOT NULL,
			log_index INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS reconcile_cycles (
			cycle_id SERIAL PRIMARY KEY,
			cycle_number INTEGER NOT NULL,
			vault_address VARCHAR(42) NOT NULL,
			state VARCHAR(16) NOT NULL,
			max_drift_bp BIGINT NOT NULL,
			drift JSONB,
			intent JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reconcile_cycles_vault ON reconcile_cycles(vault_address, created_at DESC);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// mapUniqueViolation converts Postgres unique-constraint violations into the
// ledger's duplicate sentinel so idempotent applies become no-ops.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, pqErr.Constraint)
	}
	return err
}

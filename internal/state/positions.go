package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborfi/ledgerd/internal/types"
)

// PositionStore is the Postgres implementation of ledger.PositionStore.
type PositionStore struct {
	db *sql.DB
}

// NewPositionStore creates a position store over the given connection pool.
func NewPositionStore(db *sql.DB) *PositionStore {
	return &PositionStore{db: db}
}

const positionColumns = `
	position_id, user_address, vault_address, vault_type,
	principal, shares, deposited_at, last_harvest_at,
	is_active, deposit_tx_hash, block_number, log_index`

// Insert creates a new position lot. A duplicate deposit tx hash maps to
// ledger.ErrDuplicateEvent.
func (s *PositionStore) Insert(position *types.VaultPosition) error {
	stmt := `
		INSERT INTO vault_positions (
			user_address, vault_address, vault_type, principal, shares,
			deposited_at, is_active, deposit_tx_hash, block_number, log_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING position_id`

	err := s.db.QueryRow(stmt,
		position.UserAddress, position.VaultAddress, position.VaultType,
		position.Principal.String(), position.Shares.String(),
		position.DepositedAt, position.Active, position.DepositTxHash,
		position.BlockNumber, position.LogIndex,
	).Scan(&position.ID)
	if err != nil {
		return mapUniqueViolation(fmt.Errorf("failed to insert position: %w", err))
	}
	return nil
}

// ByDepositTx loads the position anchored to a deposit tx hash; (nil, nil)
// when absent.
func (s *PositionStore) ByDepositTx(txHash string) (*types.VaultPosition, error) {
	row := s.db.QueryRow(
		`SELECT `+positionColumns+` FROM vault_positions WHERE deposit_tx_hash = $1`,
		txHash,
	)
	position, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position by tx %s: %w", txHash, err)
	}
	return position, nil
}

// ForUser returns all position lots for a user, newest first.
func (s *PositionStore) ForUser(user string) ([]types.VaultPosition, error) {
	rows, err := s.db.Query(
		`SELECT `+positionColumns+` FROM vault_positions WHERE user_address = $1 ORDER BY deposited_at DESC`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for %s: %w", user, err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// Active returns the active lots for (user, vault).
func (s *PositionStore) Active(user, vault string) ([]types.VaultPosition, error) {
	rows, err := s.db.Query(
		`SELECT `+positionColumns+` FROM vault_positions
		 WHERE user_address = $1 AND vault_address = $2 AND is_active ORDER BY deposited_at`,
		user, vault,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// Deactivate closes every active lot for (user, vault) and returns how many
// were closed. A closed lot never reactivates.
func (s *PositionStore) Deactivate(user, vault string, at time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE vault_positions SET is_active = FALSE
		 WHERE user_address = $1 AND vault_address = $2 AND is_active`,
		user, vault,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate positions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(rows), nil
}

// MarkHarvest stamps last_harvest_at on the active lots for (user, vault).
func (s *PositionStore) MarkHarvest(user, vault string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE vault_positions SET last_harvest_at = $3
		 WHERE user_address = $1 AND vault_address = $2 AND is_active`,
		user, vault, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark harvest: %w", err)
	}
	return nil
}

// Cursor returns the last applied ordering key for a user.
func (s *PositionStore) Cursor(user string) (types.OrderingKey, bool, error) {
	var key types.OrderingKey
	err := s.db.QueryRow(
		`SELECT block_number, log_index FROM event_cursors WHERE user_address = $1`,
		user,
	).Scan(&key.BlockNumber, &key.LogIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return types.OrderingKey{}, false, nil
	}
	if err != nil {
		return types.OrderingKey{}, false, fmt.Errorf("failed to query event cursor: %w", err)
	}
	return key, true, nil
}

// SetCursor advances the last applied ordering key for a user.
func (s *PositionStore) SetCursor(user string, key types.OrderingKey) error {
	_, err := s.db.Exec(
		`INSERT INTO event_cursors (user_address, block_number, log_index)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_address) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index`,
		user, key.BlockNumber, key.LogIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to set event cursor: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.VaultPosition, error) {
	var p types.VaultPosition
	var principal, shares string
	var lastHarvest sql.NullTime
	err := row.Scan(
		&p.ID, &p.UserAddress, &p.VaultAddress, &p.VaultType,
		&principal, &shares, &p.DepositedAt, &lastHarvest,
		&p.Active, &p.DepositTxHash, &p.BlockNumber, &p.LogIndex,
	)
	if err != nil {
		return nil, err
	}
	if p.Principal, err = parseDecimal(principal); err != nil {
		return nil, err
	}
	if p.Shares, err = parseShares(shares); err != nil {
		return nil, err
	}
	if lastHarvest.Valid {
		t := lastHarvest.Time
		p.LastHarvestAt = &t
	}
	return &p, nil
}

func collectPositions(rows *sql.Rows) ([]types.VaultPosition, error) {
	var positions []types.VaultPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position row iteration failed: %w", err)
	}
	return positions, nil
}

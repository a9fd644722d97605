package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harborfi/ledgerd/internal/types"
)

// CycleStore is the Postgres implementation of reconciler.CycleStore. Drift
// and intent payloads are stored as JSONB documents, one row per vault pass.
type CycleStore struct {
	db *sql.DB
}

// NewCycleStore creates a cycle store over the given connection pool.
func NewCycleStore(db *sql.DB) *CycleStore {
	return &CycleStore{db: db}
}

// Insert persists one reconcile cycle receipt.
func (s *CycleStore) Insert(cycle *types.ReconcileCycle) error {
	driftJSON, err := json.Marshal(cycle.Drift)
	if err != nil {
		return fmt.Errorf("failed to marshal drift: %w", err)
	}
	var intentJSON []byte
	if cycle.Intent != nil {
		if intentJSON, err = json.Marshal(cycle.Intent); err != nil {
			return fmt.Errorf("failed to marshal intent: %w", err)
		}
	}

	stmt := `
		INSERT INTO reconcile_cycles (cycle_number, vault_address, state, max_drift_bp, drift, intent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING cycle_id`

	err = s.db.QueryRow(stmt,
		cycle.CycleNumber, cycle.VaultAddress, cycle.State,
		cycle.MaxDriftBp, driftJSON, intentJSON, cycle.CreatedAt,
	).Scan(&cycle.ID)
	if err != nil {
		return fmt.Errorf("failed to insert reconcile cycle: %w", err)
	}
	return nil
}

// Recent returns the latest cycles for a vault, newest first. An empty vault
// address returns cycles across all vaults.
func (s *CycleStore) Recent(vault string, limit int) ([]types.ReconcileCycle, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	query := `
		SELECT cycle_id, cycle_number, vault_address, state, max_drift_bp, drift, intent, created_at
		FROM reconcile_cycles
		WHERE ($1 = '' OR vault_address = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Query(query, vault, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile cycles: %w", err)
	}
	defer rows.Close()

	var cycles []types.ReconcileCycle
	for rows.Next() {
		var c types.ReconcileCycle
		var driftJSON, intentJSON []byte
		if err := rows.Scan(&c.ID, &c.CycleNumber, &c.VaultAddress, &c.State, &c.MaxDriftBp, &driftJSON, &intentJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconcile cycle: %w", err)
		}
		if len(driftJSON) > 0 {
			if err := json.Unmarshal(driftJSON, &c.Drift); err != nil {
				return nil, fmt.Errorf("failed to unmarshal drift: %w", err)
			}
		}
		if len(intentJSON) > 0 {
			c.Intent = &types.RebalanceIntent{}
			if err := json.Unmarshal(intentJSON, c.Intent); err != nil {
				return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
			}
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile cycle iteration failed: %w", err)
	}
	return cycles, nil
}

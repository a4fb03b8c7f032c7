package persistence

import (
	"CollateralVault/internal/vault"
	"context"
	"fmt"
)

// claimRequest inserts the request id inside the operation's transaction.
// A conflicting insert means the id already committed once.
func claimRequest(ctx context.Context, db execQuerier, requestID, operation string, vaultAddr vault.Address) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO vault.processed_requests (request_id, operation, vault)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING`,
		requestID, operation, vaultAddr[:])
	if err != nil {
		return false, fmt.Errorf("claim request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecentRequestIDs returns the newest processed request ids for warming the
// idempotency LRU after a restart.
func (s *PostgresStore) RecentRequestIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id
		FROM vault.processed_requests
		ORDER BY processed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent request ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

package persistence

import (
	"CollateralVault/internal/event"
	"CollateralVault/internal/vault"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// OutboxRow represents a row in vault.outbox
type OutboxRow struct {
	ID        uuid.UUID
	Vault     []byte
	Owner     []byte
	Sequence  uint64
	EventType string
	Payload   []byte // JSON-encoded event payload
	PrevHash  []byte
	StateHash []byte
	CreatedAt time.Time
}

func outboxRowFromEnvelope(env event.Envelope) OutboxRow {
	return OutboxRow{
		ID:        env.ID,
		Vault:     env.Vault.Bytes(),
		Owner:     env.Owner.Bytes(),
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Payload:   env.Payload,
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		StateHash: append([]byte(nil), env.StateHash[:]...),
		CreatedAt: env.Timestamp,
	}
}

func (r OutboxRow) envelope() (event.Envelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return event.Envelope{}, err
	}
	vaultAddr, err := vault.AddressFromBytes(r.Vault)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("outbox %s vault: %w", r.ID, err)
	}
	owner, err := vault.AddressFromBytes(r.Owner)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("outbox %s owner: %w", r.ID, err)
	}

	env := event.Envelope{
		ID:        r.ID,
		Vault:     vaultAddr,
		Owner:     owner,
		Sequence:  r.Sequence,
		EventType: et,
		Payload:   r.Payload,
		Timestamp: r.CreatedAt.UTC(),
	}
	copy(env.PrevHash[:], r.PrevHash)
	copy(env.StateHash[:], r.StateHash)
	return env, nil
}

func insertOutbox(ctx context.Context, db execQuerier, env event.Envelope) error {
	r := outboxRowFromEnvelope(env)
	_, err := db.ExecContext(ctx, `
		INSERT INTO vault.outbox
			(id, vault, owner, sequence, event_type, payload, prev_hash, state_hash, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		r.ID, r.Vault, r.Owner, formatU64(r.Sequence), r.EventType,
		string(r.Payload), r.PrevHash, r.StateHash, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append outbox %s seq=%d: %w", env.EventType, env.Sequence, err)
	}
	return nil
}

const outboxColumns = `id, vault, owner, sequence, event_type, payload, prev_hash, state_hash, created_at`

// FetchPending returns up to limit unpublished envelopes in commit order.
func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM vault.outbox
		WHERE published_at IS NULL
		ORDER BY position
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	return scanOutbox(rows)
}

// VaultEvents returns every envelope recorded for addr, published or not,
// in sequence order.
func (s *PostgresStore) VaultEvents(ctx context.Context, addr vault.Address) ([]event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM vault.outbox
		WHERE vault = $1
		ORDER BY sequence`, addr[:])
	if err != nil {
		return nil, fmt.Errorf("vault events %s: %w", addr, err)
	}
	return scanOutbox(rows)
}

func scanOutbox(rows *sql.Rows) ([]event.Envelope, error) {
	defer rows.Close()

	var out []event.Envelope
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.Vault, &r.Owner, &r.Sequence, &r.EventType,
			&r.Payload, &r.PrevHash, &r.StateHash, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		env, err := r.envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// MarkPublished stamps published_at on the given envelopes.
func (s *PostgresStore) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE vault.outbox SET published_at = NOW() WHERE id = ANY($1::uuid[]) AND published_at IS NULL`,
		pq.Array(keys))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

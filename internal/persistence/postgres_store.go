package persistence

import (
	"CollateralVault/internal/core"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/event"
	"CollateralVault/internal/vault"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const uniqueViolation = "23505"

const vaultColumns = `address, owner, custody_account, mint, vault_index,
	total_balance, available_balance, locked_balance, total_deposited, total_withdrawn,
	derivation_nonce, event_sequence, state_hash, created_at`

// PostgresStore implements core.Store on Postgres via lib/pq.
//
// Each Update is one transaction. It first takes a transaction-scoped
// advisory lock derived from the vault address, so writers of the same
// vault queue up (Initialize included, when no row exists yet) while
// different vaults proceed concurrently.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Update(ctx context.Context, key vault.Address, fn func(tx core.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(key)); err != nil {
		return fmt.Errorf("lock vault %s: %w", key, err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// advisoryKey folds an address into the bigint key space of pg_advisory_xact_lock.
func advisoryKey(addr vault.Address) int64 {
	return int64(binary.BigEndian.Uint64(addr[:8]))
}

func (s *PostgresStore) GetVault(ctx context.Context, addr vault.Address) (*vault.CollateralVault, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vault.collateral_vaults WHERE address = $1`, addr[:])
	v, err := scanVault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.Errorf(vault.CodeVaultNotFound, "vault %s", addr)
	}
	return v, err
}

func (s *PostgresStore) ListVaults(ctx context.Context, owner vault.Address) ([]*vault.CollateralVault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM vault.collateral_vaults WHERE owner = $1 ORDER BY vault_index`, owner[:])
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var out []*vault.CollateralVault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FundAccount credits amount to a token account, creating it if needed.
// Used to seed source accounts outside the vault operations.
func (s *PostgresStore) FundAccount(ctx context.Context, addr, mint, authority vault.Address, amount uint64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vault.token_accounts (address, mint, authority, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (address) DO UPDATE
		SET amount = vault.token_accounts.amount + EXCLUDED.amount, updated_at = NOW()
		WHERE vault.token_accounts.mint = EXCLUDED.mint`,
		addr[:], mint[:], authority[:], formatU64(amount))
	if err != nil {
		return fmt.Errorf("fund account %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fund account %s: rows affected: %w", addr, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", custody.ErrMintMismatch, addr)
	}
	return nil
}

// Account reads a committed token account without locking it.
func (s *PostgresStore) Account(ctx context.Context, addr vault.Address) (custody.TokenAccount, error) {
	var (
		acct             custody.TokenAccount
		rawMint, rawAuth []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mint, authority, amount FROM vault.token_accounts WHERE address = $1`,
		addr[:]).Scan(&rawMint, &rawAuth, &acct.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.TokenAccount{}, fmt.Errorf("%w: %s", custody.ErrAccountNotFound, addr)
	}
	if err != nil {
		return custody.TokenAccount{}, fmt.Errorf("load token account %s: %w", addr, err)
	}
	acct.Address = addr
	copy(acct.Mint[:], rawMint)
	copy(acct.Authority[:], rawAuth)
	return acct, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVault(row rowScanner) (*vault.CollateralVault, error) {
	var (
		v                              vault.CollateralVault
		addr, owner, custodyAcct, mint []byte
		stateHash                      []byte
	)
	err := row.Scan(
		&addr, &owner, &custodyAcct, &mint, &v.VaultIndex,
		&v.TotalBalance, &v.AvailableBalance, &v.LockedBalance, &v.TotalDeposited, &v.TotalWithdrawn,
		&v.DerivationNonce, &v.EventSequence, &stateHash, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *vault.Address
		src []byte
	}{
		{&v.Address, addr},
		{&v.Owner, owner},
		{&v.CustodyAccount, custodyAcct},
		{&v.Mint, mint},
	} {
		a, err := vault.AddressFromBytes(f.src)
		if err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		*f.dst = a
	}
	if len(stateHash) != len(v.StateHash) {
		return nil, fmt.Errorf("scan vault %s: state_hash length %d", v.Address, len(stateHash))
	}
	copy(v.StateHash[:], stateHash)
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

// formatU64 passes a uint64 as text; database/sql rejects uint64 values
// with the high bit set.
func formatU64(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// pgTx implements core.Tx on one *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LoadVault(ctx context.Context, addr vault.Address) (*vault.CollateralVault, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vault.collateral_vaults WHERE address = $1 FOR UPDATE`, addr[:])
	v, err := scanVault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.Errorf(vault.CodeVaultNotFound, "vault %s", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", addr, err)
	}
	return v, nil
}

func (t *pgTx) InsertVault(ctx context.Context, v *vault.CollateralVault) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vault.collateral_vaults (`+vaultColumns+`)
		VALUES ($1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric,
			$11, $12::numeric, $13, $14)`,
		v.Address[:], v.Owner[:], v.CustodyAccount[:], v.Mint[:], int16(v.VaultIndex),
		formatU64(v.TotalBalance), formatU64(v.AvailableBalance), formatU64(v.LockedBalance),
		formatU64(v.TotalDeposited), formatU64(v.TotalWithdrawn),
		int16(v.DerivationNonce), formatU64(v.EventSequence), v.StateHash[:], v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return vault.Wrap(vault.CodeVaultExists, fmt.Sprintf("vault %s", v.Address), err)
	}
	if err != nil {
		return fmt.Errorf("insert vault %s: %w", v.Address, err)
	}
	return nil
}

func (t *pgTx) UpdateVault(ctx context.Context, v *vault.CollateralVault) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE vault.collateral_vaults
		SET total_balance = $2::numeric,
		    available_balance = $3::numeric,
		    locked_balance = $4::numeric,
		    event_sequence = $5::numeric,
		    state_hash = $6,
		    updated_at = NOW()
		WHERE address = $1`,
		v.Address[:], formatU64(v.TotalBalance), formatU64(v.AvailableBalance),
		formatU64(v.LockedBalance), formatU64(v.EventSequence), v.StateHash[:],
	)
	if err != nil {
		return fmt.Errorf("update vault %s: %w", v.Address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update vault %s: rows affected: %w", v.Address, err)
	}
	if n == 0 {
		return vault.Errorf(vault.CodeVaultNotFound, "vault %s", v.Address)
	}
	return nil
}

func (t *pgTx) Custody() custody.Ledger {
	return &sqlLedger{tx: t.tx}
}

func (t *pgTx) AppendEvent(ctx context.Context, env event.Envelope) error {
	return insertOutbox(ctx, t.tx, env)
}

func (t *pgTx) ClaimRequest(ctx context.Context, requestID, operation string, vaultAddr vault.Address) (bool, error) {
	return claimRequest(ctx, t.tx, requestID, operation, vaultAddr)
}

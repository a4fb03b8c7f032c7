package persistence

import (
	"CollateralVault/internal/custody"
	"CollateralVault/internal/vault"
	"context"
	"fmt"

	"github.com/lib/pq"
)

// sqlLedger is the custody ledger backed by vault.token_accounts, bound to
// the enclosing store transaction so transfers commit or roll back with
// the vault update.
type sqlLedger struct {
	tx execQuerier
}

func (l *sqlLedger) CreateAccount(ctx context.Context, addr, mint, authority vault.Address) error {
	_, err := l.tx.ExecContext(ctx, `
		INSERT INTO vault.token_accounts (address, mint, authority, amount)
		VALUES ($1, $2, $3, 0)`,
		addr[:], mint[:], authority[:])
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", custody.ErrAccountExists, addr)
	}
	if err != nil {
		return fmt.Errorf("create token account %s: %w", addr, err)
	}
	return nil
}

// Transfer locks both rows in address order, validates, then writes both.
func (l *sqlLedger) Transfer(ctx context.Context, from, to, authority vault.Address, amount uint64) error {
	accounts, err := l.lockAccounts(ctx, from, to)
	if err != nil {
		return err
	}
	src, ok := accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", custody.ErrAccountNotFound, from)
	}
	dst, ok := accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", custody.ErrAccountNotFound, to)
	}
	if from == to {
		return custody.ApplyTransfer(&src, &src, authority, amount)
	}

	if err := custody.ApplyTransfer(&src, &dst, authority, amount); err != nil {
		return err
	}
	for _, acct := range []custody.TokenAccount{src, dst} {
		if _, err := l.tx.ExecContext(ctx,
			`UPDATE vault.token_accounts SET amount = $2::numeric, updated_at = NOW() WHERE address = $1`,
			acct.Address[:], formatU64(acct.Amount)); err != nil {
			return fmt.Errorf("write token account %s: %w", acct.Address, err)
		}
	}
	return nil
}

func (l *sqlLedger) Account(ctx context.Context, addr vault.Address) (custody.TokenAccount, error) {
	accounts, err := l.lockAccounts(ctx, addr)
	if err != nil {
		return custody.TokenAccount{}, err
	}
	acct, ok := accounts[addr]
	if !ok {
		return custody.TokenAccount{}, fmt.Errorf("%w: %s", custody.ErrAccountNotFound, addr)
	}
	return acct, nil
}

func (l *sqlLedger) lockAccounts(ctx context.Context, addrs ...vault.Address) (map[vault.Address]custody.TokenAccount, error) {
	keys := make([][]byte, len(addrs))
	for i := range addrs {
		keys[i] = addrs[i].Bytes()
	}

	rows, err := l.tx.QueryContext(ctx, `
		SELECT address, mint, authority, amount
		FROM vault.token_accounts
		WHERE address = ANY($1)
		ORDER BY address
		FOR UPDATE`, pq.ByteaArray(keys))
	if err != nil {
		return nil, fmt.Errorf("lock token accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[vault.Address]custody.TokenAccount, len(addrs))
	for rows.Next() {
		var (
			acct                  custody.TokenAccount
			addr, mint, authority []byte
		)
		if err := rows.Scan(&addr, &mint, &authority, &acct.Amount); err != nil {
			return nil, fmt.Errorf("scan token account: %w", err)
		}
		if acct.Address, err = vault.AddressFromBytes(addr); err != nil {
			return nil, err
		}
		if acct.Mint, err = vault.AddressFromBytes(mint); err != nil {
			return nil, err
		}
		if acct.Authority, err = vault.AddressFromBytes(authority); err != nil {
			return nil, err
		}
		out[acct.Address] = acct
	}
	return out, rows.Err()
}

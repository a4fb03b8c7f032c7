// Package custody models the token accounts that hold deposited collateral
// and the all-or-nothing transfer between them.
package custody

import (
	vmath "CollateralVault/internal/math"
	"CollateralVault/internal/vault"
	"context"
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound   = errors.New("token account not found")
	ErrAccountExists     = errors.New("token account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMintMismatch      = errors.New("mint mismatch")
	ErrOwnerMismatch     = errors.New("authority does not own source account")
	ErrUnavailable       = errors.New("custody unavailable")
)

// TokenAccount is a balance of one mint, movable only by its authority.
type TokenAccount struct {
	Address   vault.Address
	Mint      vault.Address
	Authority vault.Address
	Amount    uint64
}

// Ledger is the custodial transfer collaborator. Transfer either moves the
// full amount or returns an error and changes nothing.
type Ledger interface {
	CreateAccount(ctx context.Context, addr, mint, authority vault.Address) error
	Transfer(ctx context.Context, from, to, authority vault.Address, amount uint64) error
	Account(ctx context.Context, addr vault.Address) (TokenAccount, error)
}

// ApplyTransfer validates and applies a transfer to two loaded accounts.
// from and to are only written when every check passes.
func ApplyTransfer(from, to *TokenAccount, authority vault.Address, amount uint64) error {
	if from.Authority != authority {
		return fmt.Errorf("%w: %s", ErrOwnerMismatch, from.Address)
	}
	if from.Mint != to.Mint {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, from.Mint, to.Mint)
	}
	if from.Amount < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, from.Amount, amount)
	}
	if from.Address == to.Address {
		return nil
	}

	debited, err := vmath.SubU64(from.Amount, amount)
	if err != nil {
		return err
	}
	credited, err := vmath.AddU64(to.Amount, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", to.Address, err)
	}
	from.Amount = debited
	to.Amount = credited
	return nil
}

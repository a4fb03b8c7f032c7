package core

import (
	"CollateralVault/internal/custody"
	"CollateralVault/internal/event"
	"CollateralVault/internal/vault"
	"context"
)

// Store persists vaults, their custody accounts and the notification outbox.
type Store interface {
	Reader

	// Update runs fn inside one transaction that serializes writers of key.
	// If fn returns an error nothing fn wrote is kept, custody transfers
	// included.
	Update(ctx context.Context, key vault.Address, fn func(tx Tx) error) error

	// RecentRequestIDs returns up to limit request ids, newest first, used to
	// warm the idempotency cache on startup.
	RecentRequestIDs(ctx context.Context, limit int) ([]string, error)
}

// Reader is the read-only side of the store.
type Reader interface {
	// GetVault returns vault.ErrVaultNotFound when addr has no vault.
	GetVault(ctx context.Context, addr vault.Address) (*vault.CollateralVault, error)

	// ListVaults returns the owner's vaults ordered by index.
	ListVaults(ctx context.Context, owner vault.Address) ([]*vault.CollateralVault, error)

	// Account returns custody.ErrAccountNotFound when addr has no token account.
	Account(ctx context.Context, addr vault.Address) (custody.TokenAccount, error)

	// VaultEvents returns every notification recorded for addr in sequence
	// order, published or not.
	VaultEvents(ctx context.Context, addr vault.Address) ([]event.Envelope, error)
}

// Tx is the view of the store inside Update.
type Tx interface {
	// LoadVault returns vault.ErrVaultNotFound when addr has no vault.
	LoadVault(ctx context.Context, addr vault.Address) (*vault.CollateralVault, error)

	// InsertVault returns vault.ErrVaultExists when the address is taken.
	InsertVault(ctx context.Context, v *vault.CollateralVault) error

	UpdateVault(ctx context.Context, v *vault.CollateralVault) error

	// Custody returns a ledger bound to this transaction.
	Custody() custody.Ledger

	// AppendEvent queues a notification for the outbox relay.
	AppendEvent(ctx context.Context, env event.Envelope) error

	// ClaimRequest records requestID. It returns false if the id was
	// already claimed.
	ClaimRequest(ctx context.Context, requestID, operation string, vaultAddr vault.Address) (bool, error)
}

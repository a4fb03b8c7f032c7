package event

import "CollateralVault/internal/vault"

// VaultInitialized is emitted once per vault, on creation.
type VaultInitialized struct {
	Owner          vault.Address `json:"owner"`
	Vault          vault.Address `json:"vault"`
	VaultIndex     uint8         `json:"vault_index"`
	CustodyAccount vault.Address `json:"custody_account"`
	Mint           vault.Address `json:"mint"`
}

func (e *VaultInitialized) EventType() EventType {
	return EventTypeVaultInitialized
}

func (e *VaultInitialized) User() vault.Address {
	return e.Owner
}

// Deposit reports new funds. NewBalance is the vault's total balance after
// the credit.
type Deposit struct {
	Owner      vault.Address `json:"user"`
	Amount     uint64        `json:"amount,string"`
	NewBalance uint64        `json:"new_balance,string"`
}

func (e *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (e *Deposit) User() vault.Address {
	return e.Owner
}

// Lock reports collateral pledged. LockedBalance is the vault's locked
// balance after the move.
type Lock struct {
	Owner         vault.Address `json:"user"`
	Amount        uint64        `json:"amount,string"`
	LockedBalance uint64        `json:"locked_balance,string"`
}

func (e *Lock) EventType() EventType {
	return EventTypeLock
}

func (e *Lock) User() vault.Address {
	return e.Owner
}

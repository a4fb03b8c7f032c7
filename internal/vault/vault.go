// Package vault holds the collateral vault record, its address derivation and
// the error taxonomy shared by every operation.
package vault

import (
	vmath "CollateralVault/internal/math"
	"time"
)

// CollateralVault is one owner's collateral ledger at one index.
//
// TotalBalance == AvailableBalance + LockedBalance holds before and after
// every operation.
type CollateralVault struct {
	Address        Address
	Owner          Address
	CustodyAccount Address
	Mint           Address
	VaultIndex     uint8

	TotalBalance     uint64
	AvailableBalance uint64
	LockedBalance    uint64

	// Never mutated; no withdrawal path exists.
	TotalDeposited uint64
	TotalWithdrawn uint64

	CreatedAt       time.Time
	DerivationNonce uint8

	// Tip of the vault's notification hash chain.
	EventSequence uint64
	StateHash     [32]byte
}

// New returns an empty vault bound to its owner and custody account.
func New(addr, owner, custody, mint Address, index, nonce uint8, createdAt time.Time) *CollateralVault {
	return &CollateralVault{
		Address:         addr,
		Owner:           owner,
		CustodyAccount:  custody,
		Mint:            mint,
		VaultIndex:      index,
		CreatedAt:       createdAt,
		DerivationNonce: nonce,
	}
}

func (v *CollateralVault) Clone() *CollateralVault {
	c := *v
	return &c
}

// CreditDeposit adds amount to total and available. On error the vault is
// left untouched.
func (v *CollateralVault) CreditDeposit(amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	total, err := vmath.AddU64(v.TotalBalance, amount)
	if err != nil {
		return Wrap(CodeMathError, "total balance", err)
	}
	available, err := vmath.AddU64(v.AvailableBalance, amount)
	if err != nil {
		return Wrap(CodeMathError, "available balance", err)
	}
	v.TotalBalance = total
	v.AvailableBalance = available
	return nil
}

// Lock moves amount from available to locked. Zero is accepted.
func (v *CollateralVault) Lock(amount uint64) error {
	if v.AvailableBalance < amount {
		return Errorf(CodeInsufficientAvailableCollateral,
			"lock %d exceeds available %d", amount, v.AvailableBalance)
	}
	available, err := vmath.SubU64(v.AvailableBalance, amount)
	if err != nil {
		return Wrap(CodeMathError, "available balance", err)
	}
	locked, err := vmath.AddU64(v.LockedBalance, amount)
	if err != nil {
		return Wrap(CodeMathError, "locked balance", err)
	}
	v.AvailableBalance = available
	v.LockedBalance = locked
	return nil
}

// CheckConservation reports whether total == available + locked.
func (v *CollateralVault) CheckConservation() error {
	sum, err := vmath.AddU64(v.AvailableBalance, v.LockedBalance)
	if err != nil {
		return Wrap(CodeInvariantViolation, "available + locked", err)
	}
	if sum != v.TotalBalance {
		return Errorf(CodeInvariantViolation,
			"vault %s: total %d != available %d + locked %d",
			v.Address, v.TotalBalance, v.AvailableBalance, v.LockedBalance)
	}
	return nil
}

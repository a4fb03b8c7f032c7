package vault

// InvariantValidator checks a vault transition before it is persisted.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateState verifies conservation on a single snapshot.
func (iv *InvariantValidator) ValidateState(v *CollateralVault) error {
	return v.CheckConservation()
}

// ValidateTransition verifies that identity fields did not move and that
// conservation holds after the change.
func (iv *InvariantValidator) ValidateTransition(before, after *CollateralVault) error {
	switch {
	case before.Address != after.Address:
		return Errorf(CodeInvariantViolation, "vault address changed")
	case before.Owner != after.Owner:
		return Errorf(CodeInvariantViolation, "owner changed on vault %s", before.Address)
	case before.CustodyAccount != after.CustodyAccount:
		return Errorf(CodeInvariantViolation, "custody account changed on vault %s", before.Address)
	case before.Mint != after.Mint:
		return Errorf(CodeInvariantViolation, "mint changed on vault %s", before.Address)
	case before.VaultIndex != after.VaultIndex:
		return Errorf(CodeInvariantViolation, "vault index changed on vault %s", before.Address)
	case before.DerivationNonce != after.DerivationNonce:
		return Errorf(CodeInvariantViolation, "derivation nonce changed on vault %s", before.Address)
	case before.TotalDeposited != after.TotalDeposited || before.TotalWithdrawn != after.TotalWithdrawn:
		return Errorf(CodeInvariantViolation, "lifetime counters changed on vault %s", before.Address)
	case !before.CreatedAt.Equal(after.CreatedAt):
		return Errorf(CodeInvariantViolation, "created_at changed on vault %s", before.Address)
	}
	return after.CheckConservation()
}

package query

import (
	"CollateralVault/internal/vault"
	"time"
)

// VaultResponse is the read view of one vault. Raw amounts are decimal
// strings of base units so clients never lose u64 precision.
type VaultResponse struct {
	Address        vault.Address `json:"address"`
	Owner          vault.Address `json:"owner"`
	CustodyAccount vault.Address `json:"custody_account"`
	Mint           vault.Address `json:"mint"`
	VaultIndex     uint8         `json:"vault_index"`

	TotalBalance     string `json:"total_balance"`
	AvailableBalance string `json:"available_balance"`
	LockedBalance    string `json:"locked_balance"`
	TotalDeposited   string `json:"total_deposited"`
	TotalWithdrawn   string `json:"total_withdrawn"`

	Display BalanceDisplay `json:"display"`

	CreatedAt time.Time `json:"created_at"`

	// Sequence of the last notification applied to this record
	AsOfSequence uint64 `json:"as_of_sequence"`
	StateHash    string `json:"state_hash"`
}

// IntegrityReport is the result of re-checking one stored vault.
type IntegrityReport struct {
	Vault     vault.Address `json:"vault"`
	IsHealthy bool          `json:"is_healthy"`
	Failures  []string      `json:"failures,omitempty"`
}

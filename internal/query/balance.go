package query

import (
	"CollateralVault/internal/vault"
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDisplayDecimals matches a 6-decimal stablecoin mint.
const DefaultDisplayDecimals = 6

// BalanceDisplay renders balances in whole token units.
type BalanceDisplay struct {
	Decimals  int32  `json:"decimals"`
	Total     string `json:"total"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// ToUnits converts base units to whole units at the given precision.
func ToUnits(amount uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals)
}

func displayOf(v *vault.CollateralVault, decimals int32) BalanceDisplay {
	return BalanceDisplay{
		Decimals:  decimals,
		Total:     ToUnits(v.TotalBalance, decimals).StringFixed(decimals),
		Available: ToUnits(v.AvailableBalance, decimals).StringFixed(decimals),
		Locked:    ToUnits(v.LockedBalance, decimals).StringFixed(decimals),
	}
}

package compound

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToUnits converts a human token amount to base units, truncating.
func ToUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromUnits converts base units to a human token amount.
func FromUnits(units *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}

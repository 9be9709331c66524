package liquidator

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Economic rejections. They are business decisions, not faults.
var (
	ErrCollateralTooSmall = errors.New("collateral below minimum")
	ErrProfitTooLow       = errors.New("profit below minimum")
	ErrRepayTooSmall      = errors.New("repay rounds to zero")
)

// Sizing holds the economic parameters of a liquidation.
type Sizing struct {
	CloseFactor          decimal.Decimal
	LiquidationIncentive decimal.Decimal
	MaxLiquidationUSD    decimal.Decimal
	MinCollateralUSD     decimal.Decimal
	MinProfitUSD         decimal.Decimal
}

// Size picks the repay value for one borrow/collateral pair. The repay is
// the smallest of: close factor x borrow, the per-liquidation ceiling, and
// what the collateral can cover once the incentive is paid out. Profit is
// repay x incentive.
func (s Sizing) Size(borrowUSD, collateralUSD decimal.Decimal) (repayUSD, profitUSD decimal.Decimal, err error) {
	if collateralUSD.LessThan(s.MinCollateralUSD) {
		return decimal.Zero, decimal.Zero, ErrCollateralTooSmall
	}

	repayUSD = borrowUSD.Mul(s.CloseFactor)
	if s.MaxLiquidationUSD.IsPositive() {
		repayUSD = decimal.Min(repayUSD, s.MaxLiquidationUSD)
	}
	seizable := collateralUSD.Div(decimal.NewFromInt(1).Add(s.LiquidationIncentive))
	repayUSD = decimal.Min(repayUSD, seizable)
	if !repayUSD.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrRepayTooSmall
	}

	profitUSD = repayUSD.Mul(s.LiquidationIncentive)
	if profitUSD.LessThan(s.MinProfitUSD) {
		return repayUSD, profitUSD, ErrProfitTooLow
	}
	return repayUSD, profitUSD, nil
}

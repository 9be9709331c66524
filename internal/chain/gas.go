package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrGasTooHigh means the network gas price is above the configured ceiling.
// It is an economic skip, not a fault.
var ErrGasTooHigh = errors.New("gas price above ceiling")

var gwei = decimal.New(1, 9)

// GweiToWei converts a gwei amount to wei, truncating fractions of a wei.
func GweiToWei(g decimal.Decimal) *big.Int {
	return g.Mul(gwei).BigInt()
}

// WeiToGwei is the inverse of GweiToWei.
func WeiToGwei(w *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(w, 0).Div(gwei)
}

// GasPricer is satisfied by *Wallet.
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// CheckGasPrice returns the current gas price, or ErrGasTooHigh when it
// exceeds ceilingGwei. A non-positive ceiling disables the check.
func CheckGasPrice(ctx context.Context, p GasPricer, ceilingGwei decimal.Decimal) (*big.Int, error) {
	price, err := p.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	if ceilingGwei.IsPositive() && price.Cmp(GweiToWei(ceilingGwei)) > 0 {
		return price, fmt.Errorf("%w: %s gwei > %s gwei", ErrGasTooHigh, WeiToGwei(price).StringFixed(2), ceilingGwei)
	}
	return price, nil
}

// Package balance computes a user's share of each market's outstanding
// cToken supply.
package balance

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/cache"
)

const supplyTTL = 15 * time.Minute

var hundred = decimal.NewFromInt(100)

// Reader is the subset of the protocol client the manager reads.
type Reader interface {
	CTokenBalance(ctx context.Context, market, account common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context, market common.Address) (*big.Int, error)
}

// Share is one user's position in one market.
type Share struct {
	Market      common.Address
	Balance     *big.Int
	TotalSupply *big.Int
	// Percent is Balance / TotalSupply * 100.
	Percent decimal.Decimal
}

type Manager struct {
	reader Reader
	logger *slog.Logger
	supply *cache.Cache[common.Address, *big.Int]
}

func NewManager(reader Reader, logger *slog.Logger) *Manager {
	return &Manager{
		reader: reader,
		logger: logger,
		supply: cache.New[common.Address, *big.Int](supplyTTL, 0),
	}
}

// TotalSupply returns the market's cToken supply, cached for 15 minutes.
func (m *Manager) TotalSupply(ctx context.Context, market common.Address) (*big.Int, error) {
	return m.supply.GetOrLoad(ctx, market, func(ctx context.Context) (*big.Int, error) {
		return m.reader.TotalSupply(ctx, market)
	})
}

// Share never fails: a read error yields a zero share and is logged.
func (m *Manager) Share(ctx context.Context, market, user common.Address) Share {
	out := Share{Market: market, Balance: new(big.Int), TotalSupply: new(big.Int), Percent: decimal.Zero}

	total, err := m.TotalSupply(ctx, market)
	if err != nil {
		m.logger.Warn("total supply read failed", "market", market.Hex(), "error", err)
		return out
	}
	out.TotalSupply = total
	if total.Sign() <= 0 {
		return out
	}

	bal, err := m.reader.CTokenBalance(ctx, market, user)
	if err != nil {
		m.logger.Warn("balance read failed", "market", market.Hex(), "user", user.Hex(), "error", err)
		return out
	}
	out.Balance = bal
	out.Percent = Percent(bal, total)
	return out
}

// BaseTVL sums a user's share percentages across markets.
func (m *Manager) BaseTVL(ctx context.Context, markets []common.Address, user common.Address) decimal.Decimal {
	sum := decimal.Zero
	for _, market := range markets {
		sum = sum.Add(m.Share(ctx, market, user).Percent)
	}
	return sum
}

// Percent is part / total * 100, or zero when total is not positive.
func Percent(part, total *big.Int) decimal.Decimal {
	if total == nil || total.Sign() <= 0 || part == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(part, 0).Div(decimal.NewFromBigInt(total, 0)).Mul(hundred)
}

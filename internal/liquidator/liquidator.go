// Package liquidator finds underwater borrowers on one chain and liquidates
// the most profitable positions.
package liquidator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/compound"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/metrics"
	"github.com/web3-frozen/lending-keeper/internal/module"
	"github.com/web3-frozen/lending-keeper/internal/store"
)

const (
	Name            = config.ModuleLiquidator
	approveGasLimit = 100_000
	maxHistory      = 500
)

// Protocol is the contract surface the liquidator reads and writes.
type Protocol interface {
	AccountLiquidity(ctx context.Context, account common.Address) (liquidity, shortfall *big.Int, err error)
	BorrowBalance(ctx context.Context, market, account common.Address) (*big.Int, error)
	SupplyBalance(ctx context.Context, market, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(opts *bind.TransactOpts, token, spender common.Address, amount *big.Int) (*types.Transaction, error)
	LiquidateBorrow(opts *bind.TransactOpts, market, borrower common.Address, repay *big.Int, collateral common.Address) (*types.Transaction, error)
	LiquidateBorrowNative(opts *bind.TransactOpts, market, borrower, collateral common.Address) (*types.Transaction, error)
}

// Signer submits transactions from the bot wallet. *chain.Wallet satisfies it.
type Signer interface {
	Address() common.Address
	GasPrice(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, req chain.TxRequest) (*types.Receipt, error)
}

// Prices quotes USD prices by local symbol. *chain.Manager satisfies it.
type Prices interface {
	Price(ctx context.Context, chainID uint64, symbol string) (api.PriceQuote, error)
}

// Candidates lists addresses worth checking.
type Candidates interface {
	FetchUsers(ctx context.Context) ([]common.Address, error)
}

// Recorder persists executed liquidations.
type Recorder interface {
	SaveLiquidation(ctx context.Context, l store.Liquidation) error
}

// AlertFunc delivers an operator notification. key deduplicates repeats.
type AlertFunc func(ctx context.Context, key, message string)

// Position is one user's debt or supply in one market.
type Position struct {
	Market chain.Market
	Units  *big.Int
	Amount decimal.Decimal
	Price  decimal.Decimal
	USD    decimal.Decimal
}

// Opportunity is a sized liquidation ready for execution.
type Opportunity struct {
	Borrower    common.Address
	Borrow      Position
	Collateral  Position
	RepayUSD    decimal.Decimal
	RepayAmount *big.Int
	ProfitUSD   decimal.Decimal
	Shortfall   *big.Int
}

type Deps struct {
	Chain      chain.ChainContext
	Protocol   Protocol
	Signer     Signer
	Prices     Prices
	Candidates Candidates
	Recorder   Recorder
	Alert      AlertFunc
	Logger     *slog.Logger
}

type Liquidator struct {
	cfg    config.LiquidatorConfig
	sizing Sizing
	chain  chain.ChainContext
	label  string

	protocol   Protocol
	signer     Signer
	prices     Prices
	candidates Candidates
	recorder   Recorder
	alert      AlertFunc
	logger     *slog.Logger

	mu            sync.Mutex
	watch         map[common.Address]struct{}
	history       []store.Liquidation
	lastScan      time.Time
	lastFound     int
	lastCandidate int
}

func New(cfg config.LiquidatorConfig, d Deps) *Liquidator {
	return &Liquidator{
		cfg: cfg,
		sizing: Sizing{
			CloseFactor:          cfg.CloseFactor,
			LiquidationIncentive: cfg.LiquidationIncentive,
			MaxLiquidationUSD:    cfg.MaxLiquidationUSD,
			MinCollateralUSD:     cfg.MinCollateralUSD,
			MinProfitUSD:         cfg.MinProfitUSD,
		},
		chain:      d.Chain,
		label:      strconv.FormatUint(d.Chain.ID, 10),
		protocol:   d.Protocol,
		signer:     d.Signer,
		prices:     d.Prices,
		candidates: d.Candidates,
		recorder:   d.Recorder,
		alert:      d.Alert,
		logger:     d.Logger,
		watch:      make(map[common.Address]struct{}),
	}
}

func (l *Liquidator) Name() string    { return Name }
func (l *Liquidator) ChainID() uint64 { return l.chain.ID }

func (l *Liquidator) Initialize(ctx context.Context) error {
	if l.signer == nil {
		return fmt.Errorf("wallet %w", chain.ErrNotConfigured)
	}
	if l.protocol == nil || l.prices == nil {
		return fmt.Errorf("protocol client %w", chain.ErrNotConfigured)
	}
	if !l.sizing.CloseFactor.IsPositive() || l.sizing.CloseFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("close factor %s out of range (0, 1]", l.sizing.CloseFactor)
	}
	for _, raw := range l.cfg.WatchAddresses {
		if !common.IsHexAddress(raw) {
			l.logger.Warn("ignoring invalid watch address", "address", raw)
			continue
		}
		l.watch[common.HexToAddress(raw)] = struct{}{}
	}
	l.logger.Info("liquidator ready",
		"wallet", l.signer.Address().Hex(),
		"markets", len(l.chain.Markets),
		"watch", len(l.watch),
		"min_profit_usd", l.cfg.MinProfitUSD,
		"max_gas_gwei", l.cfg.MaxGasPriceGwei)
	return nil
}

func (l *Liquidator) Run(_ context.Context, s *module.Scheduler) error {
	s.Every("scan", l.cfg.Interval, true, l.Scan)
	return nil
}

func (l *Liquidator) Cleanup(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Info("liquidator stopped", "executed", len(l.history))
	return nil
}

func (l *Liquidator) HealthStatus() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]any{
		"candidates":         len(l.watch),
		"executed":           len(l.history),
		"last_opportunities": l.lastFound,
		"last_checked":       l.lastCandidate,
	}
	if l.signer != nil {
		out["wallet"] = l.signer.Address().Hex()
	}
	if !l.lastScan.IsZero() {
		out["last_scan"] = l.lastScan
	}
	return out
}

// History returns executed liquidations, oldest first.
func (l *Liquidator) History() []store.Liquidation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.Liquidation(nil), l.history...)
}

// Scan is one cycle: discover, evaluate, rank, execute.
func (l *Liquidator) Scan(ctx context.Context) error {
	targets := l.refreshCandidates(ctx)
	metrics.CandidatesTracked.WithLabelValues(l.label).Set(float64(len(targets)))

	var (
		opps                []*Opportunity
		checkFail, execFail int
	)
	for _, borrower := range targets {
		opp, err := l.Evaluate(ctx, borrower)
		if err != nil {
			if isEconomic(err) {
				l.logger.Debug("opportunity rejected", "borrower", borrower.Hex(), "reason", err)
				continue
			}
			checkFail++
			l.logger.Warn("candidate check failed", "borrower", borrower.Hex(), "error", err)
			continue
		}
		if opp != nil {
			opps = append(opps, opp)
		}
	}
	Rank(opps)

	l.mu.Lock()
	l.lastScan = time.Now()
	l.lastFound = len(opps)
	l.lastCandidate = len(targets)
	l.mu.Unlock()

	if len(opps) > 0 {
		l.logger.Info("liquidation opportunities", "count", len(opps), "best_profit_usd", opps[0].ProfitUSD.StringFixed(2))
	}

	attempted := 0
	for i, opp := range opps {
		if i > 0 && !module.Sleep(ctx, l.cfg.Cooldown) {
			l.logger.Info("stopping mid-batch", "remaining", len(opps)-i)
			break
		}
		attempted++
		if err := l.Execute(ctx, opp); err != nil {
			if errors.Is(err, chain.ErrGasTooHigh) {
				metrics.LiquidationsSkipped.WithLabelValues(l.label, "gas").Inc()
				l.logger.Info("liquidation skipped", "borrower", opp.Borrower.Hex(), "reason", err)
				continue
			}
			execFail++
			metrics.LiquidationsSkipped.WithLabelValues(l.label, "failed").Inc()
			l.logger.Error("liquidation failed", "borrower", opp.Borrower.Hex(), "error", err)
		}
	}

	// Per-item failures do not stop the cycle but must reach the error count.
	switch {
	case checkFail > 0 && execFail > 0:
		return fmt.Errorf("%d of %d candidate checks failed, %d of %d liquidations failed",
			checkFail, len(targets), execFail, attempted)
	case checkFail > 0:
		return fmt.Errorf("%d of %d candidate checks failed", checkFail, len(targets))
	case execFail > 0:
		return fmt.Errorf("%d of %d liquidations failed", execFail, attempted)
	}
	return nil
}

func isEconomic(err error) bool {
	return errors.Is(err, ErrCollateralTooSmall) || errors.Is(err, ErrProfitTooLow) || errors.Is(err, ErrRepayTooSmall)
}

// refreshCandidates merges the leaderboard's users into the watch set and
// returns the set in a stable order. Addresses are never dropped.
func (l *Liquidator) refreshCandidates(ctx context.Context) []common.Address {
	if l.candidates != nil {
		var users []common.Address
		err := module.Retry(ctx, module.DefaultRetry, func(ctx context.Context) error {
			var err error
			users, err = l.candidates.FetchUsers(ctx)
			return err
		})
		if err != nil {
			l.logger.Warn("candidate refresh failed, using known set", "error", err)
		}
		l.mu.Lock()
		for _, u := range users {
			l.watch[u] = struct{}{}
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	out := make([]common.Address, 0, len(l.watch))
	for a := range l.watch {
		out = append(out, a)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Evaluate checks one borrower. It returns nil without error when the
// account is solvent or has nothing to liquidate, and an economic error
// (ErrProfitTooLow etc.) when sizing rejects it.
func (l *Liquidator) Evaluate(ctx context.Context, borrower common.Address) (*Opportunity, error) {
	_, shortfall, err := l.protocol.AccountLiquidity(ctx, borrower)
	if err != nil {
		return nil, fmt.Errorf("account liquidity: %w", err)
	}
	if shortfall == nil || shortfall.Sign() <= 0 {
		return nil, nil
	}

	borrows, collaterals, err := l.positions(ctx, borrower)
	if err != nil {
		return nil, err
	}
	if len(borrows) == 0 || len(collaterals) == 0 {
		l.logger.Debug("shortfall without usable positions", "borrower", borrower.Hex(), "borrows", len(borrows), "collaterals", len(collaterals))
		return nil, nil
	}
	borrow, collateral := largest(borrows), largest(collaterals)

	repayUSD, profitUSD, err := l.sizing.Size(borrow.USD, collateral.USD)
	if err != nil {
		metrics.LiquidationsSkipped.WithLabelValues(l.label, reason(err)).Inc()
		return nil, fmt.Errorf("borrow %s $%s vs collateral %s $%s: %w",
			borrow.Market.Symbol, borrow.USD.StringFixed(2), collateral.Market.Symbol, collateral.USD.StringFixed(2), err)
	}

	repayAmount := compound.ToUnits(repayUSD.Div(borrow.Price), borrow.Market.Decimals)
	if repayAmount.Cmp(borrow.Units) > 0 {
		repayAmount = new(big.Int).Set(borrow.Units)
	}
	if repayAmount.Sign() <= 0 {
		return nil, ErrRepayTooSmall
	}

	return &Opportunity{
		Borrower:    borrower,
		Borrow:      borrow,
		Collateral:  collateral,
		RepayUSD:    repayUSD,
		RepayAmount: repayAmount,
		ProfitUSD:   profitUSD,
		Shortfall:   shortfall,
	}, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrCollateralTooSmall):
		return "collateral"
	case errors.Is(err, ErrProfitTooLow):
		return "profit"
	default:
		return "size"
	}
}

func (l *Liquidator) positions(ctx context.Context, borrower common.Address) (borrows, collaterals []Position, err error) {
	for _, m := range l.chain.Markets {
		debt, err := l.protocol.BorrowBalance(ctx, m.CToken, borrower)
		if err != nil {
			return nil, nil, fmt.Errorf("borrow balance %s: %w", m.Symbol, err)
		}
		supply, err := l.protocol.SupplyBalance(ctx, m.CToken, borrower)
		if err != nil {
			return nil, nil, fmt.Errorf("supply balance %s: %w", m.Symbol, err)
		}
		if debt.Sign() == 0 && supply.Sign() == 0 {
			continue
		}

		q, err := l.prices.Price(ctx, l.chain.ID, m.Symbol)
		if err != nil {
			return nil, nil, fmt.Errorf("price %s: %w", m.Symbol, err)
		}
		if debt.Sign() > 0 {
			borrows = append(borrows, position(m, debt, q.Price))
		}
		if supply.Sign() > 0 {
			collaterals = append(collaterals, position(m, supply, q.Price))
		}
	}
	return borrows, collaterals, nil
}

func position(m chain.Market, units *big.Int, price decimal.Decimal) Position {
	amount := compound.FromUnits(units, m.Decimals)
	return Position{Market: m, Units: units, Amount: amount, Price: price, USD: amount.Mul(price)}
}

func largest(ps []Position) Position {
	best := ps[0]
	for _, p := range ps[1:] {
		if p.USD.GreaterThan(best.USD) {
			best = p
		}
	}
	return best
}

// Rank orders opportunities by estimated profit, highest first.
func Rank(opps []*Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].ProfitUSD.GreaterThan(opps[j].ProfitUSD) })
}

// Execute submits one liquidation. It returns chain.ErrGasTooHigh without
// sending anything when gas is above the ceiling.
func (l *Liquidator) Execute(ctx context.Context, opp *Opportunity) error {
	gasPrice, err := chain.CheckGasPrice(ctx, l.signer, l.cfg.MaxGasPriceGwei)
	if err != nil {
		return err
	}

	market := opp.Borrow.Market
	if !market.Native {
		if err := l.ensureAllowance(ctx, market, opp.RepayAmount, gasPrice); err != nil {
			return fmt.Errorf("approve %s: %w", market.Symbol, err)
		}
	}

	req := chain.TxRequest{
		GasLimit: l.cfg.GasLimit,
		GasPrice: gasPrice,
		Build: func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return l.protocol.LiquidateBorrow(opts, market.CToken, opp.Borrower, opp.RepayAmount, opp.Collateral.Market.CToken)
		},
	}
	if market.Native {
		req.Value = opp.RepayAmount
		req.Build = func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return l.protocol.LiquidateBorrowNative(opts, market.CToken, opp.Borrower, opp.Collateral.Market.CToken)
		}
	}

	l.logger.Info("liquidating",
		"borrower", opp.Borrower.Hex(),
		"repay", compound.FromUnits(opp.RepayAmount, market.Decimals).String()+" "+market.Symbol,
		"repay_usd", opp.RepayUSD.StringFixed(2),
		"collateral", opp.Collateral.Market.Symbol,
		"profit_usd", opp.ProfitUSD.StringFixed(2))

	receipt, err := l.signer.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("liquidateBorrow: %w", err)
	}

	rec := store.Liquidation{
		ChainID:          l.chain.ID,
		Borrower:         opp.Borrower.Hex(),
		RepayMarket:      market.Symbol,
		CollateralMarket: opp.Collateral.Market.Symbol,
		RepayAmount:      opp.RepayAmount.String(),
		RepayUSD:         opp.RepayUSD,
		ProfitUSD:        opp.ProfitUSD,
		TxHash:           receipt.TxHash.Hex(),
		GasUsed:          receipt.GasUsed,
		ExecutedAt:       time.Now().UTC(),
	}
	if receipt.BlockNumber != nil {
		rec.BlockNumber = receipt.BlockNumber.Uint64()
	}
	l.record(ctx, rec, compound.FromUnits(opp.RepayAmount, market.Decimals).String())
	return nil
}

func (l *Liquidator) ensureAllowance(ctx context.Context, market chain.Market, amount, gasPrice *big.Int) error {
	owner := l.signer.Address()
	allowance, err := l.protocol.Allowance(ctx, market.Underlying, owner, market.CToken)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	l.logger.Info("approving market", "market", market.Symbol, "token", market.Underlying.Hex())
	_, err = l.signer.Submit(ctx, chain.TxRequest{
		GasLimit: approveGasLimit,
		GasPrice: gasPrice,
		Build: func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return l.protocol.Approve(opts, market.Underlying, market.CToken, compound.MaxUint256)
		},
	})
	return err
}

func (l *Liquidator) record(ctx context.Context, rec store.Liquidation, repayText string) {
	l.mu.Lock()
	l.history = append(l.history, rec)
	if len(l.history) > maxHistory {
		l.history = l.history[len(l.history)-maxHistory:]
	}
	l.mu.Unlock()

	metrics.LiquidationsExecuted.WithLabelValues(l.label).Inc()
	profit, _ := rec.ProfitUSD.Float64()
	metrics.LiquidationProfitUSD.WithLabelValues(l.label).Add(profit)
	l.logger.Info("liquidation confirmed", "tx", rec.TxHash, "block", rec.BlockNumber, "profit_usd", rec.ProfitUSD.StringFixed(2))

	if l.recorder != nil {
		if err := l.recorder.SaveLiquidation(ctx, rec); err != nil {
			l.logger.Error("save liquidation failed", "tx", rec.TxHash, "error", err)
		}
	}
	if l.alert != nil {
		l.alert(ctx, "liquidation:"+l.label+":"+rec.TxHash, fmt.Sprintf(
			"⚡ Liquidation on %s\n\nBorrower: %s\nRepaid: %s %s ($%s)\nSeized: %s\nEst. profit: $%s\nTx: %s",
			l.chain.Name, rec.Borrower, repayText, rec.RepayMarket,
			rec.RepayUSD.StringFixed(2), rec.CollateralMarket, rec.ProfitUSD.StringFixed(2), rec.TxHash))
	}
}

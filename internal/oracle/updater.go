// Package oracle pushes off-chain USD prices into the protocol's admin price
// oracle for one chain.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/metrics"
	"github.com/web3-frozen/lending-keeper/internal/module"
)

const Name = config.ModuleOracle

var (
	// ErrNotWhitelisted means the bot wallet may not write to the oracle.
	ErrNotWhitelisted = errors.New("wallet not whitelisted on oracle")
	// ErrSystemic aborts the remaining updates of a cycle.
	ErrSystemic = errors.New("systemic transaction failure")
)

// Errors whose text marks a wallet-wide problem rather than a token one.
var systemicMarkers = []string{
	"insufficient funds",
	"not whitelisted",
	"not authorized",
	"unauthorized",
	"only admin",
	"permission",
	"caller is not",
}

// Contract is the oracle surface. *compound.Client satisfies it.
type Contract interface {
	IsWhitelisted(ctx context.Context, account common.Address) (bool, error)
	SetDirectPrice(opts *bind.TransactOpts, asset common.Address, price *big.Int) (*types.Transaction, error)
}

type Signer interface {
	Address() common.Address
	GasPrice(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, req chain.TxRequest) (*types.Receipt, error)
}

type Feed interface {
	FetchPrices(ctx context.Context) ([]api.PriceQuote, error)
}

type AlertFunc func(ctx context.Context, key, message string)

type Deps struct {
	Chain    chain.ChainContext
	Contract Contract
	Signer   Signer
	Feed     Feed
	Alert    AlertFunc
	Logger   *slog.Logger
}

// Update is one price pushed (or attempted) in a cycle.
type Update struct {
	Symbol   string
	Asset    common.Address
	Price    decimal.Decimal
	Mantissa *big.Int
}

type Updater struct {
	cfg      config.OracleConfig
	chain    chain.ChainContext
	label    string
	contract Contract
	signer   Signer
	feed     Feed
	alert    AlertFunc
	logger   *slog.Logger

	tracked  map[string]common.Address
	excluded []string

	mu          sync.Mutex
	whitelisted *bool
	lastUpdate  time.Time
	lastPushed  int
	lastFailed  int
}

func New(cfg config.OracleConfig, d Deps) *Updater {
	u := &Updater{
		cfg:      cfg,
		chain:    d.Chain,
		label:    strconv.FormatUint(d.Chain.ID, 10),
		contract: d.Contract,
		signer:   d.Signer,
		feed:     d.Feed,
		alert:    d.Alert,
		logger:   d.Logger,
	}
	u.tracked, u.excluded = TrackedTokens(d.Chain, cfg.ExcludedTokens[d.Chain.ID])
	return u
}

// TrackedTokens lists the chain's plain token addresses by upper-case symbol,
// leaving out market and infrastructure contracts and excluded symbols.
func TrackedTokens(cc chain.ChainContext, exclude []string) (map[string]common.Address, []string) {
	skip := make(map[common.Address]bool)
	for _, m := range cc.Markets {
		skip[m.CToken] = true
	}
	skip[cc.Comptroller] = true
	skip[cc.Oracle] = true
	skip[common.Address{}] = true

	excluded := make(map[string]bool, len(exclude))
	for _, sym := range exclude {
		excluded[strings.ToUpper(strings.TrimSpace(sym))] = true
	}

	tracked := make(map[string]common.Address)
	var dropped []string
	for sym, addr := range cc.Tokens {
		sym = strings.ToUpper(sym)
		if skip[addr] {
			continue
		}
		if excluded[sym] {
			dropped = append(dropped, sym)
			continue
		}
		tracked[sym] = addr
	}
	sort.Strings(dropped)
	return tracked, dropped
}

func (u *Updater) Name() string    { return Name }
func (u *Updater) ChainID() uint64 { return u.chain.ID }

func (u *Updater) Initialize(ctx context.Context) error {
	if u.signer == nil {
		return fmt.Errorf("wallet %w", chain.ErrNotConfigured)
	}
	if u.contract == nil || u.feed == nil {
		return fmt.Errorf("oracle client %w", chain.ErrNotConfigured)
	}
	if u.chain.Oracle == (common.Address{}) {
		return fmt.Errorf("oracle address %w for chain %d", chain.ErrNotConfigured, u.chain.ID)
	}
	if len(u.tracked) == 0 {
		u.logger.Warn("no tokens to update", "excluded", u.excluded)
	}
	u.logger.Info("oracle updater ready",
		"wallet", u.signer.Address().Hex(),
		"oracle", u.chain.Oracle.Hex(),
		"tokens", len(u.tracked),
		"excluded", u.excluded)
	return nil
}

func (u *Updater) Run(_ context.Context, s *module.Scheduler) error {
	s.Every("update", u.cfg.Interval, true, u.Update)
	return nil
}

func (u *Updater) Cleanup(context.Context) error { return nil }

func (u *Updater) HealthStatus() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := map[string]any{
		"tokens":      len(u.tracked),
		"excluded":    u.excluded,
		"last_pushed": u.lastPushed,
		"last_failed": u.lastFailed,
	}
	if u.whitelisted != nil {
		out["whitelisted"] = *u.whitelisted
	}
	if !u.lastUpdate.IsZero() {
		out["last_update"] = u.lastUpdate
	}
	return out
}

// Update runs one cycle.
func (u *Updater) Update(ctx context.Context) error {
	ok, err := u.contract.IsWhitelisted(ctx, u.signer.Address())
	if err != nil {
		return fmt.Errorf("check whitelist: %w", err)
	}
	u.mu.Lock()
	u.whitelisted = &ok
	u.mu.Unlock()
	if !ok {
		u.logger.Error("WALLET NOT WHITELISTED ON ORACLE, no prices will be written",
			"wallet", u.signer.Address().Hex(), "oracle", u.chain.Oracle.Hex())
		if u.alert != nil {
			u.alert(ctx, "oracle-whitelist:"+u.label, fmt.Sprintf(
				"⚠️ Oracle updater on %s\n\nWallet %s is not whitelisted on oracle %s. Price updates are paused.",
				u.chain.Name, u.signer.Address().Hex(), u.chain.Oracle.Hex()))
		}
		return ErrNotWhitelisted
	}

	gasPrice, err := chain.CheckGasPrice(ctx, u.signer, u.cfg.MaxGasPriceGwei)
	if errors.Is(err, chain.ErrGasTooHigh) {
		u.logger.Info("skipping price update", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	var quotes []api.PriceQuote
	err = module.Retry(ctx, module.DefaultRetry, func(ctx context.Context) error {
		var err error
		quotes, err = u.feed.FetchPrices(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}

	updates := u.Plan(quotes)
	pushed, failed := 0, 0
	for i, upd := range updates {
		if i > 0 && !module.Sleep(ctx, u.cfg.TxDelay) {
			break
		}
		err := u.push(ctx, upd, gasPrice)
		if err == nil {
			pushed++
			continue
		}
		failed++
		if errors.Is(err, ErrSystemic) {
			u.finish(pushed, failed)
			return fmt.Errorf("aborting after %s: %w", upd.Symbol, err)
		}
		u.logger.Warn("price update failed", "token", upd.Symbol, "error", err)
	}

	u.finish(pushed, failed)
	u.logger.Info("oracle prices updated", "pushed", pushed, "failed", failed, "planned", len(updates))
	if failed > 0 {
		return fmt.Errorf("%d of %d price updates failed", failed, len(updates))
	}
	return nil
}

func (u *Updater) finish(pushed, failed int) {
	u.mu.Lock()
	u.lastUpdate = time.Now()
	u.lastPushed = pushed
	u.lastFailed = failed
	u.mu.Unlock()
}

// Plan maps feed quotes onto tracked tokens, in symbol order. A quote whose
// symbol matches the token directly wins over one mapped through an alias.
func (u *Updater) Plan(quotes []api.PriceQuote) []Update {
	chosen := make(map[string]api.PriceQuote)
	direct := make(map[string]bool)
	for _, q := range quotes {
		local := u.chain.LocalSymbol(q.Symbol)
		if _, ok := u.tracked[local]; !ok || !q.Price.IsPositive() {
			continue
		}
		isDirect := strings.EqualFold(q.Symbol, local)
		if _, seen := chosen[local]; seen && direct[local] && !isDirect {
			continue
		}
		chosen[local] = q
		direct[local] = isDirect
	}

	out := make([]Update, 0, len(chosen))
	for sym, q := range chosen {
		out = append(out, Update{
			Symbol:   sym,
			Asset:    u.tracked[sym],
			Price:    q.Price,
			Mantissa: Mantissa(q.Price),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Mantissa converts a USD price to an 18-decimal fixed-point integer.
func Mantissa(price decimal.Decimal) *big.Int {
	return price.Shift(18).Truncate(0).BigInt()
}

func (u *Updater) push(ctx context.Context, upd Update, gasPrice *big.Int) error {
	_, err := u.signer.Submit(ctx, chain.TxRequest{
		GasLimit: u.cfg.GasLimit,
		GasPrice: gasPrice,
		Build: func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return u.contract.SetDirectPrice(opts, upd.Asset, upd.Mantissa)
		},
	})
	if err != nil {
		metrics.OraclePricesPushed.WithLabelValues(u.label, upd.Symbol, "error").Inc()
		if systemic(err) {
			return fmt.Errorf("%w: %v", ErrSystemic, err)
		}
		return err
	}
	metrics.OraclePricesPushed.WithLabelValues(u.label, upd.Symbol, "ok").Inc()
	u.logger.Debug("price pushed", "token", upd.Symbol, "price", upd.Price.String())
	return nil
}

func systemic(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range systemicMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

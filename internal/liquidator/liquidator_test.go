package liquidator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/compound"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/module"
	"github.com/web3-frozen/lending-keeper/internal/store"
)

// Test fixture: borrower addresses used in place of the leaderboard API.
var (
	fixtureAlice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	fixtureBob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	fixtureCarol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

var (
	usdtMarket = chain.Market{
		Symbol:     "USDT",
		CToken:     common.HexToAddress("0x01"),
		Underlying: common.HexToAddress("0x11"),
		Decimals:   6,
	}
	bnbMarket = chain.Market{
		Symbol:   "BNB",
		CToken:   common.HexToAddress("0x02"),
		Decimals: 18,
		Native:   true,
	}
	testChain = chain.ChainContext{ID: 56, Name: "bsc", Markets: []chain.Market{usdtMarket, bnbMarket}}
	botWallet = common.HexToAddress("0xb07")
)

func units(amount string, decimals uint8) *big.Int {
	return compound.ToUnits(decimal.RequireFromString(amount), decimals)
}

type posKey struct {
	market, account common.Address
}

type fakeProtocol struct {
	mu         sync.Mutex
	shortfall  map[common.Address]*big.Int
	borrows    map[posKey]*big.Int
	supplies   map[posKey]*big.Int
	allowance  *big.Int
	approveErr error
	liqErr     map[common.Address]error
	failReads  map[common.Address]bool

	liquidityCalls map[common.Address]int
	approvals      int
	liquidations   []common.Address
	nativeValues   []*big.Int
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		shortfall:      make(map[common.Address]*big.Int),
		borrows:        make(map[posKey]*big.Int),
		supplies:       make(map[posKey]*big.Int),
		allowance:      new(big.Int),
		liqErr:         make(map[common.Address]error),
		failReads:      make(map[common.Address]bool),
		liquidityCalls: make(map[common.Address]int),
	}
}

func (f *fakeProtocol) AccountLiquidity(_ context.Context, account common.Address) (*big.Int, *big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liquidityCalls[account]++
	if f.failReads[account] {
		return nil, nil, errors.New("rpc timeout")
	}
	if s, ok := f.shortfall[account]; ok {
		return new(big.Int), s, nil
	}
	return big.NewInt(1), new(big.Int), nil
}

func (f *fakeProtocol) BorrowBalance(_ context.Context, market, account common.Address) (*big.Int, error) {
	if v, ok := f.borrows[posKey{market, account}]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (f *fakeProtocol) SupplyBalance(_ context.Context, market, account common.Address) (*big.Int, error) {
	if v, ok := f.supplies[posKey{market, account}]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (f *fakeProtocol) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return f.allowance, nil
}

func (f *fakeProtocol) Approve(opts *bind.TransactOpts, token, _ common.Address, amount *big.Int) (*types.Transaction, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approvals++
	f.allowance = amount
	return types.NewTransaction(opts.Nonce.Uint64(), token, nil, opts.GasLimit, opts.GasPrice, nil), nil
}

func (f *fakeProtocol) LiquidateBorrow(opts *bind.TransactOpts, market, borrower common.Address, _ *big.Int, _ common.Address) (*types.Transaction, error) {
	if err := f.liqErr[borrower]; err != nil {
		return nil, err
	}
	f.liquidations = append(f.liquidations, borrower)
	return types.NewTransaction(opts.Nonce.Uint64(), market, nil, opts.GasLimit, opts.GasPrice, borrower.Bytes()), nil
}

func (f *fakeProtocol) LiquidateBorrowNative(opts *bind.TransactOpts, market, borrower, _ common.Address) (*types.Transaction, error) {
	f.liquidations = append(f.liquidations, borrower)
	f.nativeValues = append(f.nativeValues, opts.Value)
	return types.NewTransaction(opts.Nonce.Uint64(), market, opts.Value, opts.GasLimit, opts.GasPrice, borrower.Bytes()), nil
}

type fakeSigner struct {
	gasPrice *big.Int
	nonce    uint64
	requests []chain.TxRequest
}

func (s *fakeSigner) Address() common.Address { return botWallet }

func (s *fakeSigner) GasPrice(context.Context) (*big.Int, error) { return s.gasPrice, nil }

func (s *fakeSigner) Submit(ctx context.Context, req chain.TxRequest) (*types.Receipt, error) {
	s.requests = append(s.requests, req)
	tx, err := req.Build(&bind.TransactOpts{
		From:     botWallet,
		Nonce:    new(big.Int).SetUint64(s.nonce),
		GasLimit: req.GasLimit,
		GasPrice: req.GasPrice,
		Value:    req.Value,
		Context:  ctx,
	})
	if err != nil {
		return nil, err
	}
	s.nonce++
	return &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1234), GasUsed: 250_000}, nil
}

type fakePrices map[string]decimal.Decimal

func (p fakePrices) Price(_ context.Context, _ uint64, symbol string) (api.PriceQuote, error) {
	price, ok := p[symbol]
	if !ok {
		return api.PriceQuote{}, chain.ErrNoPrice
	}
	return api.PriceQuote{Symbol: symbol, Price: price}, nil
}

type fakeUsers struct {
	users []common.Address
	err   error
}

func (f *fakeUsers) FetchUsers(context.Context) ([]common.Address, error) { return f.users, f.err }

type memRecorder struct{ saved []store.Liquidation }

func (m *memRecorder) SaveLiquidation(_ context.Context, l store.Liquidation) error {
	m.saved = append(m.saved, l)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.LiquidatorConfig {
	return config.LiquidatorConfig{
		Interval:             time.Minute,
		MinProfitUSD:         decimal.NewFromInt(10),
		MaxLiquidationUSD:    decimal.NewFromInt(10_000),
		MinCollateralUSD:     decimal.NewFromInt(50),
		LiquidationIncentive: decimal.RequireFromString("0.08"),
		CloseFactor:          decimal.RequireFromString("0.5"),
		MaxGasPriceGwei:      decimal.NewFromInt(50),
		GasLimit:             800_000,
	}
}

type harness struct {
	liq      *Liquidator
	protocol *fakeProtocol
	signer   *fakeSigner
	users    *fakeUsers
	recorder *memRecorder
	alerts   []string
}

func newHarness(t *testing.T, cfg config.LiquidatorConfig) *harness {
	t.Helper()
	h := &harness{
		protocol: newFakeProtocol(),
		signer:   &fakeSigner{gasPrice: big.NewInt(5e9)},
		users:    &fakeUsers{},
		recorder: &memRecorder{},
	}
	h.liq = New(cfg, Deps{
		Chain:      testChain,
		Protocol:   h.protocol,
		Signer:     h.signer,
		Prices:     fakePrices{"USDT": decimal.NewFromInt(1), "BNB": decimal.NewFromInt(400)},
		Candidates: h.users,
		Recorder:   h.recorder,
		Alert:      func(_ context.Context, _ string, msg string) { h.alerts = append(h.alerts, msg) },
		Logger:     discard(),
	})
	if err := h.liq.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return h
}

// underwater gives account a USDT debt and BNB collateral and a shortfall.
func (h *harness) underwater(account common.Address, borrowUSDT, collateralBNB string) {
	h.protocol.shortfall[account] = big.NewInt(1)
	h.protocol.borrows[posKey{usdtMarket.CToken, account}] = units(borrowUSDT, 6)
	h.protocol.supplies[posKey{bnbMarket.CToken, account}] = units(collateralBNB, 18)
}

func TestSolventBorrowerProducesNoOpportunity(t *testing.T) {
	h := newHarness(t, testConfig())
	h.protocol.borrows[posKey{usdtMarket.CToken, fixtureAlice}] = units("1000", 6)
	h.protocol.supplies[posKey{bnbMarket.CToken, fixtureAlice}] = units("10", 18)

	opp, err := h.liq.Evaluate(context.Background(), fixtureAlice)
	if err != nil || opp != nil {
		t.Fatalf("Evaluate = %+v, %v; want nil, nil", opp, err)
	}
}

func TestScenarioAcceptedAndExecuted(t *testing.T) {
	h := newHarness(t, testConfig())
	// 1,000 USDT debt against 5 BNB at $400 = $2,000 collateral.
	h.underwater(fixtureAlice, "1000", "5")

	opp, err := h.liq.Evaluate(context.Background(), fixtureAlice)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if !opp.RepayUSD.Equal(decimal.NewFromInt(500)) {
		t.Errorf("RepayUSD = %s, want 500", opp.RepayUSD)
	}
	if opp.RepayAmount.Cmp(units("500", 6)) != 0 {
		t.Errorf("RepayAmount = %s, want 500 USDT", opp.RepayAmount)
	}
	if !opp.ProfitUSD.Equal(decimal.NewFromInt(40)) {
		t.Errorf("ProfitUSD = %s, want 40", opp.ProfitUSD)
	}
	if opp.Collateral.Market.Symbol != "BNB" || opp.Borrow.Market.Symbol != "USDT" {
		t.Errorf("pair = %s/%s", opp.Borrow.Market.Symbol, opp.Collateral.Market.Symbol)
	}

	if err := h.liq.Execute(context.Background(), opp); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.protocol.approvals != 1 {
		t.Errorf("approvals = %d, want 1", h.protocol.approvals)
	}
	if h.protocol.allowance.Cmp(compound.MaxUint256) != 0 {
		t.Error("approval should be unlimited")
	}
	if len(h.signer.requests) != 2 || h.signer.requests[1].GasLimit != 800_000 {
		t.Errorf("requests = %+v", h.signer.requests)
	}
	hist := h.liq.History()
	if len(hist) != 1 || hist[0].Borrower != fixtureAlice.Hex() || hist[0].BlockNumber != 1234 {
		t.Fatalf("history = %+v", hist)
	}
	if len(h.recorder.saved) != 1 || len(h.alerts) != 1 {
		t.Errorf("saved=%d alerts=%d, want 1 each", len(h.recorder.saved), len(h.alerts))
	}

	// Allowance is now sufficient: no second approval.
	if err := h.liq.Execute(context.Background(), opp); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if h.protocol.approvals != 1 {
		t.Errorf("approvals = %d after second run, want 1", h.protocol.approvals)
	}
}

func TestScenarioGasAboveCeiling(t *testing.T) {
	h := newHarness(t, testConfig())
	h.underwater(fixtureAlice, "1000", "5")
	h.signer.gasPrice = big.NewInt(80e9)

	opp, err := h.liq.Evaluate(context.Background(), fixtureAlice)
	if err != nil || opp == nil {
		t.Fatalf("Evaluate = %v, %v; want an opportunity", opp, err)
	}
	if err := h.liq.Execute(context.Background(), opp); !errors.Is(err, chain.ErrGasTooHigh) {
		t.Fatalf("Execute err = %v, want ErrGasTooHigh", err)
	}
	if len(h.signer.requests) != 0 {
		t.Errorf("submitted %d transactions, want 0", len(h.signer.requests))
	}
	if len(h.liq.History()) != 0 {
		t.Error("no history entry should be recorded")
	}

	h.users.users = []common.Address{fixtureAlice}
	if err := h.liq.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(h.signer.requests) != 0 || len(h.liq.History()) != 0 {
		t.Error("scan must not submit while gas is above the ceiling")
	}
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name       string
		borrow     string
		collateral string
		want       error
	}{
		// repay $50 earns $4
		{"profit below floor", "100", "1", ErrProfitTooLow},
		// 0.1 BNB is $40 of collateral
		{"collateral below floor", "1000", "0.1", ErrCollateralTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.underwater(fixtureAlice, tt.borrow, tt.collateral)
			opp, err := h.liq.Evaluate(context.Background(), fixtureAlice)
			if !errors.Is(err, tt.want) || opp != nil {
				t.Fatalf("Evaluate = %v, %v; want %v", opp, err, tt.want)
			}

			h.users.users = []common.Address{fixtureAlice}
			_ = h.liq.Scan(context.Background())
			if len(h.signer.requests) != 0 {
				t.Error("rejected opportunity reached execution")
			}
		})
	}
}

func TestSizingCaps(t *testing.T) {
	cfg := testConfig()
	s := Sizing{
		CloseFactor:          cfg.CloseFactor,
		LiquidationIncentive: cfg.LiquidationIncentive,
		MaxLiquidationUSD:    cfg.MaxLiquidationUSD,
		MinCollateralUSD:     cfg.MinCollateralUSD,
		MinProfitUSD:         cfg.MinProfitUSD,
	}
	r := rand.New(rand.NewSource(7))
	accepted := 0
	for i := 0; i < 2000; i++ {
		borrow := decimal.NewFromFloat(r.Float64() * 50_000).Round(2)
		collateral := decimal.NewFromFloat(r.Float64() * 50_000).Round(2)
		repay, profit, err := s.Size(borrow, collateral)
		if err != nil {
			continue
		}
		accepted++
		if repay.GreaterThan(borrow.Mul(s.CloseFactor)) {
			t.Fatalf("repay %s > close factor x borrow %s", repay, borrow)
		}
		if repay.GreaterThan(s.MaxLiquidationUSD) {
			t.Fatalf("repay %s > max liquidation %s", repay, s.MaxLiquidationUSD)
		}
		if repay.Mul(decimal.NewFromInt(1).Add(s.LiquidationIncentive)).GreaterThan(collateral.Add(decimal.New(1, -6))) {
			t.Fatalf("repay %s seizes more than collateral %s", repay, collateral)
		}
		if profit.LessThan(s.MinProfitUSD) {
			t.Fatalf("accepted profit %s below floor", profit)
		}
	}
	if accepted == 0 {
		t.Fatal("no accepted samples")
	}

	repay, _, err := s.Size(decimal.NewFromInt(100_000), decimal.NewFromInt(1_000_000))
	if err != nil || !repay.Equal(decimal.NewFromInt(10_000)) {
		t.Errorf("large borrow repay = %s, %v; want the 10000 ceiling", repay, err)
	}
}

func TestNativeMarketLiquidation(t *testing.T) {
	h := newHarness(t, testConfig())
	// 4 BNB ($1,600) borrowed against 3,000 USDT of collateral.
	h.protocol.shortfall[fixtureBob] = big.NewInt(1)
	h.protocol.borrows[posKey{bnbMarket.CToken, fixtureBob}] = units("4", 18)
	h.protocol.supplies[posKey{usdtMarket.CToken, fixtureBob}] = units("3000", 6)

	opp, err := h.liq.Evaluate(context.Background(), fixtureBob)
	if err != nil || opp == nil {
		t.Fatalf("Evaluate = %v, %v", opp, err)
	}
	if err := h.liq.Execute(context.Background(), opp); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.protocol.approvals != 0 {
		t.Error("native market must not be approved")
	}
	if len(h.protocol.nativeValues) != 1 || h.protocol.nativeValues[0].Cmp(units("2", 18)) != 0 {
		t.Errorf("native value = %v, want 2 BNB", h.protocol.nativeValues)
	}
}

func TestScanRanksAndContinuesAfterFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	// Alice: bigger USDT opportunity whose approval fails.
	h.underwater(fixtureAlice, "10000", "50")
	h.protocol.approveErr = errors.New("insufficient funds for gas")
	// Bob: smaller native opportunity.
	h.protocol.shortfall[fixtureBob] = big.NewInt(1)
	h.protocol.borrows[posKey{bnbMarket.CToken, fixtureBob}] = units("1", 18)
	h.protocol.supplies[posKey{usdtMarket.CToken, fixtureBob}] = units("1000", 6)
	// Carol: read failure, skipped this cycle only.
	h.protocol.failReads[fixtureCarol] = true

	h.users.users = []common.Address{fixtureCarol, fixtureBob, fixtureAlice}
	err := h.liq.Scan(context.Background())
	if err == nil || err.Error() != "1 of 3 candidate checks failed, 1 of 2 liquidations failed" {
		t.Fatalf("Scan err = %v, want both failures reported", err)
	}

	if len(h.protocol.liquidations) != 1 || h.protocol.liquidations[0] != fixtureBob {
		t.Fatalf("liquidations = %v, want only bob", h.protocol.liquidations)
	}
	if len(h.signer.requests) != 2 {
		t.Errorf("requests = %d, want alice's approval then bob's liquidation", len(h.signer.requests))
	}
	if got := h.liq.HealthStatus()["last_opportunities"]; got != 2 {
		t.Errorf("last_opportunities = %v, want 2", got)
	}
}

func TestScanFailuresCountedInHealth(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  string
	}{
		{
			name: "every candidate read fails",
			setup: func(h *harness) {
				h.protocol.failReads[fixtureAlice] = true
				h.protocol.failReads[fixtureBob] = true
				h.users.users = []common.Address{fixtureAlice, fixtureBob}
			},
			want: "2 of 2 candidate checks failed",
		},
		{
			name: "only liquidation reverts",
			setup: func(h *harness) {
				h.underwater(fixtureAlice, "1000", "5")
				h.protocol.allowance = compound.MaxUint256
				h.protocol.liqErr[fixtureAlice] = errors.New("execution reverted")
				h.users.users = []common.Address{fixtureAlice}
			},
			want: "1 of 1 liquidations failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			tt.setup(h)

			r := module.NewRunner(h.liq, discard(), nil)
			ctx := context.Background()
			if err := r.Init(ctx); err != nil {
				t.Fatalf("Init: %v", err)
			}
			if err := r.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			deadline := time.Now().Add(10 * time.Second)
			for r.Health().Errors == 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			r.Stop(ctx)

			hl := r.Health()
			if hl.Errors != 1 || hl.Successes != 0 {
				t.Errorf("errors=%d successes=%d, want 1 and 0", hl.Errors, hl.Successes)
			}
			if hl.LastError != tt.want {
				t.Errorf("last error = %q, want %q", hl.LastError, tt.want)
			}
			if len(h.liq.History()) != 0 {
				t.Error("failed cycle recorded history")
			}
		})
	}
}

func TestCandidatesPersistAcrossCycles(t *testing.T) {
	cfg := testConfig()
	cfg.WatchAddresses = []string{fixtureCarol.Hex(), "not-an-address"}
	h := newHarness(t, cfg)

	h.users.users = []common.Address{fixtureAlice}
	_ = h.liq.Scan(context.Background())

	h.users.users = nil
	h.users.err = errors.New("leaderboard down")
	_ = h.liq.Scan(context.Background())

	if n := h.protocol.liquidityCalls[fixtureAlice]; n != 2 {
		t.Errorf("alice checked %d times, want 2", n)
	}
	if n := h.protocol.liquidityCalls[fixtureCarol]; n != 2 {
		t.Errorf("watched address checked %d times, want 2", n)
	}
	if got := h.liq.HealthStatus()["candidates"]; got != 2 {
		t.Errorf("candidates = %v, want 2", got)
	}
}

func TestInitializeRequiresWallet(t *testing.T) {
	l := New(testConfig(), Deps{Chain: testChain, Protocol: newFakeProtocol(), Prices: fakePrices{}, Logger: discard()})
	if err := l.Initialize(context.Background()); !errors.Is(err, chain.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestRank(t *testing.T) {
	opps := []*Opportunity{
		{ProfitUSD: decimal.NewFromInt(5)},
		{ProfitUSD: decimal.NewFromInt(50)},
		{ProfitUSD: decimal.NewFromInt(20)},
	}
	Rank(opps)
	for i, want := range []int64{50, 20, 5} {
		if !opps[i].ProfitUSD.Equal(decimal.NewFromInt(want)) {
			t.Errorf("opps[%d] = %s, want %d", i, opps[i].ProfitUSD, want)
		}
	}
}

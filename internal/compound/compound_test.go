package compound

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	market = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func eventLog(t *testing.T, name string, block uint64, txIndex, index uint, args ...any) types.Log {
	t.Helper()
	ev := CTokenABI.Events[name]
	data, err := ev.Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address:     market,
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		TxIndex:     txIndex,
		Index:       index,
	}
}

func TestDecodeLog(t *testing.T) {
	tests := []struct {
		name    string
		log     types.Log
		kind    EventKind
		account common.Address
		amount  int64
	}{
		{"mint", eventLog(t, "Mint", 10, 0, 0, alice, big.NewInt(100), big.NewInt(5000)), KindMint, alice, 100},
		{"redeem", eventLog(t, "Redeem", 10, 0, 1, alice, big.NewInt(40), big.NewInt(2000)), KindRedeem, alice, 40},
		{"borrow", eventLog(t, "Borrow", 11, 2, 0, bob, big.NewInt(7), big.NewInt(7), big.NewInt(900)), KindBorrow, bob, 7},
		{"repay credited to borrower", eventLog(t, "RepayBorrow", 12, 0, 3, alice, bob, big.NewInt(3), big.NewInt(4), big.NewInt(897)), KindRepay, bob, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeLog(tt.log)
			if err != nil {
				t.Fatalf("DecodeLog: %v", err)
			}
			if ev.Kind() != tt.kind {
				t.Errorf("Kind = %s, want %s", ev.Kind(), tt.kind)
			}
			if ev.Account() != tt.account {
				t.Errorf("Account = %s, want %s", ev.Account().Hex(), tt.account.Hex())
			}
			if ev.Amount().Int64() != tt.amount {
				t.Errorf("Amount = %s, want %d", ev.Amount(), tt.amount)
			}
			if ev.Meta().Market != market || ev.Meta().Block != tt.log.BlockNumber {
				t.Errorf("Meta = %+v", ev.Meta())
			}
		})
	}
}

func TestDecodeRepayKeepsPayer(t *testing.T) {
	ev, err := DecodeLog(eventLog(t, "RepayBorrow", 1, 0, 0, alice, bob, big.NewInt(3), big.NewInt(0), big.NewInt(0)))
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	repay, ok := ev.(*RepayEvent)
	if !ok {
		t.Fatalf("type = %T, want *RepayEvent", ev)
	}
	if repay.Payer != alice || repay.Borrower != bob {
		t.Errorf("payer=%s borrower=%s", repay.Payer.Hex(), repay.Borrower.Hex())
	}
}

func TestDecodeLogUnknown(t *testing.T) {
	if _, err := DecodeLog(types.Log{}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("no topics: err = %v", err)
	}
	l := types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}
	if _, err := DecodeLog(l); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("foreign topic: err = %v", err)
	}
	bad := eventLog(t, "Mint", 1, 0, 0, alice, big.NewInt(1), big.NewInt(1))
	bad.Data = bad.Data[:10]
	if _, err := DecodeLog(bad); err == nil {
		t.Error("truncated data should fail")
	}
}

func TestSortEvents(t *testing.T) {
	var events []Event
	for _, l := range []types.Log{
		eventLog(t, "Mint", 12, 0, 0, alice, big.NewInt(1), big.NewInt(1)),
		eventLog(t, "Mint", 10, 3, 7, alice, big.NewInt(2), big.NewInt(1)),
		eventLog(t, "Mint", 10, 1, 9, alice, big.NewInt(3), big.NewInt(1)),
		eventLog(t, "Mint", 10, 3, 5, alice, big.NewInt(4), big.NewInt(1)),
	} {
		ev, err := DecodeLog(l)
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}
	SortEvents(events)

	want := []int64{3, 4, 2, 1}
	for i, ev := range events {
		if ev.Amount().Int64() != want[i] {
			t.Errorf("events[%d] amount = %s, want %d", i, ev.Amount(), want[i])
		}
	}
}

func TestUnderlying(t *testing.T) {
	// 5000 cTokens (8 decimals) at an exchange rate of 0.02 underlying per cToken.
	cTokens := big.NewInt(5000_0000_0000)
	rate, _ := new(big.Int).SetString("200000000000000000000000000", 10)
	got := Underlying(cTokens, rate)
	want := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	if got.Cmp(want) != 0 {
		t.Errorf("Underlying = %s, want %s", got, want)
	}
}

// fakeContracts answers eth_call by method selector.
type fakeContracts struct {
	bind.ContractBackend

	results map[string][]any
	logs    []types.Log
	query   ethereum.FilterQuery
}

func (f *fakeContracts) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for _, parsed := range []abi.ABI{ComptrollerABI, CTokenABI, ERC20ABI, OracleABI} {
		method, err := parsed.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		out, ok := f.results[method.Name]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(out...)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeContracts) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.query = q
	return f.logs, nil
}

func TestAccountLiquidity(t *testing.T) {
	f := &fakeContracts{results: map[string][]any{
		"getAccountLiquidity": {big.NewInt(0), big.NewInt(0), big.NewInt(250)},
	}}
	c := NewClient(f, common.HexToAddress("0xc0"), common.HexToAddress("0xa0"))

	liq, short, err := c.AccountLiquidity(context.Background(), alice)
	if err != nil {
		t.Fatalf("AccountLiquidity: %v", err)
	}
	if liq.Sign() != 0 || short.Int64() != 250 {
		t.Errorf("liquidity=%s shortfall=%s", liq, short)
	}

	f.results["getAccountLiquidity"] = []any{big.NewInt(3), big.NewInt(0), big.NewInt(0)}
	if _, _, err := c.AccountLiquidity(context.Background(), alice); err == nil {
		t.Error("comptroller error code should be returned as error")
	}
}

func TestSupplyBalance(t *testing.T) {
	rate, _ := new(big.Int).SetString("200000000000000000000000000", 10)
	f := &fakeContracts{results: map[string][]any{
		"balanceOf":          {big.NewInt(5000_0000_0000)},
		"exchangeRateStored": {rate},
	}}
	c := NewClient(f, common.Address{}, common.Address{})
	got, err := c.SupplyBalance(context.Background(), market, alice)
	if err != nil {
		t.Fatalf("SupplyBalance: %v", err)
	}
	if got.Cmp(new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))) != 0 {
		t.Errorf("SupplyBalance = %s", got)
	}
}

func TestIsWhitelisted(t *testing.T) {
	f := &fakeContracts{results: map[string][]any{"isWhitelisted": {true}}}
	ok, err := NewClient(f, common.Address{}, common.HexToAddress("0xa0")).IsWhitelisted(context.Background(), alice)
	if err != nil || !ok {
		t.Errorf("IsWhitelisted = %v, %v", ok, err)
	}
}

func TestMarketEvents(t *testing.T) {
	removed := eventLog(t, "Mint", 5, 0, 0, alice, big.NewInt(999), big.NewInt(1))
	removed.Removed = true
	f := &fakeContracts{logs: []types.Log{
		eventLog(t, "Redeem", 6, 0, 0, alice, big.NewInt(40), big.NewInt(1)),
		eventLog(t, "Mint", 5, 1, 0, alice, big.NewInt(100), big.NewInt(1)),
		removed,
	}}
	events, err := NewClient(f, common.Address{}, common.Address{}).MarketEvents(context.Background(), market, 5, 6)
	if err != nil {
		t.Fatalf("MarketEvents: %v", err)
	}
	if len(events) != 2 || events[0].Kind() != KindMint || events[1].Kind() != KindRedeem {
		t.Fatalf("events = %v", events)
	}
	if f.query.FromBlock.Uint64() != 5 || f.query.ToBlock.Uint64() != 6 || len(f.query.Topics[0]) != 4 {
		t.Errorf("query = %+v", f.query)
	}
}

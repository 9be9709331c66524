package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var market = common.HexToAddress("0x01")

type fakeReader struct {
	balances    map[common.Address]*big.Int
	total       *big.Int
	totalErr    error
	balErr      error
	supplyCalls int
}

func (f *fakeReader) CTokenBalance(_ context.Context, _ common.Address, account common.Address) (*big.Int, error) {
	if f.balErr != nil {
		return nil, f.balErr
	}
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) TotalSupply(context.Context, common.Address) (*big.Int, error) {
	f.supplyCalls++
	return f.total, f.totalErr
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSharesOfAllHoldersSumToHundred(t *testing.T) {
	holders := map[common.Address]*big.Int{
		common.HexToAddress("0xa1"): big.NewInt(1),
		common.HexToAddress("0xa2"): big.NewInt(1),
		common.HexToAddress("0xa3"): big.NewInt(1),
		common.HexToAddress("0xa4"): big.NewInt(7_777_777),
		common.HexToAddress("0xa5"): big.NewInt(13),
	}
	total := new(big.Int)
	for _, b := range holders {
		total.Add(total, b)
	}
	r := &fakeReader{balances: holders, total: total}
	m := NewManager(r, discard())

	sum := decimal.Zero
	for addr := range holders {
		sum = sum.Add(m.Share(context.Background(), market, addr).Percent)
	}
	eps := decimal.New(1, -10)
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(eps) {
		t.Errorf("sum of shares = %s, want 100 ± %s", sum, eps)
	}
	if r.supplyCalls != 1 {
		t.Errorf("TotalSupply calls = %d, want 1 (cached)", r.supplyCalls)
	}
}

func TestShareDegradesToZero(t *testing.T) {
	tests := []struct {
		name string
		r    *fakeReader
	}{
		{"supply error", &fakeReader{totalErr: errors.New("rpc down")}},
		{"balance error", &fakeReader{total: big.NewInt(10), balErr: errors.New("rpc down")}},
		{"empty market", &fakeReader{total: big.NewInt(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewManager(tt.r, discard()).Share(context.Background(), market, common.HexToAddress("0xa1"))
			if !s.Percent.IsZero() {
				t.Errorf("Percent = %s, want 0", s.Percent)
			}
		})
	}
}

func TestSupplyErrorNotCached(t *testing.T) {
	r := &fakeReader{totalErr: errors.New("rpc down")}
	m := NewManager(r, discard())
	m.Share(context.Background(), market, common.HexToAddress("0xa1"))
	r.totalErr = nil
	r.total = big.NewInt(4)
	r.balances = map[common.Address]*big.Int{common.HexToAddress("0xa1"): big.NewInt(1)}

	s := m.Share(context.Background(), market, common.HexToAddress("0xa1"))
	if !s.Percent.Equal(decimal.NewFromInt(25)) {
		t.Errorf("Percent = %s, want 25", s.Percent)
	}
}

func TestBaseTVL(t *testing.T) {
	r := &fakeReader{
		balances: map[common.Address]*big.Int{common.HexToAddress("0xa1"): big.NewInt(5)},
		total:    big.NewInt(20),
	}
	m := NewManager(r, discard())
	got := m.BaseTVL(context.Background(), []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}, common.HexToAddress("0xa1"))
	if !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("BaseTVL = %s, want 50 (25%% in each of two markets)", got)
	}
}

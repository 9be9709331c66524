package compound

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MaxUint256 is the "unlimited" ERC-20 approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var expScale = big.NewInt(1e18)

// Client wraps the protocol contracts of one chain.
type Client struct {
	backend     bind.ContractBackend
	comptroller common.Address
	oracle      common.Address
}

func NewClient(backend bind.ContractBackend, comptroller, oracle common.Address) *Client {
	return &Client{backend: backend, comptroller: comptroller, oracle: oracle}
}

func (c *Client) bound(addr common.Address, parsed abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(addr, parsed, c.backend, c.backend, c.backend)
}

func (c *Client) call(ctx context.Context, addr common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	var out []any
	if err := c.bound(addr, parsed).Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, addr.Hex(), err)
	}
	return out, nil
}

func (c *Client) callUint(ctx context.Context, addr common.Address, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, addr, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return %T", method, out[0])
	}
	return v, nil
}

// AccountLiquidity returns the comptroller's (liquidity, shortfall) for an
// account. A non-zero comptroller error code is returned as an error.
func (c *Client) AccountLiquidity(ctx context.Context, account common.Address) (liquidity, shortfall *big.Int, err error) {
	out, err := c.call(ctx, c.comptroller, ComptrollerABI, "getAccountLiquidity", account)
	if err != nil {
		return nil, nil, err
	}
	code := out[0].(*big.Int)
	if code.Sign() != 0 {
		return nil, nil, fmt.Errorf("getAccountLiquidity: comptroller error %s", code)
	}
	return out[1].(*big.Int), out[2].(*big.Int), nil
}

// BorrowBalance is the stored borrow balance of account in market, in
// underlying units.
func (c *Client) BorrowBalance(ctx context.Context, market, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, market, CTokenABI, "borrowBalanceStored", account)
}

// CTokenBalance is the raw cToken balance of account.
func (c *Client) CTokenBalance(ctx context.Context, market, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, market, CTokenABI, "balanceOf", account)
}

func (c *Client) ExchangeRate(ctx context.Context, market common.Address) (*big.Int, error) {
	return c.callUint(ctx, market, CTokenABI, "exchangeRateStored")
}

func (c *Client) TotalSupply(ctx context.Context, market common.Address) (*big.Int, error) {
	return c.callUint(ctx, market, CTokenABI, "totalSupply")
}

// SupplyBalance is account's supplied balance in underlying units:
// cTokenBalance * exchangeRateStored / 1e18.
func (c *Client) SupplyBalance(ctx context.Context, market, account common.Address) (*big.Int, error) {
	bal, err := c.CTokenBalance(ctx, market, account)
	if err != nil {
		return nil, err
	}
	if bal.Sign() == 0 {
		return bal, nil
	}
	rate, err := c.ExchangeRate(ctx, market)
	if err != nil {
		return nil, err
	}
	return Underlying(bal, rate), nil
}

// Underlying converts a cToken amount to underlying units.
func Underlying(cTokens, exchangeRate *big.Int) *big.Int {
	out := new(big.Int).Mul(cTokens, exchangeRate)
	return out.Quo(out, expScale)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, ERC20ABI, "allowance", owner, spender)
}

func (c *Client) Approve(opts *bind.TransactOpts, token, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return c.bound(token, ERC20ABI).Transact(opts, "approve", spender, amount)
}

// LiquidateBorrow repays part of borrower's debt in an ERC-20 market and
// seizes cTokenCollateral.
func (c *Client) LiquidateBorrow(opts *bind.TransactOpts, market, borrower common.Address, repay *big.Int, collateral common.Address) (*types.Transaction, error) {
	return c.bound(market, CTokenABI).Transact(opts, "liquidateBorrow", borrower, repay, collateral)
}

// LiquidateBorrowNative is the native-asset variant; opts.Value must carry the
// repay amount.
func (c *Client) LiquidateBorrowNative(opts *bind.TransactOpts, market, borrower, collateral common.Address) (*types.Transaction, error) {
	return c.bound(market, CNativeABI).Transact(opts, "liquidateBorrow", borrower, collateral)
}

func (c *Client) IsWhitelisted(ctx context.Context, account common.Address) (bool, error) {
	out, err := c.call(ctx, c.oracle, OracleABI, "isWhitelisted", account)
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

func (c *Client) SetDirectPrice(opts *bind.TransactOpts, asset common.Address, price *big.Int) (*types.Transaction, error) {
	return c.bound(c.oracle, OracleABI).Transact(opts, "setDirectPrice", asset, price)
}

// MarketEvents returns the decoded Mint/Redeem/Borrow/RepayBorrow events of
// one market in [from, to], in chain order. Undecodable logs are an error.
func (c *Client) MarketEvents(ctx context.Context, market common.Address, from, to uint64) ([]Event, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{market},
		Topics:    [][]common.Hash{EventTopics()},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %s [%d,%d]: %w", market.Hex(), from, to, err)
	}

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := DecodeLog(l)
		if err != nil {
			return nil, fmt.Errorf("decode log %s/%d: %w", l.TxHash.Hex(), l.Index, err)
		}
		events = append(events, ev)
	}
	SortEvents(events)
	return events, nil
}

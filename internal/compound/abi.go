// Package compound reads and writes the Compound v2 style lending contracts:
// comptroller, cToken markets, ERC-20 underlyings and the admin price oracle.
package compound

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const comptrollerJSON = `[
 {"type":"function","name":"getAccountLiquidity","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"}]}
]`

const cTokenJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"borrowBalanceStored","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"exchangeRateStored","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"liquidateBorrow","stateMutability":"nonpayable",
  "inputs":[{"name":"borrower","type":"address"},{"name":"repayAmount","type":"uint256"},{"name":"cTokenCollateral","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"Mint","anonymous":false,"inputs":[
  {"name":"minter","type":"address","indexed":false},
  {"name":"mintAmount","type":"uint256","indexed":false},
  {"name":"mintTokens","type":"uint256","indexed":false}]},
 {"type":"event","name":"Redeem","anonymous":false,"inputs":[
  {"name":"redeemer","type":"address","indexed":false},
  {"name":"redeemAmount","type":"uint256","indexed":false},
  {"name":"redeemTokens","type":"uint256","indexed":false}]},
 {"type":"event","name":"Borrow","anonymous":false,"inputs":[
  {"name":"borrower","type":"address","indexed":false},
  {"name":"borrowAmount","type":"uint256","indexed":false},
  {"name":"accountBorrows","type":"uint256","indexed":false},
  {"name":"totalBorrows","type":"uint256","indexed":false}]},
 {"type":"event","name":"RepayBorrow","anonymous":false,"inputs":[
  {"name":"payer","type":"address","indexed":false},
  {"name":"borrower","type":"address","indexed":false},
  {"name":"repayAmount","type":"uint256","indexed":false},
  {"name":"accountBorrows","type":"uint256","indexed":false},
  {"name":"totalBorrows","type":"uint256","indexed":false}]}
]`

// The native market (CEther style) takes the repay amount as msg.value.
const cNativeJSON = `[
 {"type":"function","name":"liquidateBorrow","stateMutability":"payable",
  "inputs":[{"name":"borrower","type":"address"},{"name":"cTokenCollateral","type":"address"}],
  "outputs":[]}
]`

const erc20JSON = `[
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

const oracleJSON = `[
 {"type":"function","name":"setDirectPrice","stateMutability":"nonpayable",
  "inputs":[{"name":"asset","type":"address"},{"name":"price","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"isWhitelisted","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	ComptrollerABI = mustParse(comptrollerJSON)
	CTokenABI      = mustParse(cTokenJSON)
	CNativeABI     = mustParse(cNativeJSON)
	ERC20ABI       = mustParse(erc20JSON)
	OracleABI      = mustParse(oracleJSON)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("compound: parse abi: " + err.Error())
	}
	return parsed
}

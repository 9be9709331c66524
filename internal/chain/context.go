package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Market describes one lending market (cToken) and its underlying asset.
type Market struct {
	Symbol     string         `json:"symbol"`
	CToken     common.Address `json:"cToken"`
	Underlying common.Address `json:"underlying"`
	Decimals   uint8          `json:"decimals"`
	Native     bool           `json:"native"`
}

// ChainContext is the immutable per-chain configuration.
type ChainContext struct {
	ID               uint64                    `json:"id"`
	Name             string                    `json:"name"`
	RPCURL           string                    `json:"rpcUrl"`
	NativeSymbol     string                    `json:"nativeSymbol"`
	NativeDecimals   uint8                     `json:"nativeDecimals"`
	BlockTimeSeconds float64                   `json:"blockTimeSeconds"`
	Comptroller      common.Address            `json:"comptroller"`
	Oracle           common.Address            `json:"oracle"`
	Markets          []Market                  `json:"markets"`
	Tokens           map[string]common.Address `json:"tokens"`
	PriceAliases     map[string]string         `json:"priceAliases"`
	DailyPointBudget decimal.Decimal           `json:"dailyPointBudget"`
}

// BlockTime returns the average block interval, defaulting to 3s.
func (c ChainContext) BlockTime() time.Duration {
	if c.BlockTimeSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.BlockTimeSeconds * float64(time.Second))
}

// CTokens lists the market contract addresses in configuration order.
func (c ChainContext) CTokens() []common.Address {
	out := make([]common.Address, len(c.Markets))
	for i, m := range c.Markets {
		out[i] = m.CToken
	}
	return out
}

// LocalSymbol maps an external price-feed symbol to the local token key.
func (c ChainContext) LocalSymbol(external string) string {
	ext := strings.ToUpper(external)
	for from, to := range c.PriceAliases {
		if strings.ToUpper(from) == ext {
			return strings.ToUpper(to)
		}
	}
	return ext
}

func (c ChainContext) validate() error {
	if c.ID == 0 {
		return fmt.Errorf("chain %q: id is required", c.Name)
	}
	if c.RPCURL == "" {
		return fmt.Errorf("chain %d: rpcUrl is required", c.ID)
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("chain %d: at least one market is required", c.ID)
	}
	seen := make(map[common.Address]bool)
	for _, m := range c.Markets {
		if m.CToken == (common.Address{}) {
			return fmt.Errorf("chain %d: market %s has no cToken address", c.ID, m.Symbol)
		}
		if seen[m.CToken] {
			return fmt.Errorf("chain %d: duplicate market %s", c.ID, m.CToken.Hex())
		}
		seen[m.CToken] = true
	}
	return nil
}

// Registry indexes chain contexts by chain id.
type Registry map[uint64]ChainContext

// LoadRegistry reads a JSON array of chain contexts from path and applies
// RPC URL overrides.
func LoadRegistry(path string, rpcOverrides map[uint64]string) (Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	return ParseRegistry(raw, rpcOverrides)
}

func ParseRegistry(raw []byte, rpcOverrides map[uint64]string) (Registry, error) {
	var chains []ChainContext
	if err := json.Unmarshal(raw, &chains); err != nil {
		return nil, fmt.Errorf("decode chains: %w", err)
	}

	reg := make(Registry, len(chains))
	for _, c := range chains {
		if url, ok := rpcOverrides[c.ID]; ok {
			c.RPCURL = url
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, dup := reg[c.ID]; dup {
			return nil, fmt.Errorf("duplicate chain id %d", c.ID)
		}
		tokens := make(map[string]common.Address, len(c.Tokens))
		for sym, addr := range c.Tokens {
			tokens[strings.ToUpper(sym)] = addr
		}
		c.Tokens = tokens
		reg[c.ID] = c
	}
	return reg, nil
}

package chain

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
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/cache"
	"github.com/web3-frozen/lending-keeper/internal/metrics"
)

const (
	priceTTL    = 5 * time.Minute
	dialTimeout = 15 * time.Second
)

var (
	// ErrNotConfigured means a chain has no connection or wallet. Callers
	// treat it as a startup configuration error.
	ErrNotConfigured = errors.New("not configured")
	// ErrNoPrice means the price feed has no quote for a symbol.
	ErrNoPrice = errors.New("no price for symbol")
)

// Backend is the RPC surface used by the bot. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a Backend for an RPC URL.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// PriceSource supplies off-chain USD prices.
type PriceSource interface {
	FetchPrices(ctx context.Context) ([]api.PriceQuote, error)
}

type connection struct {
	chain   ChainContext
	backend Backend
	wallet  *Wallet
	blocks  *cache.Cache[uint64, uint64]
}

type priceKey struct {
	chainID uint64
	symbol  string
}

// Health is one chain's connectivity report.
type Health struct {
	ChainID     uint64 `json:"chain_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	HasWallet   bool   `json:"has_wallet"`
	Error       string `json:"error,omitempty"`
}

// Manager owns one RPC connection and optional wallet per enabled chain.
type Manager struct {
	registry Registry
	dial     Dialer
	prices   PriceSource
	logger   *slog.Logger

	mu     sync.RWMutex
	conns  map[uint64]*connection
	quotes *cache.Cache[priceKey, api.PriceQuote]
	misses *cache.Cache[priceKey, struct{}]
}

func NewManager(registry Registry, dial Dialer, prices PriceSource, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = DialEthclient
	}
	return &Manager{
		registry: registry,
		dial:     dial,
		prices:   prices,
		logger:   logger,
		conns:    make(map[uint64]*connection),
		quotes:   cache.New[priceKey, api.PriceQuote](priceTTL, 0),
		misses:   cache.New[priceKey, struct{}](priceTTL, 0),
	}
}

// Init connects to every chain in ids. Any failure closes what was opened
// and is returned: partial bring-up is not allowed.
func (m *Manager) Init(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return fmt.Errorf("no chains enabled")
	}
	opened := make(map[uint64]*connection, len(ids))
	fail := func(err error) error {
		for _, c := range opened {
			c.backend.Close()
		}
		return err
	}

	for _, id := range ids {
		cc, ok := m.registry[id]
		if !ok {
			return fail(fmt.Errorf("chain %d: %w in chains file", id, ErrNotConfigured))
		}
		conn, err := m.connect(ctx, cc)
		if err != nil {
			return fail(fmt.Errorf("chain %d (%s): %w", id, cc.Name, err))
		}
		opened[id] = conn
	}

	m.mu.Lock()
	for id, c := range opened {
		m.conns[id] = c
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) connect(ctx context.Context, cc ChainContext) (*connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	backend, err := m.dial(dialCtx, cc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	remoteID, err := backend.ChainID(dialCtx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if !remoteID.IsUint64() || remoteID.Uint64() != cc.ID {
		backend.Close()
		return nil, fmt.Errorf("rpc reports chain id %s, want %d", remoteID, cc.ID)
	}
	block, err := backend.BlockNumber(dialCtx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("fetch block number: %w", err)
	}

	conn := &connection{
		chain:   cc,
		backend: backend,
		blocks:  cache.New[uint64, uint64](cc.BlockTime(), 1),
	}
	conn.blocks.Set(cc.ID, block)
	metrics.ChainBlockHeight.WithLabelValues(label(cc.ID)).Set(float64(block))
	m.logger.Info("chain connected", "chain", cc.ID, "name", cc.Name, "block", block)
	return conn, nil
}

// AddWallet attaches a signer to an open connection. Calling it again for
// the same chain is a no-op.
func (m *Manager) AddWallet(chainID uint64, privateKeyHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[chainID]
	if !ok {
		return fmt.Errorf("chain %d: provider %w", chainID, ErrNotConfigured)
	}
	if conn.wallet != nil {
		return nil
	}
	w, err := NewWallet(conn.backend, chainID, privateKeyHex)
	if err != nil {
		return fmt.Errorf("chain %d: %w", chainID, err)
	}
	conn.wallet = w
	m.logger.Info("wallet attached", "chain", chainID, "address", w.Address().Hex())
	return nil
}

func (m *Manager) conn(chainID uint64) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: provider %w", chainID, ErrNotConfigured)
	}
	return c, nil
}

// Provider returns the RPC backend for a chain.
func (m *Manager) Provider(chainID uint64) (Backend, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return nil, err
	}
	return c.backend, nil
}

// Wallet returns the signer for a chain.
func (m *Manager) Wallet(chainID uint64) (*Wallet, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c.wallet == nil {
		return nil, fmt.Errorf("chain %d: wallet %w", chainID, ErrNotConfigured)
	}
	return c.wallet, nil
}

// Chain returns the ChainContext for an enabled chain.
func (m *Manager) Chain(chainID uint64) (ChainContext, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return ChainContext{}, err
	}
	return c.chain, nil
}

// ChainIDs lists connected chains in ascending order.
func (m *Manager) ChainIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BlockNumber returns the latest block, served from a cache that lives for
// about one block interval.
func (m *Manager) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return 0, err
	}
	return c.blocks.GetOrLoad(ctx, chainID, func(ctx context.Context) (uint64, error) {
		n, err := c.backend.BlockNumber(ctx)
		if err == nil {
			metrics.ChainBlockHeight.WithLabelValues(label(chainID)).Set(float64(n))
		}
		return n, err
	})
}

// Price returns the USD quote for a local token symbol on a chain. Quotes
// are cached for five minutes; a miss refreshes the whole feed. A quote
// published under the local symbol itself wins over one reached through a
// price alias. Symbols the feed does not carry are remembered for the same
// five minutes.
func (m *Manager) Price(ctx context.Context, chainID uint64, symbol string) (api.PriceQuote, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return api.PriceQuote{}, err
	}
	key := priceKey{chainID: chainID, symbol: strings.ToUpper(symbol)}
	if q, ok := m.quotes.Get(key); ok {
		return q, nil
	}
	if _, missing := m.misses.Get(key); missing {
		return api.PriceQuote{}, fmt.Errorf("%w %s", ErrNoPrice, key.symbol)
	}
	if m.prices == nil {
		return api.PriceQuote{}, fmt.Errorf("price feed %w", ErrNotConfigured)
	}

	quotes, err := m.prices.FetchPrices(ctx)
	if err != nil {
		return api.PriceQuote{}, fmt.Errorf("refresh prices: %w", err)
	}
	for sym, q := range resolveQuotes(c.chain, quotes) {
		m.quotes.Set(priceKey{chainID: chainID, symbol: sym}, q)
	}
	if q, ok := m.quotes.Get(key); ok {
		return q, nil
	}
	m.misses.Set(key, struct{}{})
	return api.PriceQuote{}, fmt.Errorf("%w %s", ErrNoPrice, key.symbol)
}

// resolveQuotes indexes a feed by upper-case symbol. Each quote is stored
// under its own symbol and, when aliased, under the local symbol unless the
// feed also quotes that symbol directly.
func resolveQuotes(cc ChainContext, quotes []api.PriceQuote) map[string]api.PriceQuote {
	out := make(map[string]api.PriceQuote, len(quotes))
	direct := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		ext := strings.ToUpper(q.Symbol)
		out[ext] = q
		direct[ext] = true
	}
	for _, q := range quotes {
		ext := strings.ToUpper(q.Symbol)
		if local := cc.LocalSymbol(ext); local != ext && !direct[local] {
			out[local] = q
		}
	}
	return out
}

// HealthStatus re-fetches each chain's block number. It never fails;
// per-chain errors are reported in the result.
func (m *Manager) HealthStatus(ctx context.Context) []Health {
	ids := m.ChainIDs()
	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		c, err := m.conn(id)
		if err != nil {
			continue
		}
		m.mu.RLock()
		h := Health{ChainID: id, Name: c.chain.Name, HasWallet: c.wallet != nil}
		m.mu.RUnlock()

		n, err := c.backend.BlockNumber(ctx)
		if err != nil {
			h.Status = "unhealthy"
			h.Error = err.Error()
			metrics.ChainHealthy.WithLabelValues(label(id)).Set(0)
		} else {
			h.Status = "healthy"
			h.BlockNumber = n
			c.blocks.Set(id, n)
			metrics.ChainHealthy.WithLabelValues(label(id)).Set(1)
			metrics.ChainBlockHeight.WithLabelValues(label(id)).Set(float64(n))
		}
		out = append(out, h)
	}
	return out
}

// Shutdown closes every connection. It does not fail.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("close rpc panicked", "chain", id, "panic", r)
				}
			}()
			c.backend.Close()
		}()
		delete(m.conns, id)
		m.logger.Info("chain disconnected", "chain", id)
	}
}

func label(chainID uint64) string { return strconv.FormatUint(chainID, 10) }

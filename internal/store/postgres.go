package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Liquidations ---

// Liquidation is one executed liquidation.
type Liquidation struct {
	ChainID          uint64          `json:"chain_id"`
	Borrower         string          `json:"borrower"`
	RepayMarket      string          `json:"repay_market"`
	CollateralMarket string          `json:"collateral_market"`
	RepayAmount      string          `json:"repay_amount"`
	RepayUSD         decimal.Decimal `json:"repay_usd"`
	ProfitUSD        decimal.Decimal `json:"profit_usd"`
	TxHash           string          `json:"tx_hash"`
	BlockNumber      uint64          `json:"block_number"`
	GasUsed          uint64          `json:"gas_used"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

func (s *Store) SaveLiquidation(ctx context.Context, l Liquidation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO liquidations (chain_id, borrower, repay_market, collateral_market, repay_amount,
			repay_usd, profit_usd, tx_hash, block_number, gas_used, executed_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING`,
		int64(l.ChainID), l.Borrower, l.RepayMarket, l.CollateralMarket, l.RepayAmount,
		l.RepayUSD.String(), l.ProfitUSD.String(), l.TxHash, int64(l.BlockNumber), int64(l.GasUsed), l.ExecutedAt)
	return err
}

// RecentLiquidations returns the newest liquidations on a chain, newest first.
func (s *Store) RecentLiquidations(ctx context.Context, chainID uint64, limit int) ([]Liquidation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chain_id, borrower, repay_market, collateral_market, repay_amount::text,
			repay_usd::text, profit_usd::text, tx_hash, block_number, gas_used, executed_at
		FROM liquidations WHERE chain_id = $1
		ORDER BY executed_at DESC LIMIT $2`, int64(chainID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Liquidation
	for rows.Next() {
		var (
			l                   Liquidation
			chain, block, gas   int64
			repayUSD, profitUSD string
		)
		if err := rows.Scan(&chain, &l.Borrower, &l.RepayMarket, &l.CollateralMarket, &l.RepayAmount,
			&repayUSD, &profitUSD, &l.TxHash, &block, &gas, &l.ExecutedAt); err != nil {
			return nil, err
		}
		l.ChainID, l.BlockNumber, l.GasUsed = uint64(chain), uint64(block), uint64(gas)
		l.RepayUSD, _ = decimal.NewFromString(repayUSD)
		l.ProfitUSD, _ = decimal.NewFromString(profitUSD)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Daily distributions ---

// Distribution is the outcome of one leaderboard post.
type Distribution struct {
	ChainID  uint64          `json:"chain_id"`
	Date     string          `json:"date"`
	Final    bool            `json:"final"`
	Posted   bool            `json:"posted"`
	Error    string          `json:"error,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	PostedAt time.Time       `json:"posted_at"`
}

// SaveDistribution upserts the latest post for (chain, date). A final post
// is never overwritten by an interim one.
func (s *Store) SaveDistribution(ctx context.Context, d Distribution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO point_distributions (chain_id, date, final, posted, error, payload, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, date) DO UPDATE
			SET final = EXCLUDED.final, posted = EXCLUDED.posted, error = EXCLUDED.error,
			    payload = EXCLUDED.payload, posted_at = EXCLUDED.posted_at
			WHERE NOT point_distributions.final OR EXCLUDED.final`,
		int64(d.ChainID), d.Date, d.Final, d.Posted, d.Error, []byte(d.Payload), d.PostedAt)
	return err
}

// GetDistribution returns nil when nothing was posted for that date.
func (s *Store) GetDistribution(ctx context.Context, chainID uint64, date string) (*Distribution, error) {
	var (
		d       Distribution
		chain   int64
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain_id, date, final, posted, error, payload, posted_at
		FROM point_distributions WHERE chain_id = $1 AND date = $2`, int64(chainID), date).
		Scan(&chain, &d.Date, &d.Final, &d.Posted, &d.Error, &payload, &d.PostedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.ChainID = uint64(chain)
	d.Payload = payload
	return &d, nil
}

// --- Event scan checkpoints ---

// LoadCheckpoints returns the last fully processed block per market
// (lower-case hex address) on a chain.
func (s *Store) LoadCheckpoints(ctx context.Context, chainID uint64) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market, block_number FROM scan_checkpoints WHERE chain_id = $1`, int64(chainID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			market string
			block  int64
		)
		if err := rows.Scan(&market, &block); err != nil {
			return nil, err
		}
		out[market] = uint64(block)
	}
	return out, rows.Err()
}

// SaveCheckpoint moves a market's high-water mark forward. It never moves it
// back.
func (s *Store) SaveCheckpoint(ctx context.Context, chainID uint64, market string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_checkpoints (chain_id, market, block_number, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id, market) DO UPDATE
			SET block_number = GREATEST(scan_checkpoints.block_number, EXCLUDED.block_number),
			    updated_at = now()`,
		int64(chainID), market, int64(block))
	return err
}

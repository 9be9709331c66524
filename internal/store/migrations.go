package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS liquidations (
    id BIGSERIAL PRIMARY KEY,
    chain_id BIGINT NOT NULL,
    borrower TEXT NOT NULL,
    repay_market TEXT NOT NULL,
    collateral_market TEXT NOT NULL,
    repay_amount NUMERIC(78, 0) NOT NULL,
    repay_usd NUMERIC NOT NULL,
    profit_usd NUMERIC NOT NULL,
    tx_hash TEXT NOT NULL,
    block_number BIGINT NOT NULL,
    gas_used BIGINT NOT NULL DEFAULT 0,
    executed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(chain_id, tx_hash)
);

CREATE INDEX IF NOT EXISTS liquidations_chain_time_idx ON liquidations (chain_id, executed_at DESC);

CREATE TABLE IF NOT EXISTS point_distributions (
    chain_id BIGINT NOT NULL,
    date TEXT NOT NULL,
    final BOOLEAN NOT NULL DEFAULT false,
    posted BOOLEAN NOT NULL DEFAULT false,
    error TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL,
    posted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (chain_id, date)
);

CREATE TABLE IF NOT EXISTS scan_checkpoints (
    chain_id BIGINT NOT NULL,
    market TEXT NOT NULL,
    block_number BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (chain_id, market)
);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}

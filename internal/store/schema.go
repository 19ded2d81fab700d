package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id              TEXT PRIMARY KEY,
    credentials     TEXT NOT NULL DEFAULT '',
    initial_capital NUMERIC NOT NULL DEFAULT 0,
    active          BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS signals (
    id         TEXT PRIMARY KEY,
    action     TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    entry      NUMERIC NOT NULL,
    stop       NUMERIC NOT NULL,
    target     NUMERIC NOT NULL,
    leverage   NUMERIC NOT NULL,
    risk_pct   NUMERIC NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_symbol_action_created
    ON signals (symbol, action, created_at DESC);

CREATE TABLE IF NOT EXISTS deliveries (
    id           TEXT PRIMARY KEY,
    signal_id    TEXT NOT NULL REFERENCES signals(id),
    account_id   TEXT NOT NULL,
    acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
    executed     BOOLEAN NOT NULL DEFAULT FALSE,
    failed       BOOLEAN NOT NULL DEFAULT FALSE,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_pending
    ON deliveries (account_id) WHERE NOT acknowledged;

CREATE TABLE IF NOT EXISTS fills (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    symbol           TEXT NOT NULL,
    side             TEXT NOT NULL,
    price            NUMERIC NOT NULL,
    qty              NUMERIC NOT NULL,
    cost             NUMERIC NOT NULL,
    exchange_fill_id TEXT NOT NULL,
    ts               TIMESTAMPTZ NOT NULL,
    position_id      TEXT NOT NULL DEFAULT '',
    UNIQUE (account_id, exchange_fill_id)
);

CREATE INDEX IF NOT EXISTS idx_fills_account_symbol_ts
    ON fills (account_id, symbol, ts);

CREATE TABLE IF NOT EXISTS positions (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    signal_id        TEXT NOT NULL DEFAULT '',
    symbol           TEXT NOT NULL,
    venue_symbol     TEXT NOT NULL DEFAULT '',
    side             TEXT NOT NULL,
    entry_order_id   TEXT NOT NULL DEFAULT '',
    tp_order_id      TEXT NOT NULL DEFAULT '',
    sl_order_id      TEXT NOT NULL DEFAULT '',
    target_tp        NUMERIC NOT NULL DEFAULT 0,
    target_sl        NUMERIC NOT NULL DEFAULT 0,
    entry_fill_price NUMERIC NOT NULL DEFAULT 0,
    avg_entry_price  NUMERIC NOT NULL DEFAULT 0,
    filled_qty       NUMERIC NOT NULL DEFAULT 0,
    leverage         NUMERIC NOT NULL DEFAULT 1,
    fill_count       INTEGER NOT NULL DEFAULT 0,
    opened_at        TIMESTAMPTZ NOT NULL,
    last_fill_at     TIMESTAMPTZ NOT NULL,
    status           TEXT NOT NULL DEFAULT 'open'
);

CREATE INDEX IF NOT EXISTS idx_positions_open
    ON positions (account_id, symbol) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL,
    position_id  TEXT NOT NULL,
    signal_id    TEXT NOT NULL DEFAULT '',
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    entry_price  NUMERIC NOT NULL,
    exit_price   NUMERIC NOT NULL,
    qty          NUMERIC NOT NULL,
    leverage     NUMERIC NOT NULL,
    realized_pnl NUMERIC NOT NULL,
    pnl_source   TEXT NOT NULL,
    exit_type    TEXT NOT NULL,
    opened_at    TIMESTAMPTZ NOT NULL,
    closed_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_account_closed
    ON trades (account_id, closed_at DESC);

CREATE TABLE IF NOT EXISTS transactions (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    type             TEXT NOT NULL,
    amount           NUMERIC NOT NULL,
    detection_method TEXT NOT NULL DEFAULT '',
    external_id      TEXT,
    day              TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external
    ON transactions (account_id, external_id) WHERE external_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_daily_fee
    ON transactions (account_id, day) WHERE type = 'fee_funding';
`

// Migrate applies the schema. Idempotent; every statement is IF NOT EXISTS,
// so it runs unconditionally at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

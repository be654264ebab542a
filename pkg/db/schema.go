package db

import (
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL,
    symbol TEXT NOT NULL,
    currency TEXT NOT NULL DEFAULT 'USD',
    is_active INTEGER NOT NULL DEFAULT 0,

    base_stake REAL NOT NULL,
    daily_profit_target REAL NOT NULL,
    daily_loss_limit REAL NOT NULL,
    initial_balance REAL NOT NULL,
    stop_loss_mode TEXT NOT NULL DEFAULT 'fixed',
    cadence TEXT NOT NULL DEFAULT 'standard',
    profile TEXT NOT NULL DEFAULT 'balanced',
    duration_ticks INTEGER NOT NULL DEFAULT 5,

    recovery_level INTEGER NOT NULL DEFAULT 0,
    recovery_attempts INTEGER NOT NULL DEFAULT 0,
    last_loss REAL NOT NULL DEFAULT 0,
    compound_level INTEGER NOT NULL DEFAULT 0,
    compound_stake REAL NOT NULL DEFAULT 0,
    banked_profit REAL NOT NULL DEFAULT 0,

    daily_profit REAL NOT NULL DEFAULT 0,
    daily_loss REAL NOT NULL DEFAULT 0,
    profit_peak REAL NOT NULL DEFAULT 0,
    trade_count INTEGER NOT NULL DEFAULT 0,
    win_count INTEGER NOT NULL DEFAULT 0,
    loss_count INTEGER NOT NULL DEFAULT 0,
    ops_since_pause INTEGER NOT NULL DEFAULT 0,

    last_trade_at DATETIME,
    next_eligible_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    contract_type TEXT NOT NULL,
    direction TEXT NOT NULL,
    stake REAL NOT NULL,
    payout REAL NOT NULL DEFAULT 0,
    contract_id INTEGER NOT NULL DEFAULT 0,
    entry_price REAL NOT NULL DEFAULT 0,
    exit_price REAL NOT NULL DEFAULT 0,
    profit REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    settled_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_trades_agent ON trades(agent_id, opened_at);

CREATE TABLE IF NOT EXISTS risk_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL,
    event TEXT NOT NULL,
    recovery_level INTEGER NOT NULL,
    compound_level INTEGER NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_risk_events_agent ON risk_events(agent_id, created_at);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS engine_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT,
    level TEXT NOT NULL,
    category TEXT NOT NULL,
    message TEXT NOT NULL,
    metadata TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_engine_logs_agent ON engine_logs(agent_id, created_at);
`

// ApplyMigrations creates the schema when missing. Statements are idempotent
// so repeated startup runs are safe.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

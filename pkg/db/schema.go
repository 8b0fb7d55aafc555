package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS closed_positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    quantity REAL NOT NULL,
    leverage INTEGER NOT NULL DEFAULT 1,
    pnl_percent REAL NOT NULL,
    reason TEXT NOT NULL,
    opened_at DATETIME,
    closed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_closed_positions_closed_at
    ON closed_positions(closed_at);

CREATE TABLE IF NOT EXISTS reconciliation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    risk_stop REAL NOT NULL,
    venue_stop REAL NOT NULL,
    resolved_stop REAL NOT NULL,
    strategy TEXT NOT NULL,
    auto_resolved INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates the audit tables.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Package storage owns the SQLite handle and schema shared by the ledger,
// the order store and the stock catalog.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	account_id           TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'ACTIVE',
	cash_balance         INTEGER NOT NULL,
	withdrawable_balance INTEGER NOT NULL,
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_account_user ON account(user_id);

CREATE TABLE IF NOT EXISTS account_history (
	history_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     TEXT NOT NULL REFERENCES account(account_id),
	type           TEXT NOT NULL,
	order_id       TEXT,
	amount         INTEGER NOT NULL,
	balance_before INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_account ON account_history(account_id, history_id);

CREATE TABLE IF NOT EXISTS holding (
	account_id TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	quantity   INTEGER NOT NULL,
	avg_cost   INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, ticker)
);

CREATE TABLE IF NOT EXISTS stock (
	ticker TEXT PRIMARY KEY,
	name   TEXT NOT NULL,
	sector TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'LISTED'
);

CREATE TABLE IF NOT EXISTS stock_order (
	order_id    TEXT PRIMARY KEY,
	side        TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	price       INTEGER NOT NULL,
	quantity    INTEGER NOT NULL,
	status      TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_account_status ON stock_order(account_id, status);
CREATE INDEX IF NOT EXISTS idx_order_status ON stock_order(status);
`

// Open opens (or creates) the database, enables WAL for crash recovery and
// applies the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Writers queue instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

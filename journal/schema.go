// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	ticket INTEGER PRIMARY KEY,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	broker_symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	volume REAL NOT NULL,
	open_price REAL NOT NULL,
	trailing_stop_pips REAL,
	status TEXT NOT NULL,
	opened_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS stop_adjustments (
	id TEXT PRIMARY KEY,
	ticket INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	old_stop REAL NOT NULL,
	new_stop REAL NOT NULL,
	bid REAL NOT NULL,
	ask REAL NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stop_adjustments_ticket ON stop_adjustments(ticket, id);
`

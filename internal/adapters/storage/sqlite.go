package storage

// sqlite.go — persistencia del ledger y del ciclo de vida de órdenes.
//
// Tables:
//   strategies      — una fila por estrategia; el ledger VIVE en esta fila
//                     (available/locked/cooldown) con un version counter para
//                     single-writer por estrategia
//   orders          — una fila por intento de submission, nunca se borra
//   signals         — feed read-only de señales validadas
//   cooldown_holds  — capital en cooldown con su release_at
//   ledger_events   — audit trail de cada mutación del ledger
//   dailies         — resumen diario por estrategia

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
    id                  TEXT PRIMARY KEY,
    account             TEXT NOT NULL DEFAULT '',
    name                TEXT NOT NULL DEFAULT '',
    initial_capital     REAL NOT NULL DEFAULT 0,
    available_cash      REAL NOT NULL DEFAULT 0,
    locked_capital      REAL NOT NULL DEFAULT 0,
    cooldown_reserve    REAL NOT NULL DEFAULT 0,
    realized_pnl        REAL NOT NULL DEFAULT 0,
    peak_equity         REAL NOT NULL DEFAULT 0,
    daily_loss          REAL NOT NULL DEFAULT 0,
    daily_loss_date     DATETIME,
    max_drawdown_pct    REAL NOT NULL DEFAULT 0,
    max_daily_loss      REAL NOT NULL DEFAULT 0,
    max_position_size   REAL NOT NULL DEFAULT 0,
    max_exposure        REAL NOT NULL DEFAULT 0,
    max_concurrent      INTEGER NOT NULL DEFAULT 0,
    cooldown_seconds    INTEGER NOT NULL DEFAULT 0,
    active              INTEGER NOT NULL DEFAULT 1,
    paused              INTEGER NOT NULL DEFAULT 0,
    breaker_tripped     INTEGER NOT NULL DEFAULT 0,
    breaker_reason      TEXT NOT NULL DEFAULT '',
    breaker_tripped_at  DATETIME,
    order_policy        TEXT NOT NULL DEFAULT 'IOC',
    slippage_tolerance  REAL NOT NULL DEFAULT 0.02,
    created_at          DATETIME NOT NULL,
    archived_at         DATETIME,
    version             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
    id                TEXT PRIMARY KEY,   -- local UUID
    venue_order_id    TEXT NOT NULL DEFAULT '',
    strategy_id       TEXT NOT NULL,
    signal_id         TEXT NOT NULL DEFAULT '',
    market_id         TEXT NOT NULL,
    token_id          TEXT NOT NULL DEFAULT '',
    outcome           TEXT NOT NULL DEFAULT '',
    side              TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'PENDING',
    signal_price      REAL NOT NULL DEFAULT 0,
    signal_size       REAL NOT NULL DEFAULT 0,
    limit_price       REAL NOT NULL DEFAULT 0,
    size              REAL NOT NULL DEFAULT 0,
    filled_size       REAL NOT NULL DEFAULT 0,
    filled_price      REAL NOT NULL DEFAULT 0,
    slippage          REAL NOT NULL DEFAULT 0,
    locked_amount     REAL NOT NULL DEFAULT 0,
    policy            TEXT NOT NULL DEFAULT 'IOC',
    placed_at         DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL,
    resolution        TEXT NOT NULL DEFAULT '',
    realized_pnl      REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS orders_status    ON orders(status);
CREATE INDEX IF NOT EXISTS orders_strategy  ON orders(strategy_id);
CREATE INDEX IF NOT EXISTS orders_market    ON orders(market_id);
CREATE INDEX IF NOT EXISTS orders_signal    ON orders(strategy_id, signal_id);

CREATE TABLE IF NOT EXISTS signals (
    id          TEXT PRIMARY KEY,   -- source trade id
    market_id   TEXT NOT NULL,
    outcome     TEXT NOT NULL DEFAULT '',
    side        TEXT NOT NULL,
    price       REAL NOT NULL DEFAULT 0,
    size        REAL NOT NULL DEFAULT 0,
    ts          DATETIME NOT NULL,
    qualified   INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS signals_ts ON signals(ts DESC);

CREATE TABLE IF NOT EXISTS cooldown_holds (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id  TEXT NOT NULL,
    market_id    TEXT NOT NULL DEFAULT '',
    amount       REAL NOT NULL,
    created_at   DATETIME NOT NULL,
    release_at   DATETIME NOT NULL,
    released     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS holds_strategy ON cooldown_holds(strategy_id, released);

CREATE TABLE IF NOT EXISTS ledger_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id      TEXT NOT NULL,
    kind             TEXT NOT NULL,
    amount           REAL NOT NULL DEFAULT 0,
    available_after  REAL NOT NULL DEFAULT 0,
    locked_after     REAL NOT NULL DEFAULT 0,
    cooldown_after   REAL NOT NULL DEFAULT 0,
    detail           TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS events_strategy ON ledger_events(strategy_id, id DESC);

CREATE TABLE IF NOT EXISTS dailies (
    strategy_id       TEXT NOT NULL,
    date              DATE NOT NULL,
    orders_placed     INTEGER NOT NULL DEFAULT 0,
    fills             INTEGER NOT NULL DEFAULT 0,
    realized_pnl      REAL NOT NULL DEFAULT 0,
    capital_deployed  REAL NOT NULL DEFAULT 0,
    available_cash    REAL NOT NULL DEFAULT 0,
    cooldown_reserve  REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (strategy_id, date)
);
`

// SQLiteStorage implementa ports.StrategyStore, ports.OrderStore y
// ports.SignalSource usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica
// el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close cierra la conexión a la base de datos limpiamente.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

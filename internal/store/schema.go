package store

// Schema is the market database schema. Idempotent, applied on startup.
//
// fetched_at records when a row was last written from the provider and
// drives the orchestrator's freshness decisions.
const Schema = `
CREATE TABLE IF NOT EXISTS daily_prices (
    symbol     TEXT NOT NULL,
    date       TEXT NOT NULL,
    open       REAL NOT NULL,
    high       REAL NOT NULL,
    low        REAL NOT NULL,
    close      REAL NOT NULL,
    adj_close  REAL NOT NULL,
    volume     INTEGER NOT NULL,
    fetched_at INTEGER NOT NULL,
    PRIMARY KEY (symbol, date)
);

CREATE INDEX IF NOT EXISTS idx_daily_prices_symbol ON daily_prices(symbol);

CREATE TABLE IF NOT EXISTS securities (
    symbol     TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    sector     TEXT,
    industry   TEXT,
    market     TEXT NOT NULL,
    currency   TEXT NOT NULL,
    exchange   TEXT,
    fetched_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS financials (
    symbol              TEXT NOT NULL,
    period_type         TEXT NOT NULL,
    period_end          TEXT NOT NULL,
    revenue             REAL,
    gross_profit        REAL,
    operating_income    REAL,
    net_income          REAL,
    total_assets        REAL,
    total_debt          REAL,
    shareholders_equity REAL,
    fetched_at          INTEGER NOT NULL,
    PRIMARY KEY (symbol, period_type, period_end)
);
`

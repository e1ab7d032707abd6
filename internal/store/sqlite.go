package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/database"
	"github.com/quantfold/stockdata/internal/domain"
)

// SQLiteStore implements Store on the market database.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore creates a store backed by the given database.
func NewSQLiteStore(db *database.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:  db.Conn(),
		log: log.With().Str("component", "store").Logger(),
	}
}

// GetSecurity returns reference info for a symbol, or nil when absent.
func (s *SQLiteStore) GetSecurity(ctx context.Context, symbol string) (*domain.Security, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, name, COALESCE(sector, ''), COALESCE(industry, ''),
		       market, currency, COALESCE(exchange, ''), fetched_at
		FROM securities WHERE symbol = ?`, symbol)

	var sec domain.Security
	var fetchedAt int64
	err := row.Scan(&sec.Symbol, &sec.Name, &sec.Sector, &sec.Industry,
		&sec.Market, &sec.Currency, &sec.Exchange, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(err)
	}
	sec.FetchedAt = time.Unix(fetchedAt, 0)
	return &sec, nil
}

// SearchSecurities matches stored securities by symbol or name fragment.
// Matching is case-insensitive; only previously fetched symbols are found.
func (s *SQLiteStore) SearchSecurities(ctx context.Context, query, market string, limit int) ([]domain.Security, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
		SELECT symbol, name, COALESCE(sector, ''), COALESCE(industry, ''),
		       market, currency, COALESCE(exchange, ''), fetched_at
		FROM securities WHERE (symbol LIKE ? OR name LIKE ?)`
	pattern := "%" + query + "%"
	args := []interface{}{pattern, pattern}
	if market != "" {
		q += " AND market = ?"
		args = append(args, market)
	}
	q += " ORDER BY symbol ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	var securities []domain.Security
	for rows.Next() {
		var sec domain.Security
		var fetchedAt int64
		if err := rows.Scan(&sec.Symbol, &sec.Name, &sec.Sector, &sec.Industry,
			&sec.Market, &sec.Currency, &sec.Exchange, &fetchedAt); err != nil {
			return nil, apperr.Store(err)
		}
		sec.FetchedAt = time.Unix(fetchedAt, 0)
		securities = append(securities, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err)
	}
	return securities, nil
}

// UpsertSecurity inserts or updates reference info keyed by symbol.
// Duplicate upserts on the same key update fields, never create duplicates.
func (s *SQLiteStore) UpsertSecurity(ctx context.Context, sec domain.Security) error {
	fetchedAt := sec.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO securities (symbol, name, sector, industry, market, currency, exchange, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			sector = excluded.sector,
			industry = excluded.industry,
			market = excluded.market,
			currency = excluded.currency,
			exchange = excluded.exchange,
			fetched_at = excluded.fetched_at`,
		sec.Symbol, sec.Name, sec.Sector, sec.Industry, sec.Market, sec.Currency, sec.Exchange, fetchedAt.Unix())
	if err != nil {
		return apperr.Store(err)
	}
	return nil
}

// GetDailyPrices returns price records for [startDate, endDate], ordered by
// date ascending. Empty bounds mean unbounded.
func (s *SQLiteStore) GetDailyPrices(ctx context.Context, symbol, startDate, endDate string) ([]domain.DailyPrice, error) {
	query := `
		SELECT symbol, date, open, high, low, close, adj_close, volume, fetched_at
		FROM daily_prices WHERE symbol = ?`
	args := []interface{}{symbol}
	if startDate != "" {
		query += " AND date >= ?"
		args = append(args, startDate)
	}
	if endDate != "" {
		query += " AND date <= ?"
		args = append(args, endDate)
	}
	query += " ORDER BY date ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	var prices []domain.DailyPrice
	for rows.Next() {
		var p domain.DailyPrice
		var fetchedAt int64
		if err := rows.Scan(&p.Symbol, &p.Date, &p.Open, &p.High, &p.Low,
			&p.Close, &p.AdjClose, &p.Volume, &fetchedAt); err != nil {
			return nil, apperr.Store(err)
		}
		p.FetchedAt = time.Unix(fetchedAt, 0)
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err)
	}
	return prices, nil
}

// UpsertDailyPrices writes price records keyed by (symbol, date) inside a
// single transaction. Idempotent: replaying the same batch leaves one record
// per key with the latest fields.
func (s *SQLiteStore) UpsertDailyPrices(ctx context.Context, prices []domain.DailyPrice) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Store(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_prices (symbol, date, open, high, low, close, adj_close, volume, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			adj_close = excluded.adj_close,
			volume = excluded.volume,
			fetched_at = excluded.fetched_at`)
	if err != nil {
		return 0, apperr.Store(err)
	}
	defer stmt.Close()

	now := time.Now()
	written := 0
	for _, p := range prices {
		fetchedAt := p.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = now
		}
		if _, err := stmt.ExecContext(ctx, p.Symbol, p.Date, p.Open, p.High, p.Low,
			p.Close, p.AdjClose, p.Volume, fetchedAt.Unix()); err != nil {
			return 0, apperr.Store(err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Store(err)
	}
	s.log.Debug().Str("symbol", prices[0].Symbol).Int("rows", written).Msg("Upserted daily prices")
	return written, nil
}

// GetStatements returns statements for a symbol, newest period first.
func (s *SQLiteStore) GetStatements(ctx context.Context, symbol, periodType string) ([]domain.Statement, error) {
	query := `
		SELECT symbol, period_type, period_end, revenue, gross_profit, operating_income,
		       net_income, total_assets, total_debt, shareholders_equity, fetched_at
		FROM financials WHERE symbol = ?`
	args := []interface{}{symbol}
	if periodType != "" {
		query += " AND period_type = ?"
		args = append(args, periodType)
	}
	query += " ORDER BY period_end DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	var statements []domain.Statement
	for rows.Next() {
		var st domain.Statement
		var fetchedAt int64
		if err := rows.Scan(&st.Symbol, &st.PeriodType, &st.PeriodEnd,
			&st.Revenue, &st.GrossProfit, &st.OperatingIncome, &st.NetIncome,
			&st.TotalAssets, &st.TotalDebt, &st.ShareholdersEquity, &fetchedAt); err != nil {
			return nil, apperr.Store(err)
		}
		st.FetchedAt = time.Unix(fetchedAt, 0)
		statements = append(statements, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err)
	}
	return statements, nil
}

// UpsertStatements writes statements keyed by (symbol, period_type, period_end).
func (s *SQLiteStore) UpsertStatements(ctx context.Context, statements []domain.Statement) (int, error) {
	if len(statements) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Store(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO financials (symbol, period_type, period_end, revenue, gross_profit,
			operating_income, net_income, total_assets, total_debt, shareholders_equity, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, period_type, period_end) DO UPDATE SET
			revenue = excluded.revenue,
			gross_profit = excluded.gross_profit,
			operating_income = excluded.operating_income,
			net_income = excluded.net_income,
			total_assets = excluded.total_assets,
			total_debt = excluded.total_debt,
			shareholders_equity = excluded.shareholders_equity,
			fetched_at = excluded.fetched_at`)
	if err != nil {
		return 0, apperr.Store(err)
	}
	defer stmt.Close()

	now := time.Now()
	written := 0
	for _, st := range statements {
		fetchedAt := st.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = now
		}
		if _, err := stmt.ExecContext(ctx, st.Symbol, st.PeriodType, st.PeriodEnd,
			st.Revenue, st.GrossProfit, st.OperatingIncome, st.NetIncome,
			st.TotalAssets, st.TotalDebt, st.ShareholdersEquity, fetchedAt.Unix()); err != nil {
			return 0, apperr.Store(err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Store(err)
	}
	s.log.Debug().Str("symbol", statements[0].Symbol).Int("rows", written).Msg("Upserted financial statements")
	return written, nil
}

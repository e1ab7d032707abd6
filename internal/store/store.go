// Package store provides the durable collections for market data.
// Records are keyed by their natural keys; upserts are idempotent so that
// interleaved writes for the same key converge to the same final record.
package store

import (
	"context"

	"github.com/quantfold/stockdata/internal/domain"
)

// Store is the durable store adapter consumed by the orchestrator.
// Absent records are reported as (nil, nil) / empty slices, not errors.
type Store interface {
	// GetSecurity returns reference info for a symbol, or nil when absent.
	GetSecurity(ctx context.Context, symbol string) (*domain.Security, error)
	// SearchSecurities returns stored securities whose symbol or name
	// contains the query, optionally filtered by market, capped at limit.
	SearchSecurities(ctx context.Context, query, market string, limit int) ([]domain.Security, error)
	// UpsertSecurity inserts or updates reference info keyed by symbol.
	UpsertSecurity(ctx context.Context, sec domain.Security) error

	// GetDailyPrices returns price records for [startDate, endDate],
	// ordered by date ascending. Empty bounds mean unbounded.
	GetDailyPrices(ctx context.Context, symbol, startDate, endDate string) ([]domain.DailyPrice, error)
	// UpsertDailyPrices inserts or updates price records keyed by
	// (symbol, date) and returns the number of rows written.
	UpsertDailyPrices(ctx context.Context, prices []domain.DailyPrice) (int, error)

	// GetStatements returns statements for a symbol, optionally filtered by
	// period type, ordered by period end descending.
	GetStatements(ctx context.Context, symbol, periodType string) ([]domain.Statement, error)
	// UpsertStatements inserts or updates statements keyed by
	// (symbol, period_type, period_end) and returns the rows written.
	UpsertStatements(ctx context.Context, statements []domain.Statement) (int, error)
}

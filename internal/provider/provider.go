// Package provider defines the external market data source consumed by the
// orchestrator, and its error classification.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantfold/stockdata/internal/domain"
)

// Source is the external data provider adapter. Implementations enforce
// their own outbound throttling and retry transient failures internally;
// errors returned here are already classified.
type Source interface {
	// FetchSeries returns daily price records for [startDate, endDate].
	FetchSeries(ctx context.Context, symbol, startDate, endDate string) ([]domain.DailyPrice, error)
	// FetchInfo returns reference information for a symbol.
	FetchInfo(ctx context.Context, symbol string) (*domain.Security, error)
	// FetchStatements returns financial statements for a symbol.
	// periodType is "quarterly", "annual" or "" for both.
	FetchStatements(ctx context.Context, symbol, periodType string) ([]domain.Statement, error)
}

// Kind classifies provider failures.
type Kind int

const (
	// KindTransient covers timeouts, connection errors and 5xx/429
	// responses. Retried internally with backoff.
	KindTransient Kind = iota
	// KindNotFound means the provider confirmed the symbol does not exist.
	// Never retried.
	KindNotFound
	// KindProvider covers confirmed non-transient provider errors.
	KindProvider
)

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Symbol string
	cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("provider: symbol %s not found", e.Symbol)
	case KindTransient:
		return fmt.Sprintf("provider: transient failure for %s: %v", e.Symbol, e.cause)
	default:
		return fmt.Sprintf("provider: error for %s: %v", e.Symbol, e.cause)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a classified provider error.
func NewError(kind Kind, symbol string, cause error) *Error {
	return &Error{Kind: kind, Symbol: symbol, cause: cause}
}

// IsNotFound reports whether err is a confirmed symbol-not-found.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

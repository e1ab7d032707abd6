// Package domain contains the core entities of the stock data service.
// The domain layer is pure: no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/stockdata/internal/apperr"
)

// EntityKind identifies the category of market data a request targets.
type EntityKind string

const (
	KindPriceSeries   EntityKind = "price-series"
	KindReferenceInfo EntityKind = "reference-info"
	KindStatement     EntityKind = "financial-statement"
)

// DateLayout is the canonical date format used for natural keys and ranges.
const DateLayout = "2006-01-02"

// DailyPrice is one trading day of OHLCV data for a symbol.
// Natural key: (symbol, date).
type DailyPrice struct {
	Symbol    string    `json:"symbol"`
	Date      string    `json:"date"` // YYYY-MM-DD
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	AdjClose  float64   `json:"adj_close"`
	Volume    int64     `json:"volume"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Security is reference information about a listed instrument.
// Natural key: (symbol).
type Security struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Sector    string    `json:"sector,omitempty"`
	Industry  string    `json:"industry,omitempty"`
	Market    string    `json:"market"` // "jp" | "us"
	Currency  string    `json:"currency"`
	Exchange  string    `json:"exchange,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Statement is one reporting period of financial statement data.
// Natural key: (symbol, period_type, period_end).
type Statement struct {
	Symbol             string    `json:"symbol"`
	PeriodType         string    `json:"period_type"` // "quarterly" | "annual"
	PeriodEnd          string    `json:"period_end"`  // YYYY-MM-DD
	Revenue            *float64  `json:"revenue,omitempty"`
	GrossProfit        *float64  `json:"gross_profit,omitempty"`
	OperatingIncome    *float64  `json:"operating_income,omitempty"`
	NetIncome          *float64  `json:"net_income,omitempty"`
	TotalAssets        *float64  `json:"total_assets,omitempty"`
	TotalDebt          *float64  `json:"total_debt,omitempty"`
	ShareholdersEquity *float64  `json:"shareholders_equity,omitempty"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// Market returns the market classification for a symbol.
// Tokyo-listed symbols carry a ".T" suffix.
func Market(symbol string) string {
	if strings.HasSuffix(symbol, ".T") {
		return "jp"
	}
	return "us"
}

// FetchRequest describes one data acquisition call. Immutable once built.
type FetchRequest struct {
	Kind       EntityKind
	Symbol     string
	StartDate  string // price-series only, YYYY-MM-DD, inclusive
	EndDate    string // price-series only, YYYY-MM-DD, inclusive
	PeriodType string // financial-statement only: "quarterly", "annual" or ""
}

// Validate checks the request shape and normalizes the symbol.
func (r *FetchRequest) Validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return apperr.Validation("symbol", "symbol is required")
	}

	switch r.Kind {
	case KindPriceSeries:
		if r.StartDate == "" || r.EndDate == "" {
			return apperr.Validation("range", "start and end dates are required for price series")
		}
		start, err := time.Parse(DateLayout, r.StartDate)
		if err != nil {
			return apperr.Validation("start_date", "start date must be YYYY-MM-DD")
		}
		end, err := time.Parse(DateLayout, r.EndDate)
		if err != nil {
			return apperr.Validation("end_date", "end date must be YYYY-MM-DD")
		}
		if end.Before(start) {
			return apperr.Validation("range", "end date precedes start date")
		}
	case KindReferenceInfo:
		// Symbol is the whole key.
	case KindStatement:
		switch r.PeriodType {
		case "", "quarterly", "annual":
		default:
			return apperr.Validation("period_type", "period type must be quarterly or annual")
		}
	default:
		return apperr.Validation("entity_kind", fmt.Sprintf("unknown entity kind: %s", r.Kind))
	}
	return nil
}

// CacheKey computes the deterministic cache key for this request,
// e.g. "price-series:AAPL:2024-01-01:2024-01-05".
func (r FetchRequest) CacheKey() string {
	switch r.Kind {
	case KindPriceSeries:
		return fmt.Sprintf("%s:%s:%s:%s", r.Kind, r.Symbol, r.StartDate, r.EndDate)
	case KindStatement:
		if r.PeriodType == "" {
			return fmt.Sprintf("%s:%s:all", r.Kind, r.Symbol)
		}
		return fmt.Sprintf("%s:%s:%s", r.Kind, r.Symbol, r.PeriodType)
	default:
		return fmt.Sprintf("%s:%s", r.Kind, r.Symbol)
	}
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/domain"
)

// handlePrices serves a daily price series for a symbol and date range.
// Defaults to the last 30 days when no range is given.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")

	now := time.Now()
	if end == "" {
		end = now.Format(domain.DateLayout)
	}
	if start == "" {
		start = now.AddDate(0, 0, -30).Format(domain.DateLayout)
	}

	res, err := s.orchestrator.Acquire(r.Context(), domain.FetchRequest{
		Kind:      domain.KindPriceSeries,
		Symbol:    symbol,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSearch matches stored securities by symbol or name fragment.
// Search reads the store only; it never reaches out to the provider.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, s.log, apperr.Validation("query", "query is required"))
		return
	}
	market := r.URL.Query().Get("market")
	switch market {
	case "", "jp", "us":
	default:
		writeError(w, s.log, apperr.Validation("market", "market must be jp or us"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, s.log, apperr.Validation("limit", "limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	results, err := s.orchestrator.SearchSecurities(r.Context(), query, market, limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if results == nil {
		results = []domain.Security{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleInfo serves reference information for a symbol.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	res, err := s.orchestrator.Acquire(r.Context(), domain.FetchRequest{
		Kind:   domain.KindReferenceInfo,
		Symbol: chi.URLParam(r, "symbol"),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFinancials serves financial statements for a symbol, optionally
// filtered by period type.
func (s *Server) handleFinancials(w http.ResponseWriter, r *http.Request) {
	periodType := r.URL.Query().Get("period_type")
	switch periodType {
	case "", "quarterly", "annual":
	default:
		writeError(w, s.log, apperr.Validation("period_type", "period type must be quarterly or annual"))
		return
	}

	res, err := s.orchestrator.Acquire(r.Context(), domain.FetchRequest{
		Kind:       domain.KindStatement,
		Symbol:     chi.URLParam(r, "symbol"),
		PeriodType: periodType,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

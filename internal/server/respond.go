package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/apperr"
)

// errorBody is the JSON error envelope. Code is stable; clients branch on
// it, not on the message.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
		Partial bool   `json:"partial,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a typed error to its HTTP status. Untyped errors are
// logged in full and surfaced as an opaque 500.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			var body errorBody
			body.Error.Code = string(apperr.CodeTimeout)
			body.Error.Message = "request timed out"
			writeJSON(w, http.StatusGatewayTimeout, body)
			return
		}
		log.Error().Err(err).Msg("Unhandled error")
		var body errorBody
		body.Error.Code = "INTERNAL"
		body.Error.Message = "internal server error"
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	status := statusForCode(e.Code)
	if e.Code == apperr.CodeQuotaExceeded && e.RetryAfter > 0 {
		seconds := int(math.Ceil(e.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	if status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}

	var body errorBody
	body.Error.Code = string(e.Code)
	body.Error.Message = e.Message
	body.Error.Field = e.Field
	body.Error.Partial = e.Partial
	writeJSON(w, status, body)
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.CodeSymbolNotFound:
		return http.StatusNotFound
	case apperr.CodeValidation:
		return http.StatusUnprocessableEntity
	case apperr.CodeDataUnavailable:
		return http.StatusServiceUnavailable
	case apperr.CodeStore:
		return http.StatusInternalServerError
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

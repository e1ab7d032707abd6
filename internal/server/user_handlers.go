package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/domain"
)

// handleListUsers pages through accounts. Admin only.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if raw := r.URL.Query().Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, s.log, apperr.Validation("skip", "skip must be a non-negative integer"))
			return
		}
		offset = n
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, s.log, apperr.Validation("limit", "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	role := domain.Role(r.URL.Query().Get("role"))
	switch role {
	case "", domain.RoleAdmin, domain.RoleUser, domain.RoleReadonly:
	default:
		writeError(w, s.log, apperr.Validation("role", "role must be admin, user or readonly"))
		return
	}

	users, err := s.authService.ListUsers(r.Context(), role, offset, limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// handleGetUser returns one account by id. Admin only.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.authService.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeUnauthenticated {
			writeError(w, s.log, apperr.Validation("user_id", "no such user"))
			return
		}
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleActivateUser re-enables a disabled account. Admin only.
func (s *Server) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	s.setUserActive(w, r, true)
}

// handleDeactivateUser disables an account. The account keeps its rows;
// admission refuses it from the next request on. Admin only.
func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	s.setUserActive(w, r, false)
}

func (s *Server) setUserActive(w http.ResponseWriter, r *http.Request, active bool) {
	// Subjects carry the "user:" prefix; URL params and repository ids
	// do not. API-key subjects keep their prefix and never match a user.
	actorID := ""
	if ac := authContextFrom(r.Context()); ac != nil {
		actorID = strings.TrimPrefix(ac.Subject, "user:")
	}
	userID := chi.URLParam(r, "userID")
	if err := s.authService.SetUserActive(r.Context(), actorID, userID, active); err != nil {
		writeError(w, s.log, err)
		return
	}
	status := "deactivated"
	if active {
		status = "activated"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleUserStats counts accounts by role. Admin only.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.authService.UserStats(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

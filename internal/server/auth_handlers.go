package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/domain"
)

// handleRegister creates a new user account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body", "invalid JSON body"))
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// handleLogin verifies credentials and returns an access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body", "invalid JSON body"))
		return
	}

	token, user, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"user":         user,
	})
}

// handleMe returns the authenticated user's own account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserSubject(w, r)
	if !ok {
		return
	}

	user, err := s.authService.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleChangePassword replaces the authenticated user's password.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserSubject(w, r)
	if !ok {
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body", "invalid JSON body"))
		return
	}

	if err := s.authService.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// handleCreateKey mints an API key for the authenticated user. The secret
// appears in this response only.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserSubject(w, r)
	if !ok {
		return
	}

	var req struct {
		Name      string   `json:"name"`
		Scopes    []string `json:"scopes"`
		ExpiresIn string   `json:"expires_in"` // Go duration, e.g. "720h"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body", "invalid JSON body"))
		return
	}

	createReq := auth.CreateKeyRequest{Name: req.Name}
	for _, scope := range req.Scopes {
		createReq.Scopes = append(createReq.Scopes, domain.Capability(scope))
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, s.log, apperr.Validation("expires_in", "expires_in must be a positive duration"))
			return
		}
		createReq.ExpiresIn = d
	}

	key, secret, err := s.authService.CreateAPIKey(r.Context(), userID, createReq)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":    key,
		"secret": key.KeyID + ":" + secret,
	})
}

// handleListKeys lists the authenticated user's active keys.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserSubject(w, r)
	if !ok {
		return
	}

	keys, err := s.authService.ListAPIKeys(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

// handleKeyStats summarizes usage across the user's active keys.
func (s *Server) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserSubject(w, r)
	if !ok {
		return
	}

	stats, err := s.authService.APIKeyStats(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRevokeKey deactivates one of the user's keys.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserSubject(w, r)
	if !ok {
		return
	}

	keyID := chi.URLParam(r, "keyID")
	revoked, err := s.authService.RevokeAPIKey(r.Context(), userID, keyID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !revoked {
		writeError(w, s.log, apperr.Validation("key_id", "no such key"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// requireUserSubject extracts the user id from a JWT-authenticated context.
// Account and key management are reserved for logged-in users; an API key
// cannot act on the account that owns it.
func (s *Server) requireUserSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	ac := authContextFrom(r.Context())
	if ac == nil || ac.AuthType != "jwt" {
		writeError(w, s.log, apperr.Forbidden("this operation requires a logged-in session"))
		return "", false
	}
	userID, ok := strings.CutPrefix(ac.Subject, "user:")
	if !ok {
		writeError(w, s.log, apperr.Forbidden("this operation requires a logged-in session"))
		return "", false
	}
	return userID, true
}

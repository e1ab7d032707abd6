package auth

import (
	"strings"
	"time"

	"github.com/quantfold/stockdata/internal/domain"
)

// User is a registered account.
type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	FullName     string      `json:"full_name,omitempty"`
	Role         domain.Role `json:"role"`
	IsActive     bool        `json:"is_active"`
	PasswordHash string      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	LastLogin    *time.Time  `json:"last_login,omitempty"`

	// Individual rate limit override; zero means the configured default.
	RateLimitRequests int           `json:"rate_limit_requests,omitempty"`
	RateLimitWindow   time.Duration `json:"-"`
}

// APIKey is a stored key-pair credential. The secret is never persisted,
// only its hash.
type APIKey struct {
	KeyID     string              `json:"key_id"`
	KeyHash   string              `json:"-"`
	UserID    string              `json:"user_id"`
	Name      string              `json:"name"`
	Scopes    []domain.Capability `json:"scopes"`
	IsActive  bool                `json:"is_active"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	LastUsed  *time.Time          `json:"last_used,omitempty"`

	TotalRequests     int64 `json:"total_requests"`
	RateLimitRequests int   `json:"rate_limit_requests,omitempty"`
}

// KeyStats summarizes usage across a user's active API keys.
type KeyStats struct {
	TotalKeys     int        `json:"total_keys"`
	TotalRequests int64      `json:"total_requests"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// UserStats counts registered accounts per role.
type UserStats struct {
	TotalUsers  int                 `json:"total_users"`
	UsersByRole map[domain.Role]int `json:"users_by_role"`
}

func joinScopes(scopes []domain.Capability) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func splitScopes(s string) []domain.Capability {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	scopes := make([]domain.Capability, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			scopes = append(scopes, domain.Capability(p))
		}
	}
	return scopes
}

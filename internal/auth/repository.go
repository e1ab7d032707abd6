package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/database"
	"github.com/quantfold/stockdata/internal/domain"
)

// Repository is the identity store: users and API keys on the auth database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an identity repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db.Conn(),
		log: log.With().Str("component", "auth_repository").Logger(),
	}
}

// CreateUser inserts a new user.
func (r *Repository) CreateUser(ctx context.Context, u User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, full_name, role, is_active, password_hash,
			rate_limit_requests, rate_limit_window, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.FullName, string(u.Role), boolToInt(u.IsActive),
		u.PasswordHash, u.RateLimitRequests, int64(u.RateLimitWindow.Seconds()), u.CreatedAt.Unix())
	if err != nil {
		return apperr.Store(err)
	}
	return nil
}

// GetUserByUsername returns a user, or nil when absent.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, userSelect+" WHERE username = ?", username))
}

// GetUserByID returns a user, or nil when absent.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, userSelect+" WHERE id = ?", id))
}

// ListUsers returns accounts ordered by creation time, optionally filtered
// by role. offset and limit page the result.
func (r *Repository) ListUsers(ctx context.Context, role domain.Role, offset, limit int) ([]User, error) {
	query := userSelect
	var args []interface{}
	if role != "" {
		query += " WHERE role = ?"
		args = append(args, string(role))
	}
	query += " ORDER BY created_at ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err)
	}
	return users, nil
}

// CountUsersByRole returns the number of accounts per role.
func (r *Repository) CountUsersByRole(ctx context.Context) (map[domain.Role]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	counts := make(map[domain.Role]int)
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, apperr.Store(err)
		}
		counts[domain.Role(role)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err)
	}
	return counts, nil
}

const userSelect = `
	SELECT id, username, email, COALESCE(full_name, ''), role, is_active, password_hash,
	       rate_limit_requests, rate_limit_window, created_at, last_login
	FROM users`

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanUser(row rowScanner) (*User, error) {
	var u User
	var role string
	var active int
	var windowSeconds, createdAt int64
	var lastLogin sql.NullInt64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &role, &active,
		&u.PasswordHash, &u.RateLimitRequests, &windowSeconds, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(err)
	}
	u.Role = domain.Role(role)
	u.IsActive = active != 0
	u.RateLimitWindow = time.Duration(windowSeconds) * time.Second
	u.CreatedAt = time.Unix(createdAt, 0)
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0)
		u.LastLogin = &t
	}
	return &u, nil
}

// UpdateLastLogin records a successful login.
func (r *Repository) UpdateLastLogin(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, time.Now().Unix(), userID)
	if err != nil {
		return apperr.Store(err)
	}
	return nil
}

// UpdatePassword replaces a user's password hash.
func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, userID)
	if err != nil {
		return apperr.Store(err)
	}
	return nil
}

// SetUserActive flips an account's active flag. Returns false when the
// user does not exist.
func (r *Repository) SetUserActive(ctx context.Context, userID string, active bool) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = ? WHERE id = ?`, boolToInt(active), userID)
	if err != nil {
		return false, apperr.Store(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Store(err)
	}
	return n > 0, nil
}

// APIKeyStats aggregates usage over a user's active keys.
func (r *Repository) APIKeyStats(ctx context.Context, userID string) (KeyStats, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_requests), 0), MAX(last_used)
		FROM api_keys WHERE user_id = ? AND is_active = 1`, userID)

	var stats KeyStats
	var lastUsed sql.NullInt64
	if err := row.Scan(&stats.TotalKeys, &stats.TotalRequests, &lastUsed); err != nil {
		return KeyStats{}, apperr.Store(err)
	}
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		stats.LastUsed = &t
	}
	return stats, nil
}

// CreateAPIKey inserts a new API key record.
func (r *Repository) CreateAPIKey(ctx context.Context, k APIKey) error {
	var expiresAt interface{}
	if k.ExpiresAt != nil {
		expiresAt = k.ExpiresAt.Unix()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, key_hash, user_id, name, scopes, is_active,
			created_at, expires_at, rate_limit_requests)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.KeyID, k.KeyHash, k.UserID, k.Name, joinScopes(k.Scopes), boolToInt(k.IsActive),
		k.CreatedAt.Unix(), expiresAt, k.RateLimitRequests)
	if err != nil {
		return apperr.Store(err)
	}
	return nil
}

// GetAPIKey returns a key by its public id, or nil when absent.
func (r *Repository) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key_id, key_hash, user_id, name, scopes, is_active, created_at,
		       expires_at, last_used, total_requests, rate_limit_requests
		FROM api_keys WHERE key_id = ?`, keyID)

	var k APIKey
	var scopes string
	var active int
	var createdAt int64
	var expiresAt, lastUsed sql.NullInt64
	err := row.Scan(&k.KeyID, &k.KeyHash, &k.UserID, &k.Name, &scopes, &active,
		&createdAt, &expiresAt, &lastUsed, &k.TotalRequests, &k.RateLimitRequests)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(err)
	}
	k.Scopes = splitScopes(scopes)
	k.IsActive = active != 0
	k.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		k.LastUsed = &t
	}
	return &k, nil
}

// ListAPIKeys returns a user's active keys, oldest first.
func (r *Repository) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key_id, user_id, name, scopes, is_active, created_at,
		       expires_at, last_used, total_requests, rate_limit_requests
		FROM api_keys WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var scopes string
		var active int
		var createdAt int64
		var expiresAt, lastUsed sql.NullInt64
		if err := rows.Scan(&k.KeyID, &k.UserID, &k.Name, &scopes, &active,
			&createdAt, &expiresAt, &lastUsed, &k.TotalRequests, &k.RateLimitRequests); err != nil {
			return nil, apperr.Store(err)
		}
		k.Scopes = splitScopes(scopes)
		k.IsActive = active != 0
		k.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			k.ExpiresAt = &t
		}
		if lastUsed.Valid {
			t := time.Unix(lastUsed.Int64, 0)
			k.LastUsed = &t
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err)
	}
	return keys, nil
}

// TouchAPIKey records a successful authentication on a key.
func (r *Repository) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = ?, total_requests = total_requests + 1
		WHERE key_id = ?`, time.Now().Unix(), keyID)
	if err != nil {
		return apperr.Store(err)
	}
	return nil
}

// RevokeAPIKey deactivates a key owned by the given user. Returns false
// when no matching key exists.
func (r *Repository) RevokeAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = 0 WHERE key_id = ? AND user_id = ?`, keyID, userID)
	if err != nil {
		return false, apperr.Store(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Store(err)
	}
	if n > 0 {
		r.log.Info().Str("key_id", keyID).Msg("API key revoked")
	}
	return n > 0, nil
}

// DeactivateExpiredKeys disables keys past their expiry. Called by the
// daily maintenance job.
func (r *Repository) DeactivateExpiredKeys(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = 0
		WHERE expires_at IS NOT NULL AND expires_at < ? AND is_active = 1`, time.Now().Unix())
	if err != nil {
		return 0, apperr.Store(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Store(err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package auth implements identity management and request admission:
// user accounts, JWT access tokens, API keys, and the admission gate
// that every data request passes before reaching the orchestrator.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/domain"
)

// Service handles registration, login, token issuance and API key
// lifecycle on top of the identity repository.
type Service struct {
	repo      *Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	log       zerolog.Logger
}

// NewService creates the identity service.
func NewService(repo *Repository, jwtSecret string, tokenTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		log:       log.With().Str("component", "auth_service").Logger(),
	}
}

// RegisterRequest carries the fields of a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}

// Register creates a new user account with the default role.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Username) < 3 {
		return nil, apperr.Validation("username", "username must be at least 3 characters")
	}
	if req.Email == "" {
		return nil, apperr.Validation("email", "email is required")
	}
	if err := ValidatePasswordStrength(req.Password); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Validation("username", "username already taken")
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		FullName:     req.FullName,
		Role:         domain.RoleUser,
		IsActive:     true,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info().Str("username", user.Username).Msg("User registered")
	return &user, nil
}

// Login verifies credentials and issues an access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *User, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if user == nil || !CheckPassword(password, user.PasswordHash) {
		// Identical error for unknown user and wrong password.
		return "", nil, apperr.Unauthenticated("invalid username or password")
	}
	if !user.IsActive {
		return "", nil, apperr.Forbidden("account disabled")
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	if err := s.repo.UpdateLastLogin(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to record login time")
	}
	s.log.Info().Str("username", user.Username).Msg("User logged in")
	return token, user, nil
}

// GetUser returns the account behind a user id. Absent users come back as
// an authentication failure, not a blank profile.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Unauthenticated("unknown user")
	}
	return user, nil
}

// ChangePassword verifies the current password and installs a new one.
// The new password passes the same strength rules as registration.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(currentPassword, user.PasswordHash) {
		return apperr.Validation("current_password", "current password is incorrect")
	}
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	s.log.Info().Str("user_id", user.ID).Msg("Password changed")
	return nil
}

// ListUsers pages through accounts, optionally filtered by role.
func (s *Service) ListUsers(ctx context.Context, role domain.Role, offset, limit int) ([]User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListUsers(ctx, role, offset, limit)
}

// SetUserActive enables or disables an account. An operator cannot
// disable their own account.
func (s *Service) SetUserActive(ctx context.Context, actorID, userID string, active bool) error {
	if !active && actorID == userID {
		return apperr.Validation("user_id", "cannot deactivate your own account")
	}
	changed, err := s.repo.SetUserActive(ctx, userID, active)
	if err != nil {
		return err
	}
	if !changed {
		return apperr.Validation("user_id", "no such user")
	}
	s.log.Info().Str("user_id", userID).Bool("active", active).Msg("User active flag changed")
	return nil
}

// UserStats counts registered accounts per role.
func (s *Service) UserStats(ctx context.Context) (UserStats, error) {
	counts, err := s.repo.CountUsersByRole(ctx)
	if err != nil {
		return UserStats{}, err
	}
	stats := UserStats{UsersByRole: counts}
	for _, n := range counts {
		stats.TotalUsers += n
	}
	return stats, nil
}

// APIKeyStats aggregates usage across the user's active keys.
func (s *Service) APIKeyStats(ctx context.Context, userID string) (KeyStats, error) {
	return s.repo.APIKeyStats(ctx, userID)
}

// IssueToken signs a short-lived HS256 access token for the user.
func (s *Service) IssueToken(user *User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     user.Username,
		"user_id": user.ID,
		"role":    string(user.Role),
		"type":    "access",
		"iat":     now.Unix(),
		"exp":     now.Add(s.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates an access token, returning its claims.
// Expiry and signature failures both come back as UNAUTHENTICATED.
func (s *Service) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return nil, apperr.Unauthenticated("not an access token")
	}
	return claims, nil
}

// CreateKeyRequest carries the parameters of a new API key.
type CreateKeyRequest struct {
	Name      string              `json:"name"`
	Scopes    []domain.Capability `json:"scopes"`
	ExpiresIn time.Duration       `json:"-"`
}

// CreateAPIKey mints a key pair for the user. The secret is returned once
// and never stored; only its hash is persisted.
func (s *Service) CreateAPIKey(ctx context.Context, userID string, req CreateKeyRequest) (*APIKey, string, error) {
	if req.Name == "" {
		return nil, "", apperr.Validation("name", "key name is required")
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		return nil, "", apperr.Unauthenticated("unknown user")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []domain.Capability{domain.CapabilityRead}
	}
	// A key can never grant more than its owner's role allows.
	granted := user.Role.Capabilities()
	for _, scope := range scopes {
		allowed := false
		for _, g := range granted {
			if g == scope {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, "", apperr.Forbidden(fmt.Sprintf("role %s cannot grant scope %s", user.Role, scope))
		}
	}

	keyID, secret, err := generateKeyPair()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key material: %w", err)
	}

	key := APIKey{
		KeyID:     keyID,
		KeyHash:   HashAPIKeySecret(secret),
		UserID:    user.ID,
		Name:      req.Name,
		Scopes:    scopes,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if req.ExpiresIn > 0 {
		t := key.CreatedAt.Add(req.ExpiresIn)
		key.ExpiresAt = &t
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	s.log.Info().Str("key_id", keyID).Str("user_id", user.ID).Msg("API key created")
	return &key, secret, nil
}

// ListAPIKeys returns the user's active keys.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	return s.repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deactivates one of the user's keys.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	return s.repo.RevokeAPIKey(ctx, userID, keyID)
}

// HashPassword produces a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against its bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePasswordStrength requires at least 8 characters drawn from at
// least three of the four character classes.
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return apperr.Validation("password", "password must be at least 8 characters")
	}
	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	classes := 0
	for _, has := range []bool{lower, upper, digit, special} {
		if has {
			classes++
		}
	}
	if classes < 3 {
		return apperr.Validation("password",
			"password must mix at least three of: lowercase, uppercase, digits, special characters")
	}
	return nil
}

// generateKeyPair mints a public key id and a secret, both URL-safe.
func generateKeyPair() (keyID, secret string, err error) {
	id := make([]byte, 12)
	if _, err = rand.Read(id); err != nil {
		return "", "", err
	}
	sec := make([]byte, 32)
	if _, err = rand.Read(sec); err != nil {
		return "", "", err
	}
	keyID = "sk_" + base64.RawURLEncoding.EncodeToString(id)
	secret = base64.RawURLEncoding.EncodeToString(sec)
	return keyID, secret, nil
}

// HashAPIKeySecret hashes a key secret for storage and comparison.
func HashAPIKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// secretMatches compares a presented secret against the stored hash in
// constant time.
func secretMatches(secret, storedHash string) bool {
	presented := HashAPIKeySecret(secret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/domain"
	"github.com/quantfold/stockdata/internal/ratelimit"
)

// Credential is the raw credential material extracted from a request.
// Exactly one of Bearer or APIKey is expected to be set.
type Credential struct {
	Bearer string // JWT from the Authorization header
	APIKey string // "keyId:secret" from X-API-Key or the api_key query param
}

// Admission is the request gate: it resolves a credential to an identity,
// checks that the identity is active and has the required capability, and
// only then consumes rate budget. A request rejected at authentication or
// authorization never counts against any quota.
type Admission struct {
	service *Service
	repo    *Repository
	tracker *ratelimit.Tracker
	limits  config.RateLimitConfig
	log     zerolog.Logger
}

// NewAdmission creates the admission gate.
func NewAdmission(service *Service, repo *Repository, tracker *ratelimit.Tracker, limits config.RateLimitConfig, log zerolog.Logger) *Admission {
	return &Admission{
		service: service,
		repo:    repo,
		tracker: tracker,
		limits:  limits,
		log:     log.With().Str("component", "admission").Logger(),
	}
}

// Admit runs the full gate for one request: resolve, active check,
// capability check, then quota consumption. On success it returns the
// authentication context the handlers attach downstream.
func (a *Admission) Admit(ctx context.Context, cred Credential, required domain.Capability, clientIP string) (*domain.AuthContext, error) {
	identity, authType, err := a.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}

	if !identity.Active {
		return nil, apperr.Forbidden("account disabled")
	}

	authCtx := &domain.AuthContext{
		Subject:  identity.Subject,
		Role:     identity.Role,
		Scopes:   identity.Scopes,
		AuthType: authType,
	}
	if !authCtx.HasCapability(required) {
		return nil, apperr.Forbidden("insufficient permissions for this operation")
	}

	// Quotas are consumed last so rejected calls never burn budget.
	limit, window := identity.RateLimit, identity.RateWindow
	if limit <= 0 {
		if authType == "api_key" {
			limit = a.limits.APIKeyRequests
		} else {
			limit = a.limits.UserRequests
		}
	}
	if window <= 0 {
		window = a.limits.Window
	}
	// Both budgets are consumed in one atomic step: a request denied by
	// either scope leaves the other untouched.
	budgets := []ratelimit.Budget{
		{Identity: identity.Subject, Scope: "identity", Limit: limit, Window: window},
	}
	if clientIP != "" && a.limits.IPRequests > 0 {
		budgets = append(budgets, ratelimit.Budget{
			Identity: clientIP, Scope: "ip", Limit: a.limits.IPRequests, Window: a.limits.Window,
		})
	}
	if allowed, retryAfter := a.tracker.TryConsumeAll(budgets); !allowed {
		a.log.Warn().Str("subject", identity.Subject).Str("ip", clientIP).Msg("Rate limit exceeded")
		return nil, apperr.QuotaExceeded(retryAfter)
	}

	return authCtx, nil
}

// ResetQuota clears the rate window for a subject. Administrative hook.
func (a *Admission) ResetQuota(subject string) {
	a.tracker.Reset(subject, "identity")
}

// resolve maps a credential to its identity. Credential failures are
// deliberately uniform so the response does not reveal which part failed.
func (a *Admission) resolve(ctx context.Context, cred Credential) (*domain.Identity, string, error) {
	switch {
	case cred.APIKey != "":
		identity, err := a.resolveAPIKey(ctx, cred.APIKey)
		return identity, "api_key", err
	case cred.Bearer != "":
		identity, err := a.resolveBearer(ctx, cred.Bearer)
		return identity, "jwt", err
	default:
		return nil, "", apperr.Unauthenticated("missing credentials")
	}
}

func (a *Admission) resolveBearer(ctx context.Context, token string) (*domain.Identity, error) {
	claims, err := a.service.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	username, _ := claims["sub"].(string)
	if username == "" {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}

	user, err := a.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}

	return &domain.Identity{
		Subject:    "user:" + user.ID,
		Role:       user.Role,
		Scopes:     user.Role.Capabilities(),
		Active:     user.IsActive,
		RateLimit:  user.RateLimitRequests,
		RateWindow: user.RateLimitWindow,
	}, nil
}

func (a *Admission) resolveAPIKey(ctx context.Context, raw string) (*domain.Identity, error) {
	keyID, secret, ok := strings.Cut(raw, ":")
	if !ok || keyID == "" || secret == "" {
		return nil, apperr.Unauthenticated("invalid API key")
	}

	key, err := a.repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		return nil, apperr.Unauthenticated("invalid API key")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, apperr.Unauthenticated("API key expired")
	}
	if !secretMatches(secret, key.KeyHash) {
		return nil, apperr.Unauthenticated("invalid API key")
	}

	owner, err := a.repo.GetUserByID(ctx, key.UserID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperr.Unauthenticated("invalid API key")
	}

	if err := a.repo.TouchAPIKey(ctx, key.KeyID); err != nil {
		a.log.Warn().Err(err).Str("key_id", key.KeyID).Msg("Failed to record key usage")
	}

	// A key is only as alive as its owner; scopes come from the key, the
	// role from the owner.
	return &domain.Identity{
		Subject:    "api_key:" + key.KeyID,
		Role:       owner.Role,
		Scopes:     key.Scopes,
		Active:     owner.IsActive,
		RateLimit:  key.RateLimitRequests,
		RateWindow: 0,
	}, nil
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/domain"
	"github.com/quantfold/stockdata/internal/ratelimit"
)

type admissionFixture struct {
	svc       *Service
	repo      *Repository
	admission *Admission
	tracker   *ratelimit.Tracker
}

func newAdmissionFixture(t *testing.T, limits config.RateLimitConfig) *admissionFixture {
	t.Helper()
	svc, repo := newTestService(t, time.Hour)
	tracker := ratelimit.New(zerolog.Nop())
	return &admissionFixture{
		svc:       svc,
		repo:      repo,
		admission: NewAdmission(svc, repo, tracker, limits, zerolog.Nop()),
		tracker:   tracker,
	}
}

func defaultLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		UserRequests:   1000,
		APIKeyRequests: 500,
		IPRequests:     0, // disabled unless a test needs it
		Window:         time.Hour,
	}
}

func (f *admissionFixture) registerAndLogin(t *testing.T, username string) (string, *User) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Register(ctx, RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "Passw0rd!",
	})
	require.NoError(t, err)
	token, user, err := f.svc.Login(ctx, username, "Passw0rd!")
	require.NoError(t, err)
	return token, user
}

func TestAdmitWithBearerToken(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	token, user := f.registerAndLogin(t, "alice")

	ac, err := f.admission.Admit(context.Background(), Credential{Bearer: token}, domain.CapabilityRead, "")
	require.NoError(t, err)
	assert.Equal(t, "user:"+user.ID, ac.Subject)
	assert.Equal(t, domain.RoleUser, ac.Role)
	assert.Equal(t, "jwt", ac.AuthType)
}

func TestAdmitWithAPIKey(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	_, user := f.registerAndLogin(t, "alice")

	key, secret, err := f.svc.CreateAPIKey(context.Background(), user.ID, CreateKeyRequest{Name: "ci"})
	require.NoError(t, err)

	ac, err := f.admission.Admit(context.Background(),
		Credential{APIKey: key.KeyID + ":" + secret}, domain.CapabilityRead, "")
	require.NoError(t, err)
	assert.Equal(t, "api_key:"+key.KeyID, ac.Subject)
	assert.Equal(t, "api_key", ac.AuthType)

	// Usage accounting on the key record.
	stored, err := f.repo.GetAPIKey(context.Background(), key.KeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.TotalRequests)
	assert.NotNil(t, stored.LastUsed)
}

func TestAdmitMissingCredential(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())

	_, err := f.admission.Admit(context.Background(), Credential{}, domain.CapabilityRead, "")
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
}

func TestAdmitExpiredTokenDoesNotConsumeQuota(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	_, user := f.registerAndLogin(t, "alice")

	expiredSvc := NewService(f.repo, "test-secret-key", -time.Minute, zerolog.Nop())
	stored, err := f.repo.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	expiredToken, err := expiredSvc.IssueToken(stored)
	require.NoError(t, err)

	_, err = f.admission.Admit(context.Background(), Credential{Bearer: expiredToken}, domain.CapabilityRead, "")
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))

	remaining := f.tracker.Remaining("user:"+user.ID, "identity", 1000, time.Hour)
	assert.Equal(t, 1000, remaining, "a rejected call must not burn budget")
}

func TestAdmitMalformedAPIKey(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())

	for _, raw := range []string{"no-separator", ":secret-only", "keyid-only:", "sk_unknown:wrong"} {
		_, err := f.admission.Admit(context.Background(), Credential{APIKey: raw}, domain.CapabilityRead, "")
		assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err), "raw=%q", raw)
	}
}

func TestAdmitWrongSecret(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	_, user := f.registerAndLogin(t, "alice")

	key, _, err := f.svc.CreateAPIKey(context.Background(), user.ID, CreateKeyRequest{Name: "ci"})
	require.NoError(t, err)

	_, err = f.admission.Admit(context.Background(),
		Credential{APIKey: key.KeyID + ":guessed-secret"}, domain.CapabilityRead, "")
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
}

func TestAdmitRevokedKey(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	_, user := f.registerAndLogin(t, "alice")

	key, secret, err := f.svc.CreateAPIKey(context.Background(), user.ID, CreateKeyRequest{Name: "ci"})
	require.NoError(t, err)
	_, err = f.svc.RevokeAPIKey(context.Background(), user.ID, key.KeyID)
	require.NoError(t, err)

	_, err = f.admission.Admit(context.Background(),
		Credential{APIKey: key.KeyID + ":" + secret}, domain.CapabilityRead, "")
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
}

func TestAdmitCapabilityCheck(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	_, user := f.registerAndLogin(t, "alice")

	// Read-scoped key cannot perform writes.
	key, secret, err := f.svc.CreateAPIKey(context.Background(), user.ID, CreateKeyRequest{
		Name:   "readonly",
		Scopes: []domain.Capability{domain.CapabilityRead},
	})
	require.NoError(t, err)

	cred := Credential{APIKey: key.KeyID + ":" + secret}
	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityWrite, "")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	// A plain user token cannot perform admin operations.
	token, _ := f.registerAndLogin(t, "bob")
	_, err = f.admission.Admit(context.Background(), Credential{Bearer: token}, domain.CapabilityAdmin, "")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestAdmitQuotaExceeded(t *testing.T) {
	limits := defaultLimits()
	limits.UserRequests = 2
	f := newAdmissionFixture(t, limits)
	token, _ := f.registerAndLogin(t, "alice")

	cred := Credential{Bearer: token}
	for i := 0; i < 2; i++ {
		_, err := f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "")
		require.NoError(t, err, "request %d", i)
	}

	_, err := f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeQuotaExceeded, e.Code)
	assert.Greater(t, e.RetryAfter, time.Duration(0))
}

func TestAdmitPerUserRateLimitOverride(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	ctx := context.Background()

	// Account with an individual budget of 1 per hour.
	user := User{
		ID: "u-limited", Username: "limited", Email: "l@example.com",
		Role: domain.RoleUser, IsActive: true, PasswordHash: "x",
		RateLimitRequests: 1, RateLimitWindow: time.Hour,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.repo.CreateUser(ctx, user))
	token, err := f.svc.IssueToken(&user)
	require.NoError(t, err)

	cred := Credential{Bearer: token}
	_, err = f.admission.Admit(ctx, cred, domain.CapabilityRead, "")
	require.NoError(t, err)

	_, err = f.admission.Admit(ctx, cred, domain.CapabilityRead, "")
	assert.Equal(t, apperr.CodeQuotaExceeded, apperr.CodeOf(err))
}

func TestAdmitPerIPLimit(t *testing.T) {
	limits := defaultLimits()
	limits.IPRequests = 1
	f := newAdmissionFixture(t, limits)
	token, _ := f.registerAndLogin(t, "alice")

	cred := Credential{Bearer: token}
	_, err := f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.1")
	require.NoError(t, err)

	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.1")
	assert.Equal(t, apperr.CodeQuotaExceeded, apperr.CodeOf(err))

	// A different address has its own budget; the identity budget is far
	// from exhausted.
	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.2")
	assert.NoError(t, err)
}

func TestAdmitDisabledAccount(t *testing.T) {
	f := newAdmissionFixture(t, defaultLimits())
	ctx := context.Background()

	user := User{
		ID: "u-off", Username: "disabled", Email: "d@example.com",
		Role: domain.RoleUser, IsActive: false, PasswordHash: "x",
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.repo.CreateUser(ctx, user))
	token, err := f.svc.IssueToken(&user)
	require.NoError(t, err)

	_, err = f.admission.Admit(ctx, Credential{Bearer: token}, domain.CapabilityRead, "")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestResetQuota(t *testing.T) {
	limits := defaultLimits()
	limits.UserRequests = 1
	f := newAdmissionFixture(t, limits)
	token, user := f.registerAndLogin(t, "alice")

	cred := Credential{Bearer: token}
	_, err := f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "")
	require.NoError(t, err)
	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "")
	require.Equal(t, apperr.CodeQuotaExceeded, apperr.CodeOf(err))

	f.admission.ResetQuota("user:" + user.ID)

	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "")
	assert.NoError(t, err)
}

func TestAdmitIPDenialDoesNotBurnIdentityBudget(t *testing.T) {
	limits := defaultLimits()
	limits.IPRequests = 1
	f := newAdmissionFixture(t, limits)
	token, user := f.registerAndLogin(t, "alice")

	cred := Credential{Bearer: token}
	_, err := f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.1")
	require.NoError(t, err)
	before := f.tracker.Remaining("user:"+user.ID, "identity", 1000, time.Hour)

	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.1")
	require.Equal(t, apperr.CodeQuotaExceeded, apperr.CodeOf(err))

	after := f.tracker.Remaining("user:"+user.ID, "identity", 1000, time.Hour)
	assert.Equal(t, before, after,
		"a request denied by the IP budget must leave the identity budget untouched")
}

func TestAdmitIdentityDenialDoesNotBurnIPBudget(t *testing.T) {
	limits := defaultLimits()
	limits.UserRequests = 1
	limits.IPRequests = 100
	f := newAdmissionFixture(t, limits)
	token, _ := f.registerAndLogin(t, "alice")

	cred := Credential{Bearer: token}
	_, err := f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.1")
	require.NoError(t, err)

	_, err = f.admission.Admit(context.Background(), cred, domain.CapabilityRead, "10.0.0.1")
	require.Equal(t, apperr.CodeQuotaExceeded, apperr.CodeOf(err))

	assert.Equal(t, 99, f.tracker.Remaining("10.0.0.1", "ip", 100, time.Hour),
		"a request denied by the identity budget must leave the IP budget untouched")
}

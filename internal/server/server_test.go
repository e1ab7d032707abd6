package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/stockdata/internal/acquire"
	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/cache"
	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/database"
	"github.com/quantfold/stockdata/internal/domain"
	"github.com/quantfold/stockdata/internal/ratelimit"
	"github.com/quantfold/stockdata/internal/store"
)

// scriptedSource serves deterministic data without leaving the process.
type scriptedSource struct{}

func (scriptedSource) FetchSeries(ctx context.Context, symbol, startDate, endDate string) ([]domain.DailyPrice, error) {
	start, _ := time.Parse(domain.DateLayout, startDate)
	end, _ := time.Parse(domain.DateLayout, endDate)
	var prices []domain.DailyPrice
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		prices = append(prices, domain.DailyPrice{
			Symbol: symbol, Date: d.Format(domain.DateLayout), Close: 123.45, FetchedAt: time.Now(),
		})
	}
	return prices, nil
}

func (scriptedSource) FetchInfo(ctx context.Context, symbol string) (*domain.Security, error) {
	return &domain.Security{Symbol: symbol, Name: symbol + " Corp", Market: "us", Currency: "USD", FetchedAt: time.Now()}, nil
}

func (scriptedSource) FetchStatements(ctx context.Context, symbol, periodType string) ([]domain.Statement, error) {
	return []domain.Statement{{Symbol: symbol, PeriodType: "quarterly", PeriodEnd: "2024-03-31", FetchedAt: time.Now()}}, nil
}

type fixture struct {
	srv         *httptest.Server
	server      *Server
	authRepo    *auth.Repository
	authService *auth.Service
}

func newFixture(t *testing.T, limits config.RateLimitConfig) *fixture {
	t.Helper()
	log := zerolog.Nop()
	tmpDir := t.TempDir()

	marketDB, err := database.New(database.Config{
		Path: filepath.Join(tmpDir, "market.db"), Profile: database.ProfileStandard, Name: "market",
	})
	require.NoError(t, err)
	t.Cleanup(func() { marketDB.Close() })
	require.NoError(t, marketDB.Migrate(store.Schema))

	authDB, err := database.New(database.Config{
		Path: filepath.Join(tmpDir, "auth.db"), Profile: database.ProfileAuth, Name: "auth",
	})
	require.NoError(t, err)
	t.Cleanup(func() { authDB.Close() })
	require.NoError(t, authDB.Migrate(auth.Schema))

	cfg := &config.Config{
		DataDir:     tmpDir,
		Port:        0,
		LogLevel:    "debug",
		JWTSecret:   "test-secret",
		JWTTokenTTL: time.Hour,
		Freshness: config.FreshnessConfig{
			Prices: time.Hour, ReferenceInfo: 24 * time.Hour, Statements: 6 * time.Hour,
		},
		RateLimit: limits,
	}

	st := store.NewSQLiteStore(marketDB, log)
	orchestrator := acquire.New(cache.New(1000, log), st, scriptedSource{}, cfg.Freshness, time.Minute, log)

	authRepo := auth.NewRepository(authDB, log)
	authService := auth.NewService(authRepo, cfg.JWTSecret, cfg.JWTTokenTTL, log)
	admission := auth.NewAdmission(authService, authRepo, ratelimit.New(log), cfg.RateLimit, log)

	s := New(Config{
		Log:          log,
		Config:       cfg,
		Orchestrator: orchestrator,
		AuthService:  authService,
		Admission:    admission,
		Port:         0,
		DevMode:      true,
	})

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, server: s, authRepo: authRepo, authService: authService}
}

// adminToken seeds an administrator account directly and signs a token
// for it; registration only ever creates plain users.
func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	admin := auth.User{
		ID: "admin-1", Username: "root", Email: "root@example.com",
		Role: domain.RoleAdmin, IsActive: true, PasswordHash: "x", CreatedAt: time.Now(),
	}
	require.NoError(t, f.authRepo.CreateUser(ctx, admin))
	token, err := f.authService.IssueToken(&admin)
	require.NoError(t, err)
	return token
}

func testLimits() config.RateLimitConfig {
	return config.RateLimitConfig{UserRequests: 1000, APIKeyRequests: 500, Window: time.Hour}
}

func (f *fixture) postJSON(t *testing.T, path string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	resp := f.postJSON(t, "/api/auth/register", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "Passw0rd!",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": "Passw0rd!",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t, testLimits())

	resp := f.get(t, "/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPricesEndToEnd(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.get(t, "/api/stocks/aapl/prices?start=2024-01-01&end=2024-01-05",
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	assert.Equal(t, "provider", body["source"])
	prices, ok := body["prices"].([]interface{})
	require.True(t, ok)
	assert.Len(t, prices, 5)

	// Second call is served from cache.
	resp = f.get(t, "/api/stocks/AAPL/prices?start=2024-01-01&end=2024-01-05",
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "cache", body["source"])
}

func TestDataRoutesRequireCredentials(t *testing.T) {
	f := newFixture(t, testLimits())

	resp := f.get(t, "/api/stocks/AAPL/info", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyFlow(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.postJSON(t, "/api/keys/", map[string]interface{}{"name": "ci"},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	secret, _ := body["secret"].(string)
	require.NotEmpty(t, secret)

	// The key works in the header...
	resp = f.get(t, "/api/stocks/AAPL/info", map[string]string{"X-API-Key": secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// ...and in the query parameter.
	resp = f.get(t, "/api/stocks/AAPL/info?api_key="+secret, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestReadKeyCannotAdministrate(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.postJSON(t, "/api/keys/", map[string]interface{}{"name": "ci"},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	secret, _ := decodeBody(t, resp)["secret"].(string)

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/admin/cache", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", secret)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestQuotaExceededCarriesRetryAfter(t *testing.T) {
	limits := testLimits()
	limits.UserRequests = 1
	f := newFixture(t, limits)
	token := f.registerAndLogin(t, "alice")
	headers := map[string]string{"Authorization": "Bearer " + token}

	resp := f.get(t, "/api/stocks/AAPL/info", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/stocks/AAPL/info", headers)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestValidationErrorsAre422(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.get(t, "/api/stocks/AAPL/prices?start=2024-01-05&end=2024-01-01",
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody(t, resp)
	errObj, _ := body["error"].(map[string]interface{})
	require.NotNil(t, errObj)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
}

func TestFinancialsEndpoint(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.get(t, "/api/stocks/AAPL/financials?period_type=quarterly",
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	statements, ok := body["statements"].([]interface{})
	require.True(t, ok)
	assert.Len(t, statements, 1)

	resp = f.get(t, "/api/stocks/AAPL/financials?period_type=weekly",
		map[string]string{"Authorization": "Bearer " + token})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMonitoringCacheStats(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")
	headers := map[string]string{"Authorization": "Bearer " + token}

	resp := f.get(t, "/api/stocks/AAPL/info", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/monitoring/cache", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["total_entries"])
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	f := newFixture(t, testLimits())

	resp := f.postJSON(t, "/api/auth/register", map[string]string{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "password",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSymbolPathParamsFlowThrough(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.get(t, "/api/stocks/7203.T/info",
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	info, _ := body["info"].(map[string]interface{})
	require.NotNil(t, info)
	assert.Equal(t, "7203.T", info["symbol"], "dotted symbols survive routing")
}

func TestMeAndChangePassword(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")
	headers := map[string]string{"Authorization": "Bearer " + token}

	resp := f.get(t, "/api/auth/me", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "alice", body["username"])
	assert.NotContains(t, body, "password_hash")

	resp = f.postJSON(t, "/api/auth/change-password", map[string]string{
		"current_password": "wrong",
		"new_password":     "NewPassw0rd!",
	}, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/api/auth/change-password", map[string]string{
		"current_password": "Passw0rd!",
		"new_password":     "NewPassw0rd!",
	}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/api/auth/login", map[string]string{
		"username": "alice", "password": "NewPassw0rd!",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMeRejectsAPIKeySessions(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")

	resp := f.postJSON(t, "/api/keys/", map[string]interface{}{"name": "ci"},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	secret, _ := decodeBody(t, resp)["secret"].(string)

	resp = f.get(t, "/api/auth/me", map[string]string{"X-API-Key": secret})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestKeyStatsEndpoint(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")
	headers := map[string]string{"Authorization": "Bearer " + token}

	resp := f.postJSON(t, "/api/keys/", map[string]interface{}{"name": "ci"}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	secret, _ := decodeBody(t, resp)["secret"].(string)

	// One authenticated call on the key.
	resp = f.get(t, "/api/stocks/AAPL/info", map[string]string{"X-API-Key": secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/keys/stats", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["total_keys"])
	assert.EqualValues(t, 1, body["total_requests"])
	assert.NotEmpty(t, body["last_used"])
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t, testLimits())
	token := f.registerAndLogin(t, "alice")
	headers := map[string]string{"Authorization": "Bearer " + token}

	// Search reads the store only; a never-fetched symbol is invisible.
	resp := f.get(t, "/api/stocks/search?query=AAPL", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	results, ok := body["results"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, results)

	resp = f.get(t, "/api/stocks/AAPL/info", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/stocks/search?query=AAPL", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	results, _ = body["results"].([]interface{})
	require.Len(t, results, 1)

	resp = f.get(t, "/api/stocks/search", headers)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "query is required")
}

func TestUserAdministration(t *testing.T) {
	f := newFixture(t, testLimits())
	aliceToken := f.registerAndLogin(t, "alice")
	adminToken := f.adminToken(t)
	adminHeaders := map[string]string{"Authorization": "Bearer " + adminToken}

	alice, err := f.authRepo.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)

	// A plain user cannot reach user administration.
	resp := f.get(t, "/api/users/", map[string]string{"Authorization": "Bearer " + aliceToken})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/users/", adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	users, _ := body["users"].([]interface{})
	assert.Len(t, users, 2)

	resp = f.get(t, "/api/users/"+alice.ID, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "alice", body["username"])

	// Deactivation locks the account out from the next request on.
	resp = f.postJSON(t, "/api/users/"+alice.ID+"/deactivate", map[string]string{}, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/stocks/AAPL/info", map[string]string{"Authorization": "Bearer " + aliceToken})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/api/users/"+alice.ID+"/activate", map[string]string{}, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/stocks/AAPL/info", map[string]string{"Authorization": "Bearer " + aliceToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Admins cannot deactivate themselves.
	resp = f.postJSON(t, "/api/users/admin-1/deactivate", map[string]string{}, adminHeaders)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUserStatsOverview(t *testing.T) {
	f := newFixture(t, testLimits())
	f.registerAndLogin(t, "alice")
	f.registerAndLogin(t, "bob")
	adminHeaders := map[string]string{"Authorization": "Bearer " + f.adminToken(t)}

	resp := f.get(t, "/api/users/stats/overview", adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 3, body["total_users"])
	byRole, _ := body["users_by_role"].(map[string]interface{})
	require.NotNil(t, byRole)
	assert.EqualValues(t, 2, byRole["user"])
	assert.EqualValues(t, 1, byRole["admin"])
}

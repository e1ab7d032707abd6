// Package di wires the application's components together. Databases are
// opened first, then storage, then services, then the admission gate.
package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/acquire"
	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/cache"
	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/database"
	"github.com/quantfold/stockdata/internal/provider/yahoo"
	"github.com/quantfold/stockdata/internal/ratelimit"
	"github.com/quantfold/stockdata/internal/store"
)

// Container holds all wired components.
type Container struct {
	MarketDB *database.DB
	AuthDB   *database.DB

	Cache       *cache.Cache
	Store       *store.SQLiteStore
	Provider    *yahoo.Client
	RateTracker *ratelimit.Tracker

	Orchestrator *acquire.Orchestrator
	AuthRepo     *auth.Repository
	AuthService  *auth.Service
	Admission    *auth.Admission
}

// Wire builds the full component graph from configuration.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open market database: %w", err)
	}
	if err := marketDB.Migrate(store.Schema); err != nil {
		return nil, err
	}

	authDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "auth.db"),
		Profile: database.ProfileAuth,
		Name:    "auth",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open auth database: %w", err)
	}
	if err := authDB.Migrate(auth.Schema); err != nil {
		return nil, err
	}

	c := &Container{
		MarketDB:    marketDB,
		AuthDB:      authDB,
		Cache:       cache.New(cfg.Cache.MaxEntries, log),
		Store:       store.NewSQLiteStore(marketDB, log),
		Provider:    yahoo.NewClient(cfg.Provider, log),
		RateTracker: ratelimit.New(log),
	}

	// A detached fetch may retry; give it the full retry budget plus slack.
	fetchTimeout := cfg.Provider.Timeout * time.Duration(cfg.Provider.MaxRetries+1)
	c.Orchestrator = acquire.New(c.Cache, c.Store, c.Provider, cfg.Freshness, fetchTimeout, log)

	c.AuthRepo = auth.NewRepository(authDB, log)
	c.AuthService = auth.NewService(c.AuthRepo, cfg.JWTSecret, cfg.JWTTokenTTL, log)
	c.Admission = auth.NewAdmission(c.AuthService, c.AuthRepo, c.RateTracker, cfg.RateLimit, log)

	return c, nil
}

// Close releases all held resources.
func (c *Container) Close() error {
	var firstErr error
	if c.MarketDB != nil {
		if err := c.MarketDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.AuthDB != nil {
		if err := c.AuthDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

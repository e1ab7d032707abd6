// Package main is the entry point for the stock data service: a cascading
// cache / store / provider data layer behind an authenticated HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/di"
	"github.com/quantfold/stockdata/internal/jobs"
	"github.com/quantfold/stockdata/internal/server"
	"github.com/quantfold/stockdata/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting stock data service")

	// Wire databases, storage, provider client and services.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close databases")
		}
	}()

	// Background maintenance: sweep the cache and rate windows every ten
	// minutes, expire API keys daily.
	scheduler := jobs.New(log)
	if err := scheduler.AddJob("*/10 * * * *", jobs.NewCacheSweepJob(container.Cache, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache sweep job")
	}
	if err := scheduler.AddJob("*/10 * * * *", jobs.NewRateWindowSweepJob(container.RateTracker, cfg.RateLimit.Window, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register rate window sweep job")
	}
	if err := scheduler.AddJob("@daily", jobs.NewExpireAPIKeysJob(container.AuthRepo, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register key expiry job")
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Config:       cfg,
		Orchestrator: container.Orchestrator,
		AuthService:  container.AuthService,
		Admission:    container.Admission,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	log.Info().Msg("Stock data service stopped")
}

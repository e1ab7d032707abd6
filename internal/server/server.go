// Package server provides the HTTP server and routing for the stock data
// service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/acquire"
	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/domain"
)

// Config holds the server's collaborators.
type Config struct {
	Log          zerolog.Logger
	Config       *config.Config
	Orchestrator *acquire.Orchestrator
	AuthService  *auth.Service
	Admission    *auth.Admission
	Port         int
	DevMode      bool
}

// Server is the HTTP front end. All data routes pass through the admission
// gate before reaching the orchestrator.
type Server struct {
	router       *chi.Mux
	server       *http.Server
	log          zerolog.Logger
	cfg          *config.Config
	orchestrator *acquire.Orchestrator
	authService  *auth.Service
	admission    *auth.Admission
	startedAt    time.Time
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          cfg.Log.With().Str("component", "server").Logger(),
		cfg:          cfg.Config,
		orchestrator: cfg.Orchestrator,
		authService:  cfg.AuthService,
		admission:    cfg.Admission,
		startedAt:    time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe, unauthenticated.
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Credential endpoints. These sit outside the admission gate:
		// a client cannot hold a token before logging in.
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)

			// Account self-service requires a logged-in user.
			r.Group(func(r chi.Router) {
				r.Use(s.requireCapability(domain.CapabilityRead))
				r.Get("/me", s.handleMe)
				r.Post("/change-password", s.handleChangePassword)
			})
		})

		// API key lifecycle requires a logged-in user.
		r.Route("/keys", func(r chi.Router) {
			r.Use(s.requireCapability(domain.CapabilityWrite))
			r.Post("/", s.handleCreateKey)
			r.Get("/", s.handleListKeys)
			r.Get("/stats", s.handleKeyStats)
			r.Delete("/{keyID}", s.handleRevokeKey)
		})

		// Market data routes: read capability.
		r.Route("/stocks", func(r chi.Router) {
			r.Use(s.requireCapability(domain.CapabilityRead))
			r.Get("/search", s.handleSearch)
			r.Route("/{symbol}", func(r chi.Router) {
				r.Get("/prices", s.handlePrices)
				r.Get("/info", s.handleInfo)
				r.Get("/financials", s.handleFinancials)
			})
		})

		// User administration: admin capability.
		r.Route("/users", func(r chi.Router) {
			r.Use(s.requireCapability(domain.CapabilityAdmin))
			r.Get("/", s.handleListUsers)
			r.Get("/stats/overview", s.handleUserStats)
			r.Get("/{userID}", s.handleGetUser)
			r.Delete("/{userID}", s.handleDeactivateUser)
			r.Post("/{userID}/activate", s.handleActivateUser)
			r.Post("/{userID}/deactivate", s.handleDeactivateUser)
		})

		// Administrative operations: admin capability.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireCapability(domain.CapabilityAdmin))
			r.Delete("/cache", s.handleInvalidateCache)
			r.Post("/rate-limits/reset", s.handleResetRateLimit)
		})

		// Monitoring: read capability.
		r.Route("/monitoring", func(r chi.Router) {
			r.Use(s.requireCapability(domain.CapabilityRead))
			r.Get("/cache", s.handleCacheStats)
			r.Get("/system", s.handleSystemStats)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/auth"
	"github.com/conductorhq/conductor/server/internal/metrics"
	"github.com/conductorhq/conductor/server/internal/repository"
	"github.com/conductorhq/conductor/server/internal/runnertransport"
	"github.com/conductorhq/conductor/server/internal/streamassembler"
	"github.com/conductorhq/conductor/server/internal/supervisor"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Logger      *zap.Logger

	Users        repository.UserRepository
	Threads      repository.ThreadRepository
	Runs         repository.RunRepository
	Runners      repository.RunnerRepository
	DeviceTokens repository.DeviceTokenRepository

	Engine    *supervisor.Engine
	Registry  *supervisor.Registry
	Assembler *streamassembler.Assembler
	Transport *runnertransport.Manager

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1, except /metrics which is served at the root
// for conventional scraping.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	usersHandler := NewUsersHandler(cfg.Users, cfg.Logger)
	runsHandler := NewRunsHandler(cfg.Threads, cfg.Runs, cfg.Engine, cfg.Registry, cfg.Assembler, cfg.Logger)
	runnersHandler := NewRunnersHandler(cfg.Runners, cfg.Transport, cfg.Logger)
	deviceTokensHandler := NewDeviceTokensHandler(cfg.DeviceTokens, cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// The runner WebSocket upgrade is public at the HTTP layer — a runner
		// process authenticates over the socket via its hello frame's shared
		// secret, not a JWT, since it has no interactive login step.
		r.Get("/runners/ws", runnersHandler.ServeWS)

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/users/me", usersHandler.GetMe)

			// Runs
			r.Post("/run", runsHandler.Start)
			r.Get("/run", runsHandler.List)
			r.Get("/run/{id}", runsHandler.Get)
			r.Post("/run/{id}/cancel", runsHandler.Cancel)
			r.Get("/stream/runs/{id}", runsHandler.Stream)

			// Runners
			r.Get("/runners", runnersHandler.List)
			r.Post("/runners", runnersHandler.Create)
			r.Delete("/runners/{id}", runnersHandler.Revoke)

			// Device tokens
			r.Post("/devices/tokens", deviceTokensHandler.Create)
			r.Get("/devices/tokens", deviceTokensHandler.List)
			r.Delete("/devices/tokens/{id}", deviceTokensHandler.Revoke)
		})
	})

	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/conductorhq/conductor/server/internal/api"
	"github.com/conductorhq/conductor/server/internal/auth"
	"github.com/conductorhq/conductor/server/internal/chatprovider"
	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/eventstore"
	"github.com/conductorhq/conductor/server/internal/jobqueue"
	"github.com/conductorhq/conductor/server/internal/repository"
	"github.com/conductorhq/conductor/server/internal/runnerauth"
	"github.com/conductorhq/conductor/server/internal/runnertransport"
	"github.com/conductorhq/conductor/server/internal/streamassembler"
	"github.com/conductorhq/conductor/server/internal/supervisor"
	"github.com/conductorhq/conductor/server/internal/workerdispatcher"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	logLevel      string
	dataDir       string
	secureCookies bool
	stepCeiling   int
	queuePollSecs int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "conductor-server",
		Short: "Conductor server — durable agent run orchestration",
		Long: `Conductor server drives ReAct-style agent runs to completion across
process restarts, streams their event timeline over SSE, and dispatches
tool calls to remote runners over a WebSocket transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CONDUCTOR_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CONDUCTOR_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CONDUCTOR_DB_DSN", "./conductor.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONDUCTOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CONDUCTOR_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("CONDUCTOR_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")
	root.PersistentFlags().IntVar(&cfg.stepCeiling, "step-ceiling", envOrDefaultInt("CONDUCTOR_STEP_CEILING", supervisor.DefaultStepCeiling), "Maximum reason-act steps before a run is forced to fail")
	root.PersistentFlags().IntVar(&cfg.queuePollSecs, "queue-poll-seconds", envOrDefaultInt("CONDUCTOR_QUEUE_POLL_SECONDS", 30), "Interval between job queue stale-reclaim/metrics sweeps")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting conductor server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	dialect := cfg.dbDriver
	if dialect == "" {
		dialect = "sqlite"
	}
	gormDB, err := db.New(db.Config{
		Driver:   dialect,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Repositories ---
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	threadRepo := repository.NewThreadRepository(gormDB)
	runRepo := repository.NewRunRepository(gormDB)
	runnerRepo := repository.NewRunnerRepository(gormDB)
	deviceTokenRepo := repository.NewDeviceTokenRepository(gormDB)

	// --- 3. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, refreshTokenRepo, jwtManager)

	// --- 4. Stream Assembler + Event Store ---
	hub := streamassembler.NewHub()
	go hub.Run(ctx)

	events := eventstore.New(gormDB, hub, logger)
	assembler := streamassembler.New(events, hub, logger)

	// --- 5. Runner Transport ---
	runnerAuth := runnerauth.New(runnerRepo, logger)
	transport := runnertransport.NewManager(runnerAuth, runnerAuth, logger)
	go transport.Run(ctx)

	// --- 6. Worker Dispatcher + Supervisor Engine ---
	dispatcher := workerdispatcher.New(gormDB, events, transport, logger)
	registry := supervisor.NewRegistry(supervisor.NewNoteTool())
	engine := supervisor.New(gormDB, events, dispatcher, chatprovider.Unconfigured{}, logger, cfg.stepCeiling)

	// --- 7. Job Queue ---
	queue := jobqueue.New(gormDB, dialect, logger)
	stopQueueSweep := startQueueSweep(ctx, queue, logger, time.Duration(cfg.queuePollSecs)*time.Second)
	defer stopQueueSweep()

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:  authService,
		Logger:       logger,
		Users:        userRepo,
		Threads:      threadRepo,
		Runs:         runRepo,
		Runners:      runnerRepo,
		DeviceTokens: deviceTokenRepo,
		Engine:       engine,
		Registry:     registry,
		Assembler:    assembler,
		Transport:    transport,
		Secure:       cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WS connections are long-lived; bounded by ctx/client disconnect instead
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down conductor server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("conductor server stopped")
	return nil
}

// startQueueSweep runs ReclaimStale and RefreshDepthMetrics on a ticker until
// ctx is cancelled, returning a func that blocks until the sweep goroutine
// has exited.
func startQueueSweep(ctx context.Context, queue *jobqueue.Queue, logger *zap.Logger, interval time.Duration) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := queue.ReclaimStale(ctx); err != nil {
					logger.Warn("queue sweep: reclaim stale failed", zap.Error(err))
				}
				if err := queue.RefreshDepthMetrics(ctx); err != nil {
					logger.Warn("queue sweep: refresh depth metrics failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { <-done }
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "conductor-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("conductor-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}

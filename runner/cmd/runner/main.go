// Package main is the entry point for the conductor-runner binary.
// It wires the connection manager and executor together and runs until
// SIGINT/SIGTERM.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Resolve runner identity (flag, or the last one cached in --state-dir)
//  4. Build executor (command validator + shell exec)
//  5. Build connection manager (WebSocket client)
//  6. Start executor worker and connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/runner/internal/connection"
	"github.com/conductorhq/conductor/runner/internal/executor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL    string
	runnerID     string
	secret       string
	capabilities string
	stateDir     string
	logLevel     string
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
		Use:   "conductor-runner",
		Short: "Conductor runner — executes dispatched commands on behalf of a conductor server",
		Long: `Conductor runner connects to a conductor server over a persistent
WebSocket, advertises its execution capabilities, and runs whatever commands
the server dispatches to it, reporting exit code, stdout, and stderr back
over the same connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server", envOrDefault("CONDUCTOR_SERVER", "ws://localhost:8080"), "Conductor server address")
	root.PersistentFlags().StringVar(&cfg.runnerID, "runner-id", envOrDefault("CONDUCTOR_RUNNER_ID", ""), "Runner ID issued by POST /api/v1/runners (falls back to the last one cached in --state-dir)")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("CONDUCTOR_RUNNER_SECRET", ""), "Runner secret issued alongside the runner ID")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("CONDUCTOR_RUNNER_CAPABILITIES", "exec.readonly"), "Comma-separated capability list (exec.readonly, exec.full, docker)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("CONDUCTOR_STATE_DIR", defaultStateDir()), "Directory for runner state (runner-state.json)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONDUCTOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	runnerID := cfg.runnerID
	if runnerID == "" {
		runnerID = connection.LoadRunnerID(cfg.stateDir)
	}
	if runnerID == "" {
		return fmt.Errorf("--runner-id (or CONDUCTOR_RUNNER_ID) is required: register a runner with POST /api/v1/runners first")
	}
	if cfg.secret == "" {
		return fmt.Errorf("--secret (or CONDUCTOR_RUNNER_SECRET) is required")
	}

	capabilities := splitCapabilities(cfg.capabilities)

	logger.Info("starting conductor runner",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("runner_id", runnerID),
		zap.Strings("capabilities", capabilities),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Executor ---
	exec := executor.New(capabilities, logger)

	// --- Connection manager ---
	mgr := connection.New(connection.Config{
		ServerURL:    cfg.serverURL,
		RunnerID:     runnerID,
		Secret:       cfg.secret,
		Capabilities: capabilities,
		StateDir:     cfg.stateDir,
		Version:      version,
	}, exec, logger)

	// --- Start ---
	// The executor worker and connection manager run concurrently. Both
	// respect ctx cancellation for graceful shutdown.
	go exec.Run(ctx, mgr)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("conductor runner stopped")
	return nil
}

func splitCapabilities(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.conductor-runner"
	}
	return ".conductor-runner"
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

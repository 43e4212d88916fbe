// Package main is the CLI entry point for devgram, a Telegram front-end
// for a long-lived code-assistant agent.
//
// Start the bot:
//
//	devgram serve --config devgram.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/devgram/devgram/internal/claude"
	"github.com/devgram/devgram/internal/commands"
	"github.com/devgram/devgram/internal/config"
	"github.com/devgram/devgram/internal/observability"
	"github.com/devgram/devgram/internal/ratelimit"
	"github.com/devgram/devgram/internal/security"
	"github.com/devgram/devgram/internal/sessions"
	"github.com/devgram/devgram/internal/storage"
	"github.com/devgram/devgram/internal/telegram"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "devgram",
		Short:        "devgram - Telegram front-end for a code-assistant agent",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devgram %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Telegram bot",
		Long: `Start the bot: load configuration, connect to Telegram via long
polling, and run prompts against the configured agent back-end.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "devgram.yaml",
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting devgram",
		"version", version,
		"backend", cfg.Agent.Backend,
		"approved_directory", cfg.Security.ApprovedDirectory)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing is a no-op unless an OTLP endpoint is configured.
	traceCfg := observability.TraceConfig{
		ServiceName:    "devgram",
		ServiceVersion: version,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       true,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := observability.SetupTracing(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	var store *storage.Store
	if cfg.Storage.Path != "" {
		store, err = storage.Open(cfg.Storage.Path, logger)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
	}

	validator, err := security.NewValidator(cfg.Security.ApprovedDirectory)
	if err != nil {
		return fmt.Errorf("approved directory: %w", err)
	}

	manager := sessions.NewManager(cfg.Sessions.TTL, logger)
	procs := claude.NewProcessSupervisor(logger)
	monitor := claude.NewToolMonitor(validator, cfg.Agent.AllowedTools, cfg.Agent.DisallowedTools, logger)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(nil, procs.ActiveCount, manager.Count)
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer server.Close()
	}

	runner, err := buildRunner(cfg, procs, logger)
	if err != nil {
		return fmt.Errorf("build %s runner: %w", cfg.Agent.Backend, err)
	}

	facadeOpts := claude.FacadeOptions{
		Runner:    runner,
		Sessions:  manager,
		Validator: validator,
		Monitor:   monitor,
		Procs:     procs,
		Metrics:   metricsRecorder(metrics),
		Logger:    logger,
	}
	if store != nil {
		facadeOpts.Recorder = store
	}
	facade := claude.NewFacade(facadeOpts)

	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	registry := commands.NewRegistry(logger)
	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Warn("command watcher", "error", err)
		}
	}()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sessions.CleanupSchedule, func() {
		manager.CleanupExpired(ctx)
	}); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", cfg.Sessions.CleanupSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	bot, err := telegram.New(telegram.Options{
		Config:   cfg,
		Facade:   facade,
		Sessions: manager,
		Store:    store,
		Limiter:  limiter,
		Commands: registry,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	bot.Run(ctx)

	logger.Info("shutting down")
	procs.KillAll()
	return nil
}

func buildRunner(cfg *config.Config, procs *claude.ProcessSupervisor, logger *slog.Logger) (claude.Runner, error) {
	runnerCfg := claude.RunnerConfig{
		Binary:          cfg.Agent.Binary,
		Model:           cfg.Agent.Model,
		MaxTurns:        cfg.Agent.MaxTurns,
		Timeout:         cfg.Agent.Timeout,
		AllowedTools:    cfg.Agent.AllowedTools,
		DisallowedTools: cfg.Agent.DisallowedTools,
	}

	switch cfg.Agent.Backend {
	case "claude":
		return claude.NewCLIRunner(runnerCfg, procs, logger)
	case "cursor":
		return claude.NewCursorRunner(runnerCfg, procs, logger)
	case "api":
		return claude.NewSDKRunner(claude.SDKConfig{
			APIKey:    cfg.Agent.APIKey,
			BaseURL:   cfg.Agent.BaseURL,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.APIMaxTokens,
			Timeout:   cfg.Agent.Timeout,
		}, procs, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Agent.Backend)
	}
}

// metricsRecorder avoids a typed-nil interface when metrics are disabled.
func metricsRecorder(m *observability.Metrics) claude.MetricsRecorder {
	if m == nil {
		return nil
	}
	return m
}

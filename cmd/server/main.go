package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"payment-core/internal/config"
	"payment-core/internal/queue"
	"payment-core/internal/server"
	"payment-core/internal/telemetry"
	"payment-core/internal/worker"
	"payment-core/migrations"
)

var Version = "dev"

var (
	configPath string
	inMemory   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "payment-core",
		Short:         "Payment processing service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, json or toml)")

	serve := serveCmd()
	serve.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-process store instead of Postgres")

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if inMemory {
				cfg.InMemory = true
			}
			defer logger.Sync()
			cfg.LogSafeConfig(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.ServiceVersion, cfg.OTLPEndpoint, logger)
			if err != nil {
				return fmt.Errorf("failed to init tracing: %w", err)
			}

			serverInstance, port, err := server.StartServer(cfg)
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			logger.Info("Server started successfully", zap.String("port", port))

			<-ctx.Done()

			// Create context with timeout for shutdown
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := serverInstance.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Warn("Failed to flush traces", zap.Error(err))
			}
			logger.Info("Server stopped")
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.RedisURL == "" {
				return fmt.Errorf("%s_REDIS_URL is required to run the worker", config.EnvPrefix)
			}

			redisOpt, asynqCfg, err := queue.ServerConfig(cfg.RedisURL, cfg.WorkerConcurrency, logger)
			if err != nil {
				return err
			}

			metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
			mux := asynq.NewServeMux()
			worker.NewWebhookProcessor(cfg.WebhookSecret, cfg.WebhookTimeout, metrics, logger).Register(mux)

			srv := asynq.NewServer(redisOpt, asynqCfg)
			if err := srv.Start(mux); err != nil {
				return fmt.Errorf("failed to start worker: %w", err)
			}
			logger.Info("Worker started", zap.Int("concurrency", cfg.WorkerConcurrency))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			srv.Shutdown()
			logger.Info("Worker stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			db, err := server.OpenDatabase(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			return migrations.Apply(ctx, db, logger)
		},
	}
}

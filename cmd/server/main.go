package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/config"
	"github.com/brojonat/kinclient/service/db"
	"github.com/brojonat/kinclient/service/metrics"
	natspkg "github.com/brojonat/kinclient/service/nats"
	"github.com/brojonat/kinclient/service/relay"
	"github.com/brojonat/kinclient/service/server"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"environment", cfg.Environment.Name,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to Horizon and check it serves the configured network
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	kin, err := client.Dial(dialCtx, cfg.Environment,
		client.WithLogger(logger),
		client.WithMetrics(m),
		client.WithTimeout(cfg.HTTPTimeout),
		client.WithBackOff(func() backoff.BackOff {
			return blockchain.NewExponentialBackOff(cfg.ListenerInitialBackoff, cfg.ListenerMaxBackoff, cfg.ListenerMaxReconnects)
		}),
	)
	dialCancel()
	if err != nil {
		logger.Error("failed to connect to horizon", "horizon", cfg.Environment.HorizonURL, "error", err)
		os.Exit(1)
	}
	logger.Info("connected to horizon", "horizon", cfg.Environment.HorizonURL)

	// The archive lives in Postgres when configured, in memory otherwise
	var store db.Repository
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		applied, err := db.Migrate(ctx, dbPool)
		if err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database", "migrations", applied)
		store = db.NewStore(dbPool, m)
	} else {
		logger.Warn("DATABASE_URL not set, watched addresses and payments are kept in memory")
		store = db.NewMemoryStore()
	}

	publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger, m)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	subscriber, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create NATS subscriber", "error", err)
		os.Exit(1)
	}

	rly := relay.New(cfg.Environment.Name, kin.PaymentsListener(), store,
		relay.WithPublisher(publisher),
		relay.WithLogger(logger),
		relay.WithMetrics(m),
	)
	if err := rly.Start(ctx); err != nil {
		logger.Error("failed to start relay", "error", err)
		os.Exit(1)
	}
	defer rly.Close()

	httpServer := server.New(cfg.ServerAddr, kin, rly, subscriber, m, logger)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}
		if err := rly.Close(); err != nil {
			logger.Warn("relay closed with error", "error", err)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

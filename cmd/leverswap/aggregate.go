package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leverswap/internal/config"
	"leverswap/internal/stats"
	"leverswap/internal/storage/postgres"
)

func runAggregate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAggregate(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Input == "" {
		return fmt.Errorf("input path is required")
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	windowDuration, err := time.ParseDuration(cfg.Window)
	if err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	windowSeconds := uint64(windowDuration.Seconds())
	if windowSeconds == 0 {
		return fmt.Errorf("window must be at least 1s")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	agg := stats.NewAggregator(stats.Config{
		WindowSeconds: windowSeconds,
		BatchSize:     cfg.BatchSize,
	}, store, logger)

	logger.Info("aggregate start",
		zap.String("input", cfg.Input),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Uint64("window_seconds", windowSeconds),
		zap.Int("batch_size", cfg.BatchSize),
	)

	return agg.Run(ctx, cfg.Input)
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}

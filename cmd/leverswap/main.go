package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"leverswap/internal/config"
	"leverswap/internal/model"
	"leverswap/internal/oracle"
	"leverswap/internal/replay"
	"leverswap/internal/storage"
	"leverswap/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "leverswap",
		Short:        "Leveraged AMM replay engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay an action journal through the engines",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("actions", "", "input action journal JSONL")
	replayCmd.Flags().String("out", "./data/events.jsonl", "output engine events JSONL")
	replayCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	replayCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	replayCmd.Flags().Int("batch-size", 1000, "events per storage batch")
	replayCmd.Flags().String("pg-dsn", "", "optional Postgres DSN for snapshots")
	replayCmd.Flags().String("state-name", "replay", "replay state row name")
	replayCmd.Flags().String("owner", "0x0000000000000000000000000000000000000001", "pair admin address")
	replayCmd.Flags().String("custody", "0x0000000000000000000000000000000000000002", "collateral custody address")
	replayCmd.Flags().String("fund", "0x0000000000000000000000000000000000000003", "insurance fund address")
	replayCmd.Flags().String("feed-rpc", "", "optional RPC endpoint for an on-chain index price feed")
	replayCmd.Flags().String("feed-contract", "", "feed contract address (with --feed-rpc)")
	replayCmd.Flags().Duration("feed-ttl", 30*time.Second, "feed answer cache TTL")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate engine events into window metrics",
		RunE:  runAggregate,
	}

	aggregateCmd.Flags().String("in", "", "input engine events JSONL")
	aggregateCmd.Flags().String("window", "5m", "aggregation window (e.g. 1m, 5m, 1h)")
	aggregateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	aggregateCmd.Flags().Int("batch-size", 1000, "batch size for DB writes")
	aggregateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(aggregateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Actions == "" {
		return fmt.Errorf("actions path is required")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	owner, err := parseAddress(cfg.Owner, "owner")
	if err != nil {
		return err
	}
	custody, err := parseAddress(cfg.Custody, "custody")
	if err != nil {
		return err
	}
	fund, err := parseAddress(cfg.Fund, "fund")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *postgres.Store
	if cfg.PGDSN != "" {
		store, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
	}

	env := replay.NewEnvironment(owner, custody, fund, logger)
	if cfg.FeedRPC != "" {
		contract, err := parseAddress(cfg.FeedContract, "feed contract")
		if err != nil {
			return err
		}
		chainFeed, err := oracle.NewChainFeed(ctx, cfg.FeedRPC, contract, cfg.FeedTTL)
		if err != nil {
			return fmt.Errorf("connect feed rpc: %w", err)
		}
		defer chainFeed.Close()
		env.UseFeed(chainFeed)
		logger.Info("chain price feed enabled",
			zap.String("contract", contract.Hex()),
			zap.Duration("ttl", cfg.FeedTTL))
	}
	storageSink := storage.NewJsonlStorage(cfg.Out)

	runner := replay.NewRunner(replay.RunConfig{
		ActionsPath:       cfg.Actions,
		BatchSize:         cfg.BatchSize,
		CheckpointPath:    cfg.Checkpoint,
		CheckpointEnabled: cfg.CheckpointEnabled,
	}, env, storageSink, logger)

	logger.Info("replay start",
		zap.String("actions", cfg.Actions),
		zap.String("out", cfg.Out),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("checkpoint_enabled", cfg.CheckpointEnabled),
		zap.String("checkpoint", cfg.Checkpoint),
		zap.Bool("postgres", store != nil),
	)

	if err := runner.Run(ctx); err != nil {
		return err
	}

	if store != nil {
		return exportSnapshots(ctx, env, runner, store, cfg.StateName, logger)
	}
	return nil
}

func exportSnapshots(
	ctx context.Context,
	env *replay.Environment,
	runner *replay.Runner,
	store *postgres.Store,
	stateName string,
	logger *zap.Logger,
) error {
	pools := env.Pools()
	snapshots := make([]model.PoolSnapshot, 0, len(pools))
	seq := runner.LastApplied()
	at := uint64(env.Now().Unix())
	for _, pool := range pools {
		snapshots = append(snapshots, replay.SnapshotPool(pool, seq, at))
	}

	if err := store.UpsertPoolSnapshots(ctx, snapshots); err != nil {
		return fmt.Errorf("upsert snapshots: %w", err)
	}
	if err := store.SaveState(ctx, stateName, seq); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	logger.Info("snapshots exported",
		zap.Int("pools", len(snapshots)),
		zap.Uint64("last_seq", seq),
	)
	return nil
}

func parseAddress(value, name string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address: %s", name, value)
	}
	return common.HexToAddress(value), nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

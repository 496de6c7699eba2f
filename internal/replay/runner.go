package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"leverswap/internal/model"
	"leverswap/internal/storage"
)

// RunConfig holds runtime settings for the replay loop.
type RunConfig struct {
	ActionsPath       string
	BatchSize         int
	CheckpointPath    string
	CheckpointEnabled bool
}

// Runner streams journal actions through the environment and writes the
// resulting events to storage in batches.
type Runner struct {
	cfg        RunConfig
	env        *Environment
	storage    storage.Storage
	logger     *zap.Logger
	checkpoint *CheckpointStore
	lastSeq    uint64
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, env *Environment, storageSink storage.Storage, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		env:        env,
		storage:    storageSink,
		logger:     logger,
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled),
	}
}

// LastApplied reports the highest journal sequence applied by Run.
func (r *Runner) LastApplied() uint64 { return r.lastSeq }

// Run executes the replay loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.env == nil {
		return fmt.Errorf("environment is nil")
	}
	if r.storage == nil {
		return fmt.Errorf("storage is nil")
	}
	if r.cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}

	var resume uint64
	if r.checkpoint != nil {
		cp, ok, err := r.checkpoint.Load()
		if err != nil {
			return err
		}
		if ok {
			resume = cp.LastAppliedSeq
			r.logger.Info("resume from checkpoint", zap.Uint64("last_applied", resume))
		}
	}
	r.lastSeq = resume

	file, err := os.Open(r.cfg.ActionsPath)
	if err != nil {
		return fmt.Errorf("open actions file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		batch    []model.EngineEvent
		applied  int
		rejected int
		lineNo   int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.storage.PutEventBatch(batch); err != nil {
			return fmt.Errorf("store events: %w", err)
		}
		if r.checkpoint != nil {
			if err := r.checkpoint.Save(r.lastSeq); err != nil {
				return err
			}
		}
		r.logger.Info("batch complete",
			zap.Int("events", len(batch)),
			zap.Uint64("last_seq", r.lastSeq))
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var action model.Action
		if err := json.Unmarshal(line, &action); err != nil {
			return fmt.Errorf("parse action line %d: %w", lineNo, err)
		}
		if action.Seq <= resume {
			continue
		}

		r.env.AdvanceTo(action.At)
		event := r.env.Apply(action)
		if event.Status == model.StatusApplied {
			applied++
		} else {
			rejected++
		}
		r.lastSeq = action.Seq
		batch = append(batch, event)

		if len(batch) >= r.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read actions file: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	r.logger.Info("replay complete",
		zap.Int("applied", applied),
		zap.Int("rejected", rejected),
		zap.Uint64("last_seq", r.lastSeq))
	return nil
}

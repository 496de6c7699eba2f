package stats

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"leverswap/internal/model"
)

// MetricsSink receives finished window rows.
type MetricsSink interface {
	UpsertWindowMetrics(ctx context.Context, metrics []model.PoolWindowMetrics) error
}

// Config controls aggregation behavior.
type Config struct {
	WindowSeconds uint64
	BatchSize     int
}

// Aggregator folds an engine events JSONL file into pool window metrics.
type Aggregator struct {
	cfg          Config
	sink         MetricsSink
	logger       *zap.Logger
	accumulators map[string]*Accumulator
}

func NewAggregator(cfg Config, sink MetricsSink, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:          cfg,
		sink:         sink,
		logger:       logger,
		accumulators: make(map[string]*Accumulator),
	}
}

// Run executes aggregation over an engine events JSONL file.
func (a *Aggregator) Run(ctx context.Context, inputPath string) error {
	if a.sink == nil {
		return fmt.Errorf("sink is nil")
	}
	if a.cfg.WindowSeconds == 0 {
		return fmt.Errorf("window seconds must be > 0")
	}
	if a.cfg.BatchSize <= 0 {
		a.cfg.BatchSize = 1000
	}

	file, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	batch := make([]model.PoolWindowMetrics, 0, a.cfg.BatchSize)
	var total, windows, skipped, failed int

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		total++

		var event model.EngineEvent
		if err := json.Unmarshal(line, &event); err != nil {
			failed++
			a.logger.Warn("decode event", zap.Error(err))
			continue
		}
		if event.Pool == "" {
			skipped++
			continue
		}

		windowStart := event.At - (event.At % a.cfg.WindowSeconds)
		windowEnd := windowStart + a.cfg.WindowSeconds

		key := strings.ToLower(event.Pool)
		acc := a.accumulators[key]
		if acc == nil {
			acc = NewAccumulator(event.Pool, windowStart, windowEnd)
			a.accumulators[key] = acc
		} else if acc.WindowStart != windowStart {
			batch = append(batch, acc.Metrics(int64(a.cfg.WindowSeconds)))
			windows++
			acc = NewAccumulator(event.Pool, windowStart, windowEnd)
			a.accumulators[key] = acc
		}

		if err := acc.AddEvent(event); err != nil {
			failed++
			a.logger.Warn("aggregate event",
				zap.Error(err),
				zap.String("pool", event.Pool),
				zap.String("op", event.Op))
			continue
		}

		if len(batch) >= a.cfg.BatchSize {
			if err := a.sink.UpsertWindowMetrics(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}

	for _, acc := range a.accumulators {
		batch = append(batch, acc.Metrics(int64(a.cfg.WindowSeconds)))
		windows++
	}
	a.accumulators = make(map[string]*Accumulator)

	if len(batch) > 0 {
		if err := a.sink.UpsertWindowMetrics(ctx, batch); err != nil {
			return err
		}
	}

	a.logger.Info("aggregate complete",
		zap.Int("total", total),
		zap.Int("windows", windows),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)
	return nil
}

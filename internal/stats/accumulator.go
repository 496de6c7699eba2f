// Package stats folds engine events into per-pool window metrics.
package stats

import (
	"fmt"
	"math/big"

	"leverswap/internal/model"
)

// Accumulator holds running totals for one pool window.
type Accumulator struct {
	Pool        string
	WindowStart uint64
	WindowEnd   uint64

	SwapCount        uint64
	OpenCount        uint64
	CloseCount       uint64
	LiquidationCount uint64
	RejectedCount    uint64
	Volume0          *big.Int
	Volume1          *big.Int
}

func NewAccumulator(pool string, windowStart, windowEnd uint64) *Accumulator {
	return &Accumulator{
		Pool:        pool,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Volume0:     big.NewInt(0),
		Volume1:     big.NewInt(0),
	}
}

// AddEvent folds one engine event into the window. Rejected events only bump
// the rejection counter; open, close and liquidate each carry one pool swap.
func (a *Accumulator) AddEvent(event model.EngineEvent) error {
	if event.Status == model.StatusRejected {
		a.RejectedCount++
		return nil
	}

	if err := absAdd(a.Volume0, event.Amount0); err != nil {
		return fmt.Errorf("amount0: %w", err)
	}
	if err := absAdd(a.Volume1, event.Amount1); err != nil {
		return fmt.Errorf("amount1: %w", err)
	}

	switch event.Op {
	case model.OpOpen, model.OpOpenExactOut:
		a.OpenCount++
		a.SwapCount++
	case model.OpClose, model.OpCloseExactOut:
		a.CloseCount++
		a.SwapCount++
	case model.OpLiquidate:
		a.LiquidationCount++
		a.SwapCount++
	}
	return nil
}

// Metrics exports the window totals as a storage row.
func (a *Accumulator) Metrics(windowSizeSecs int64) model.PoolWindowMetrics {
	return model.PoolWindowMetrics{
		Pool:             a.Pool,
		WindowSizeSecs:   windowSizeSecs,
		WindowStart:      a.WindowStart,
		WindowEnd:        a.WindowEnd,
		SwapCount:        a.SwapCount,
		Volume0:          a.Volume0.String(),
		Volume1:          a.Volume1.String(),
		OpenCount:        a.OpenCount,
		CloseCount:       a.CloseCount,
		LiquidationCount: a.LiquidationCount,
		RejectedCount:    a.RejectedCount,
	}
}

func absAdd(target *big.Int, value string) error {
	if value == "" {
		return nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return fmt.Errorf("invalid int: %s", value)
	}
	target.Add(target, parsed.Abs(parsed))
	return nil
}

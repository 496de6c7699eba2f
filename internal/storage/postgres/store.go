// Package postgres persists replay output: engine events, pool snapshots,
// window metrics, and the replay progress marker.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leverswap/internal/model"
)

// Store provides Postgres persistence for replay output.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertPoolSnapshots inserts or updates per-pool accounting snapshots.
func (s *Store) UpsertPoolSnapshots(ctx context.Context, snapshots []model.PoolSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(`
			INSERT INTO pool_snapshots (
				pool_address, token0, token1, fee, tick_spacing,
				sqrt_price, tick, liquidity,
				fee_growth0, fee_growth1, ig0, ig1, ig0_div_sqrt_price, ig1_mul_sqrt_price,
				base_amount0, base_amount1, protocol_fees0, protocol_fees1,
				taken_at_seq, taken_at, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,now(),now())
			ON CONFLICT (pool_address)
			DO UPDATE SET
				sqrt_price = EXCLUDED.sqrt_price,
				tick = EXCLUDED.tick,
				liquidity = EXCLUDED.liquidity,
				fee_growth0 = EXCLUDED.fee_growth0,
				fee_growth1 = EXCLUDED.fee_growth1,
				ig0 = EXCLUDED.ig0,
				ig1 = EXCLUDED.ig1,
				ig0_div_sqrt_price = EXCLUDED.ig0_div_sqrt_price,
				ig1_mul_sqrt_price = EXCLUDED.ig1_mul_sqrt_price,
				base_amount0 = EXCLUDED.base_amount0,
				base_amount1 = EXCLUDED.base_amount1,
				protocol_fees0 = EXCLUDED.protocol_fees0,
				protocol_fees1 = EXCLUDED.protocol_fees1,
				taken_at_seq = EXCLUDED.taken_at_seq,
				taken_at = EXCLUDED.taken_at,
				updated_at = now()
		`,
			snap.Pool,
			snap.Token0,
			snap.Token1,
			snap.Fee,
			snap.TickSpacing,
			snap.SqrtPrice,
			snap.Tick,
			snap.Liquidity,
			snap.FeeGrowth0,
			snap.FeeGrowth1,
			snap.IG0,
			snap.IG1,
			snap.IG0DivSqrtPrice,
			snap.IG1MulSqrtPrice,
			snap.BaseAmount0,
			snap.BaseAmount1,
			snap.ProtocolFees0,
			snap.ProtocolFees1,
			int64(snap.TakenAtSeq),
			int64(snap.TakenAt),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range snapshots {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertWindowMetrics inserts or updates window metrics.
func (s *Store) UpsertWindowMetrics(ctx context.Context, metrics []model.PoolWindowMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(`
			INSERT INTO pool_window_metrics (
				pool_address, window_size_seconds, window_start_ts, window_end_ts,
				swap_count, volume0, volume1,
				open_count, close_count, liquidation_count, rejected_count,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
			ON CONFLICT (pool_address, window_size_seconds, window_start_ts)
			DO UPDATE SET
				window_end_ts = EXCLUDED.window_end_ts,
				swap_count = EXCLUDED.swap_count,
				volume0 = EXCLUDED.volume0,
				volume1 = EXCLUDED.volume1,
				open_count = EXCLUDED.open_count,
				close_count = EXCLUDED.close_count,
				liquidation_count = EXCLUDED.liquidation_count,
				rejected_count = EXCLUDED.rejected_count,
				updated_at = now()
		`,
			m.Pool,
			m.WindowSizeSecs,
			int64(m.WindowStart),
			int64(m.WindowEnd),
			int64(m.SwapCount),
			m.Volume0,
			m.Volume1,
			int64(m.OpenCount),
			int64(m.CloseCount),
			int64(m.LiquidationCount),
			int64(m.RejectedCount),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range metrics {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadState returns the last applied journal sequence for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var seq uint64
	row := s.pool.QueryRow(ctx, `SELECT last_applied_seq FROM replay_state WHERE name=$1`, name)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return seq, true, nil
}

// SaveState upserts the last applied journal sequence for a name.
func (s *Store) SaveState(ctx context.Context, name string, seq uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replay_state (name, last_applied_seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_applied_seq = EXCLUDED.last_applied_seq, updated_at = now()
	`, name, seq)
	return err
}

package model

// PoolSnapshot is the exportable accounting state of one pool, taken after a
// replay run. Big integers travel as decimal strings.
type PoolSnapshot struct {
	Pool        string `json:"pool"`
	Token0      string `json:"token0"`
	Token1      string `json:"token1"`
	Fee         uint32 `json:"fee"`
	TickSpacing int    `json:"tick_spacing"`

	SqrtPrice string `json:"sqrt_price"`
	Tick      int    `json:"tick"`
	Liquidity string `json:"liquidity"`

	FeeGrowth0      string `json:"fee_growth0"`
	FeeGrowth1      string `json:"fee_growth1"`
	IG0             string `json:"ig0"`
	IG1             string `json:"ig1"`
	IG0DivSqrtPrice string `json:"ig0_div_sqrt_price"`
	IG1MulSqrtPrice string `json:"ig1_mul_sqrt_price"`

	BaseAmount0   string `json:"base_amount0"`
	BaseAmount1   string `json:"base_amount1"`
	ProtocolFees0 string `json:"protocol_fees0"`
	ProtocolFees1 string `json:"protocol_fees1"`

	TakenAtSeq uint64 `json:"taken_at_seq"`
	TakenAt    uint64 `json:"taken_at"`
}

// PoolWindowMetrics is one aggregation row: engine activity for a pool over a
// fixed time window.
type PoolWindowMetrics struct {
	Pool           string `json:"pool"`
	WindowSizeSecs int64  `json:"window_size_seconds"`
	WindowStart    uint64 `json:"window_start_ts"`
	WindowEnd      uint64 `json:"window_end_ts"`

	SwapCount        uint64 `json:"swap_count"`
	Volume0          string `json:"volume0"`
	Volume1          string `json:"volume1"`
	OpenCount        uint64 `json:"open_count"`
	CloseCount       uint64 `json:"close_count"`
	LiquidationCount uint64 `json:"liquidation_count"`
	RejectedCount    uint64 `json:"rejected_count"`
}

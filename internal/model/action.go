// Package model holds the serializable records of the replay journal: the
// actions fed into the engines, the events they emit, and the snapshot and
// metrics rows written to storage.
package model

// Action op kinds accepted by the replay journal.
const (
	OpCreatePool    = "create_pool"
	OpConfigurePair = "configure_pair"
	OpFund          = "fund"
	OpSetPrice      = "set_price"
	OpAddLiquidity  = "add_liquidity"
	OpOpen          = "open"
	OpOpenExactOut  = "open_exact_out"
	OpClose         = "close"
	OpCloseExactOut = "close_exact_out"
	OpAddCollateral = "add_collateral"
	OpRepay         = "repay"
	OpLiquidate     = "liquidate"
)

// Action is one journal line: a single instruction against the engines.
// Fields beyond Seq, At and Op are op-specific; unused ones stay empty.
type Action struct {
	Seq uint64 `json:"seq"`
	At  uint64 `json:"at"`
	Op  string `json:"op"`

	Pool      string   `json:"pool,omitempty"`
	Trader    string   `json:"trader,omitempty"`
	Account   string   `json:"account,omitempty"`
	Token     string   `json:"token,omitempty"`
	Direction bool     `json:"direction,omitempty"`
	Margin    string   `json:"margin,omitempty"`
	Size      string   `json:"size,omitempty"`
	Amount    string   `json:"amount,omitempty"`
	Path      []string `json:"path,omitempty"`

	Token0      string `json:"token0,omitempty"`
	Token1      string `json:"token1,omitempty"`
	Fee         uint32 `json:"fee,omitempty"`
	TickSpacing int    `json:"tick_spacing,omitempty"`
	SqrtPrice   string `json:"sqrt_price,omitempty"`

	TickLower int    `json:"tick_lower,omitempty"`
	TickUpper int    `json:"tick_upper,omitempty"`
	Owner     string `json:"owner,omitempty"`

	MinMarginBps   uint32 `json:"min_margin_bps,omitempty"`
	MaintenanceBps uint32 `json:"maintenance_bps,omitempty"`
	PenaltyBps     uint32 `json:"penalty_bps,omitempty"`
	DiscountBps    uint32 `json:"discount_bps,omitempty"`
	RatePerSecond  string `json:"rate_per_second,omitempty"`
}

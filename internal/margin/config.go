package margin

import (
	"errors"

	"leverswap/internal/lend"
	"leverswap/internal/oracle"
)

// ratioPrecision is the basis-point denominator for every configured ratio.
const ratioPrecision = 10_000

var ErrBadPairConfig = errors.New("margin: invalid pair config")

// PairConfig is the admin-set trading policy for one pool. Replaced
// wholesale by ConfigurePair, never partially mutated by trading.
type PairConfig struct {
	Enabled bool

	// MinMarginBps is the floor on margin/size at open.
	MinMarginBps uint32
	// MaintenanceBps is the haircut applied to collateral value in the
	// health factor.
	MaintenanceBps uint32

	// Model prices borrows for both sides of the pool.
	Model lend.RateModel

	// PenaltyBps is the liquidation penalty taken from closed collateral.
	PenaltyBps uint32
	// DiscountBps prices the liquidator's collateral payout below index.
	DiscountBps uint32

	// Feed overrides the ledger's default price feed when non-nil.
	Feed oracle.PriceFeed
}

func (c *PairConfig) validate() error {
	if c.MaintenanceBps == 0 || c.MaintenanceBps >= ratioPrecision {
		return ErrBadPairConfig
	}
	if c.MinMarginBps == 0 || c.MinMarginBps > ratioPrecision {
		return ErrBadPairConfig
	}
	if c.PenaltyBps >= ratioPrecision || c.DiscountBps >= ratioPrecision {
		return ErrBadPairConfig
	}
	if c.Model == nil {
		return ErrBadPairConfig
	}
	return nil
}

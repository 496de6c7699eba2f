package amm

import (
	"errors"
	"math/big"

	"leverswap/internal/fixedpoint"
)

var (
	ErrLiquidityUnderflow = errors.New("amm: liquidity underflow")
	ErrLiquidityOverflow  = errors.New("amm: liquidity exceeds per-tick maximum")
)

// InterestGrowth carries the four per-liquidity interest accumulators. The
// raw pair tracks growth in each side's own base units; the price-weighted
// pair lets position accounting recover price-denominated interest regardless
// of how the price moved between accrual events.
type InterestGrowth struct {
	IG0             fixedpoint.X128
	IG1             fixedpoint.X128
	IG0DivSqrtPrice fixedpoint.X128
	IG1MulSqrtPrice fixedpoint.X128
}

func (g *InterestGrowth) addWrap(d *InterestGrowth) {
	g.IG0.AddWrap(&d.IG0)
	g.IG1.AddWrap(&d.IG1)
	g.IG0DivSqrtPrice.AddWrap(&d.IG0DivSqrtPrice)
	g.IG1MulSqrtPrice.AddWrap(&d.IG1MulSqrtPrice)
}

func (g *InterestGrowth) subWrap(d *InterestGrowth) InterestGrowth {
	return InterestGrowth{
		IG0:             g.IG0.SubWrap(&d.IG0),
		IG1:             g.IG1.SubWrap(&d.IG1),
		IG0DivSqrtPrice: g.IG0DivSqrtPrice.SubWrap(&d.IG0DivSqrtPrice),
		IG1MulSqrtPrice: g.IG1MulSqrtPrice.SubWrap(&d.IG1MulSqrtPrice),
	}
}

func (g *InterestGrowth) flipAgainst(global *InterestGrowth) {
	g.IG0.FlipAgainst(&global.IG0)
	g.IG1.FlipAgainst(&global.IG1)
	g.IG0DivSqrtPrice.FlipAgainst(&global.IG0DivSqrtPrice)
	g.IG1MulSqrtPrice.FlipAgainst(&global.IG1MulSqrtPrice)
}

// TickInfo is the per-tick accounting record. A tick is initialized exactly
// when liquidityGross is nonzero; the *Outside fields are snapshots relative
// to the current tick and are flipped whenever the tick is crossed.
type TickInfo struct {
	LiquidityGross        *big.Int
	LiquidityNet          *big.Int
	FeeGrowthOutside0     fixedpoint.X128
	FeeGrowthOutside1     fixedpoint.X128
	InterestOutside       InterestGrowth
	SecondsOutside        uint64
	TickCumulativeOutside int64
	Initialized           bool
}

func newTickInfo() *TickInfo {
	return &TickInfo{
		LiquidityGross: new(big.Int),
		LiquidityNet:   new(big.Int),
	}
}

func (t *TickInfo) clone() *TickInfo {
	c := *t
	c.LiquidityGross = new(big.Int).Set(t.LiquidityGross)
	c.LiquidityNet = new(big.Int).Set(t.LiquidityNet)
	return &c
}

// tickLedger holds the initialized-tick accounting keyed by tick index.
type tickLedger map[int]*TickInfo

func (l tickLedger) get(tick int) *TickInfo {
	if info, ok := l[tick]; ok {
		return info
	}
	return newTickInfo()
}

// update applies a liquidity delta to one boundary of a range. Returns true
// when the tick flipped between initialized and uninitialized.
func (l tickLedger) update(
	tick, currentTick int,
	liquidityDelta *big.Int,
	feeGrowth0, feeGrowth1 *fixedpoint.X128,
	interest *InterestGrowth,
	nowUnix uint64,
	tickCumulative int64,
	upper bool,
	maxLiquidityPerTick *big.Int,
) (bool, error) {
	info := l.get(tick)

	grossAfter := new(big.Int).Add(info.LiquidityGross, liquidityDelta)
	if grossAfter.Sign() < 0 {
		return false, ErrLiquidityUnderflow
	}
	if grossAfter.Cmp(maxLiquidityPerTick) > 0 {
		return false, ErrLiquidityOverflow
	}

	flipped := (grossAfter.Sign() == 0) != (info.LiquidityGross.Sign() == 0)

	if info.LiquidityGross.Sign() == 0 {
		// First liquidity on this tick: by convention all prior growth
		// happened below it.
		if tick <= currentTick {
			info.FeeGrowthOutside0 = *feeGrowth0
			info.FeeGrowthOutside1 = *feeGrowth1
			info.InterestOutside = *interest
			info.SecondsOutside = nowUnix
			info.TickCumulativeOutside = tickCumulative
		}
		info.Initialized = true
	}

	info.LiquidityGross = grossAfter
	if upper {
		info.LiquidityNet = new(big.Int).Sub(info.LiquidityNet, liquidityDelta)
	} else {
		info.LiquidityNet = new(big.Int).Add(info.LiquidityNet, liquidityDelta)
	}

	l[tick] = info
	return flipped, nil
}

func (l tickLedger) clear(tick int) {
	delete(l, tick)
}

// cross flips the tick's outside snapshots against the current global values
// and returns the net liquidity to apply. Crossing twice restores every
// snapshot (involution).
func (l tickLedger) cross(
	tick int,
	feeGrowth0, feeGrowth1 *fixedpoint.X128,
	interest *InterestGrowth,
	nowUnix uint64,
	tickCumulative int64,
) *big.Int {
	info := l.get(tick)
	info.FeeGrowthOutside0.FlipAgainst(feeGrowth0)
	info.FeeGrowthOutside1.FlipAgainst(feeGrowth1)
	info.InterestOutside.flipAgainst(interest)
	info.SecondsOutside = nowUnix - info.SecondsOutside
	info.TickCumulativeOutside = tickCumulative - info.TickCumulativeOutside
	l[tick] = info
	return info.LiquidityNet
}

// feeGrowthInside computes the all-time fee growth within [lower, upper] as
// global minus the growth outside each boundary, with wrapping arithmetic.
func (l tickLedger) feeGrowthInside(
	lower, upper, currentTick int,
	feeGrowthGlobal0, feeGrowthGlobal1 *fixedpoint.X128,
) (fixedpoint.X128, fixedpoint.X128) {
	lowerInfo := l.get(lower)
	upperInfo := l.get(upper)

	var below0, below1 fixedpoint.X128
	if currentTick >= lower {
		below0 = lowerInfo.FeeGrowthOutside0
		below1 = lowerInfo.FeeGrowthOutside1
	} else {
		below0 = feeGrowthGlobal0.SubWrap(&lowerInfo.FeeGrowthOutside0)
		below1 = feeGrowthGlobal1.SubWrap(&lowerInfo.FeeGrowthOutside1)
	}

	var above0, above1 fixedpoint.X128
	if currentTick < upper {
		above0 = upperInfo.FeeGrowthOutside0
		above1 = upperInfo.FeeGrowthOutside1
	} else {
		above0 = feeGrowthGlobal0.SubWrap(&upperInfo.FeeGrowthOutside0)
		above1 = feeGrowthGlobal1.SubWrap(&upperInfo.FeeGrowthOutside1)
	}

	inside0 := feeGrowthGlobal0.SubWrap(&below0)
	inside0 = inside0.SubWrap(&above0)
	inside1 := feeGrowthGlobal1.SubWrap(&below1)
	inside1 = inside1.SubWrap(&above1)
	return inside0, inside1
}

// interestGrowthInside mirrors feeGrowthInside for the four interest
// accumulators.
func (l tickLedger) interestGrowthInside(
	lower, upper, currentTick int,
	global *InterestGrowth,
) InterestGrowth {
	lowerInfo := l.get(lower)
	upperInfo := l.get(upper)

	var below InterestGrowth
	if currentTick >= lower {
		below = lowerInfo.InterestOutside
	} else {
		below = global.subWrap(&lowerInfo.InterestOutside)
	}

	var above InterestGrowth
	if currentTick < upper {
		above = upperInfo.InterestOutside
	} else {
		above = global.subWrap(&upperInfo.InterestOutside)
	}

	inside := global.subWrap(&below)
	return inside.subWrap(&above)
}

// addLiquidityDelta applies a signed delta to an unsigned liquidity amount.
func addLiquidityDelta(x, delta *big.Int) (*big.Int, error) {
	out := new(big.Int).Add(x, delta)
	if out.Sign() < 0 {
		return nil, ErrLiquidityUnderflow
	}
	return out, nil
}

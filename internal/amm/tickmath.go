package amm

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

// Price grid bounds: tick t maps to price 1.0001^t, so sqrt prices span
// [MinSqrtRatio, MaxSqrtRatio] over [MinTick, MaxTick].
const (
	MinTick = -887272
	MaxTick = 887272
)

var (
	ErrTickRange      = errors.New("amm: tick outside usable range")
	ErrSqrtPriceRange = errors.New("amm: sqrt price outside usable range")
)

// MinSqrtRatio is the Q64.96 sqrt price at MinTick.
var MinSqrtRatio = uint256.NewInt(4295128739)

// MaxSqrtRatio is the Q64.96 sqrt price at MaxTick.
var MaxSqrtRatio = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

// sqrtRatioSteps[i] is floor(2^128 / sqrt(1.0001)^(2^i)), the Q128 multiplier
// applied when bit i of |tick| is set.
var sqrtRatioSteps = [20]*uint256.Int{
	uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
}

var (
	uint256Max = new(uint256.Int).Not(uint256.NewInt(0))
	uint160Max = uint256.MustFromHex("0xffffffffffffffffffffffffffffffffffffffff")
	lowMask32  = new(uint256.Int).Lsh(uint256.NewInt(1), 32)
	qOne128    = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
)

// SqrtRatioAtTick returns sqrt(1.0001^tick) in Q64.96, computed by walking
// the bits of |tick| against the precomputed Q128 step table.
func SqrtRatioAtTick(tick int) (fixedpoint.Q96, error) {
	if tick < MinTick || tick > MaxTick {
		return fixedpoint.Q96{}, ErrTickRange
	}

	absTick := uint64(tick)
	if tick < 0 {
		absTick = uint64(-tick)
	}

	ratio := new(uint256.Int).Set(qOne128)
	if absTick&1 != 0 {
		ratio.Set(sqrtRatioSteps[0])
	}
	for i := 1; i < len(sqrtRatioSteps); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, sqrtRatioSteps[i])
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Div(uint256Max, ratio)
	}

	// Q128 -> Q96, rounding up so the result round-trips through
	// TickAtSqrtRatio.
	var rem uint256.Int
	rem.Mod(ratio, lowMask32)
	ratio.Rsh(ratio, 32)
	if !rem.IsZero() {
		ratio.AddUint64(ratio, 1)
	}
	ratio.And(ratio, uint160Max)
	return fixedpoint.NewQ96(ratio), nil
}

// TickAtSqrtRatio returns the largest tick whose sqrt ratio does not exceed
// sqrtPrice. Resolved by bisection over the tick range; ~21 iterations,
// deterministic.
func TickAtSqrtRatio(sqrtPrice *fixedpoint.Q96) (int, error) {
	if sqrtPrice.Int.Lt(MinSqrtRatio) || !sqrtPrice.Int.Lt(MaxSqrtRatio) {
		return 0, ErrSqrtPriceRange
	}

	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := (lo + hi + 1) / 2 // rounds toward hi; lo/hi may be negative but sum stays in range
		ratio, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if ratio.Cmp(sqrtPrice) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// TickSpacingToMaxLiquidityPerTick bounds per-tick gross liquidity so that
// summing every initialized tick cannot overflow 128 bits.
func TickSpacingToMaxLiquidityPerTick(tickSpacing int) *big.Int {
	minUsable := (MinTick / tickSpacing) * tickSpacing
	maxUsable := (MaxTick / tickSpacing) * tickSpacing
	numTicks := int64((maxUsable-minUsable)/tickSpacing) + 1

	maxUint128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	return maxUint128.Quo(maxUint128, big.NewInt(numTicks))
}

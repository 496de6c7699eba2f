package amm

import (
	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

// feePipsDenominator expresses swap fees in hundredths of a basis point.
const feePipsDenominator = 1_000_000

// computeSwapStep advances the price from current toward target, bounded by
// the remaining amount, and returns the realized price together with the
// input consumed, output produced and fee charged for the step. amountRemaining
// is a magnitude; exactIn selects which side it bounds.
func computeSwapStep(
	current, target *fixedpoint.Q96,
	liquidity *uint256.Int,
	amountRemaining *uint256.Int,
	exactIn bool,
	feePips uint32,
) (next fixedpoint.Q96, amountIn, amountOut, feeAmount *uint256.Int, err error) {
	zeroForOne := current.Cmp(target) >= 0
	amountIn = new(uint256.Int)
	amountOut = new(uint256.Int)
	feeAmount = new(uint256.Int)

	feeComplement := uint256.NewInt(uint64(feePipsDenominator - feePips))
	feeDenominator := uint256.NewInt(feePipsDenominator)

	if exactIn {
		remainingLessFee, mdErr := fixedpoint.MulDiv(amountRemaining, feeComplement, feeDenominator)
		if mdErr != nil {
			err = mdErr
			return
		}
		if zeroForOne {
			amountIn, err = amount0Delta(target, current, liquidity, true)
		} else {
			amountIn, err = amount1Delta(current, target, liquidity, true)
		}
		if err != nil {
			return
		}
		if !remainingLessFee.Lt(amountIn) {
			next = fixedpoint.NewQ96(&target.Int)
		} else {
			next, err = nextSqrtPriceFromInput(current, liquidity, remainingLessFee, zeroForOne)
			if err != nil {
				return
			}
		}
	} else {
		if zeroForOne {
			amountOut, err = amount1Delta(target, current, liquidity, false)
		} else {
			amountOut, err = amount0Delta(current, target, liquidity, false)
		}
		if err != nil {
			return
		}
		if !amountRemaining.Lt(amountOut) {
			next = fixedpoint.NewQ96(&target.Int)
		} else {
			next, err = nextSqrtPriceFromOutput(current, liquidity, amountRemaining, zeroForOne)
			if err != nil {
				return
			}
		}
	}

	reachedTarget := target.Cmp(&next) == 0

	if zeroForOne {
		if !(reachedTarget && exactIn) {
			amountIn, err = amount0Delta(&next, current, liquidity, true)
			if err != nil {
				return
			}
		}
		if !(reachedTarget && !exactIn) {
			amountOut, err = amount1Delta(&next, current, liquidity, false)
			if err != nil {
				return
			}
		}
	} else {
		if !(reachedTarget && exactIn) {
			amountIn, err = amount1Delta(current, &next, liquidity, true)
			if err != nil {
				return
			}
		}
		if !(reachedTarget && !exactIn) {
			amountOut, err = amount0Delta(current, &next, liquidity, false)
			if err != nil {
				return
			}
		}
	}

	// Exact-output never pays out more than requested.
	if !exactIn && amountOut.Gt(amountRemaining) {
		amountOut.Set(amountRemaining)
	}

	if exactIn && !reachedTarget {
		// The whole remainder is consumed; whatever the curve did not
		// absorb is the fee.
		feeAmount.Sub(amountRemaining, amountIn)
	} else {
		feeAmount, err = fixedpoint.MulDivUp(amountIn, uint256.NewInt(uint64(feePips)), feeComplement)
		if err != nil {
			return
		}
	}
	return
}

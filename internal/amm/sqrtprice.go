package amm

import (
	"errors"

	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

var (
	ErrPriceUnderflow = errors.New("amm: price step underflows")
	ErrZeroLiquidity  = errors.New("amm: zero liquidity")
)

// nextSqrtPriceFromAmount0 returns the price after adding (or removing)
// amount of token0 at the given liquidity. Moving token0 in pushes the price
// down; the result is rounded up so the pool never undercharges.
func nextSqrtPriceFromAmount0(sqrtPrice *fixedpoint.Q96, liquidity, amount *uint256.Int, add bool) (fixedpoint.Q96, error) {
	if amount.IsZero() {
		return fixedpoint.NewQ96(&sqrtPrice.Int), nil
	}
	if liquidity.IsZero() {
		return fixedpoint.Q96{}, ErrZeroLiquidity
	}

	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	product := new(uint256.Int)
	denominator := new(uint256.Int)
	if _, overflow := product.MulOverflow(amount, &sqrtPrice.Int); overflow {
		// Fall back to the rearranged exact form L<<96 / (L<<96/sqrtP + amount).
		denominator.Div(numerator1, &sqrtPrice.Int)
		if add {
			denominator.Add(denominator, amount)
		} else {
			if denominator.Lt(amount) {
				return fixedpoint.Q96{}, ErrPriceUnderflow
			}
			denominator.Sub(denominator, amount)
		}
		next, err := fixedpoint.DivUp(numerator1, denominator)
		if err != nil {
			return fixedpoint.Q96{}, err
		}
		return fixedpoint.NewQ96(next), nil
	}

	if add {
		denominator.Add(numerator1, product)
	} else {
		if numerator1.Lt(product) || numerator1.Eq(product) {
			return fixedpoint.Q96{}, ErrPriceUnderflow
		}
		denominator.Sub(numerator1, product)
	}

	next, err := fixedpoint.MulDivUp(numerator1, &sqrtPrice.Int, denominator)
	if err != nil {
		return fixedpoint.Q96{}, err
	}
	return fixedpoint.NewQ96(next), nil
}

// nextSqrtPriceFromAmount1 returns the price after adding (or removing)
// amount of token1. Moving token1 in pushes the price up; the result is
// rounded down.
func nextSqrtPriceFromAmount1(sqrtPrice *fixedpoint.Q96, liquidity, amount *uint256.Int, add bool) (fixedpoint.Q96, error) {
	if liquidity.IsZero() {
		return fixedpoint.Q96{}, ErrZeroLiquidity
	}

	if add {
		quotient, err := fixedpoint.MulDiv(amount, fixedpoint.QOne96, liquidity)
		if err != nil {
			return fixedpoint.Q96{}, err
		}
		next := new(uint256.Int).Add(&sqrtPrice.Int, quotient)
		return fixedpoint.NewQ96(next), nil
	}

	quotient, err := fixedpoint.MulDivUp(amount, fixedpoint.QOne96, liquidity)
	if err != nil {
		return fixedpoint.Q96{}, err
	}
	if !quotient.Lt(&sqrtPrice.Int) {
		return fixedpoint.Q96{}, ErrPriceUnderflow
	}
	next := new(uint256.Int).Sub(&sqrtPrice.Int, quotient)
	return fixedpoint.NewQ96(next), nil
}

// nextSqrtPriceFromInput returns the price after consuming amountIn of the
// input asset for the given swap direction.
func nextSqrtPriceFromInput(sqrtPrice *fixedpoint.Q96, liquidity, amountIn *uint256.Int, zeroForOne bool) (fixedpoint.Q96, error) {
	if zeroForOne {
		return nextSqrtPriceFromAmount0(sqrtPrice, liquidity, amountIn, true)
	}
	return nextSqrtPriceFromAmount1(sqrtPrice, liquidity, amountIn, true)
}

// nextSqrtPriceFromOutput returns the price after producing amountOut of the
// output asset for the given swap direction.
func nextSqrtPriceFromOutput(sqrtPrice *fixedpoint.Q96, liquidity, amountOut *uint256.Int, zeroForOne bool) (fixedpoint.Q96, error) {
	if zeroForOne {
		return nextSqrtPriceFromAmount1(sqrtPrice, liquidity, amountOut, false)
	}
	return nextSqrtPriceFromAmount0(sqrtPrice, liquidity, amountOut, false)
}

// amount0Delta returns the token0 amount between two sqrt prices at the given
// liquidity: L * (sqrtB - sqrtA) / (sqrtA * sqrtB).
func amount0Delta(sqrtA, sqrtB *fixedpoint.Q96, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	lower, upper := sqrtA, sqrtB
	if lower.Cmp(upper) > 0 {
		lower, upper = upper, lower
	}
	if lower.IsZero() {
		return nil, ErrSqrtPriceRange
	}

	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(&upper.Int, &lower.Int)

	if roundUp {
		interim, err := fixedpoint.MulDivUp(numerator1, numerator2, &upper.Int)
		if err != nil {
			return nil, err
		}
		return fixedpoint.DivUp(interim, &lower.Int)
	}
	interim, err := fixedpoint.MulDiv(numerator1, numerator2, &upper.Int)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(interim, &lower.Int), nil
}

// amount1Delta returns the token1 amount between two sqrt prices at the given
// liquidity: L * (sqrtB - sqrtA).
func amount1Delta(sqrtA, sqrtB *fixedpoint.Q96, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	lower, upper := sqrtA, sqrtB
	if lower.Cmp(upper) > 0 {
		lower, upper = upper, lower
	}

	diff := new(uint256.Int).Sub(&upper.Int, &lower.Int)
	if roundUp {
		return fixedpoint.MulDivUp(liquidity, diff, fixedpoint.QOne96)
	}
	return fixedpoint.MulDiv(liquidity, diff, fixedpoint.QOne96)
}

package amm

import (
	"testing"

	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

func mustSqrtRatio(t *testing.T, tick int) fixedpoint.Q96 {
	t.Helper()
	ratio, err := SqrtRatioAtTick(tick)
	if err != nil {
		t.Fatalf("SqrtRatioAtTick(%d): %v", tick, err)
	}
	return ratio
}

func TestComputeSwapStepExactInNotReachingTarget(t *testing.T) {
	current := mustSqrtRatio(t, 0)
	target := mustSqrtRatio(t, -1000)
	liquidity := uint256.NewInt(2_000_000_000)
	remaining := uint256.NewInt(1_000)

	next, amountIn, amountOut, fee, err := computeSwapStep(&current, &target, liquidity, remaining, true, 3000)
	if err != nil {
		t.Fatalf("computeSwapStep: %v", err)
	}
	if next.Cmp(&target) == 0 {
		t.Fatal("small input should not reach the target price")
	}
	// The whole remainder splits between curve input and fee.
	total := new(uint256.Int).Add(amountIn, fee)
	if !total.Eq(remaining) {
		t.Fatalf("amountIn+fee = %s, want %s", total.Dec(), remaining.Dec())
	}
	if amountOut.IsZero() {
		t.Fatal("expected nonzero output")
	}
	if !amountOut.Lt(remaining) {
		t.Fatalf("output %s should be below input %s for this direction", amountOut.Dec(), remaining.Dec())
	}
}

func TestComputeSwapStepExactInReachingTarget(t *testing.T) {
	current := mustSqrtRatio(t, 0)
	target := mustSqrtRatio(t, -60)
	liquidity := uint256.NewInt(1_000_000)
	remaining := uint256.NewInt(100_000_000)

	next, amountIn, _, fee, err := computeSwapStep(&current, &target, liquidity, remaining, true, 3000)
	if err != nil {
		t.Fatalf("computeSwapStep: %v", err)
	}
	if next.Cmp(&target) != 0 {
		t.Fatal("large input should push the price to the target")
	}
	total := new(uint256.Int).Add(amountIn, fee)
	if !total.Lt(remaining) {
		t.Fatal("reaching the target must not consume the full remainder")
	}
	// fee = ceil(amountIn * pips / (1e6 - pips))
	wantFee, err := fixedpoint.MulDivUp(amountIn, uint256.NewInt(3000), uint256.NewInt(997000))
	if err != nil {
		t.Fatalf("fee recompute: %v", err)
	}
	if !fee.Eq(wantFee) {
		t.Fatalf("fee = %s, want %s", fee.Dec(), wantFee.Dec())
	}
}

func TestComputeSwapStepExactOutClamped(t *testing.T) {
	current := mustSqrtRatio(t, 0)
	target := mustSqrtRatio(t, -6000)
	liquidity := uint256.NewInt(1_000_000_000)
	remaining := uint256.NewInt(500)

	next, _, amountOut, _, err := computeSwapStep(&current, &target, liquidity, remaining, false, 500)
	if err != nil {
		t.Fatalf("computeSwapStep: %v", err)
	}
	if next.Cmp(&target) == 0 {
		t.Fatal("small requested output should not reach the target")
	}
	if amountOut.Gt(remaining) {
		t.Fatalf("output %s exceeds the requested %s", amountOut.Dec(), remaining.Dec())
	}
}

func TestComputeSwapStepZeroFee(t *testing.T) {
	current := mustSqrtRatio(t, 0)
	target := mustSqrtRatio(t, 60)
	liquidity := uint256.NewInt(10_000_000)
	remaining := uint256.NewInt(1_000)

	_, _, _, fee, err := computeSwapStep(&current, &target, liquidity, remaining, true, 0)
	if err != nil {
		t.Fatalf("computeSwapStep: %v", err)
	}
	if !fee.IsZero() {
		t.Fatalf("zero-fee step charged %s", fee.Dec())
	}
}

func TestNextSqrtPriceRounding(t *testing.T) {
	price := mustSqrtRatio(t, 0)
	liquidity := uint256.NewInt(1_000_000)

	// Adding token0 rounds the price up (less favorable to the swapper).
	down, err := nextSqrtPriceFromAmount0(&price, liquidity, uint256.NewInt(7), true)
	if err != nil {
		t.Fatalf("amount0 add: %v", err)
	}
	if !down.Int.Lt(&price.Int) {
		t.Fatal("adding token0 must push the price down")
	}

	// Adding token1 rounds down and pushes the price up.
	up, err := nextSqrtPriceFromAmount1(&price, liquidity, uint256.NewInt(7), true)
	if err != nil {
		t.Fatalf("amount1 add: %v", err)
	}
	if !up.Int.Gt(&price.Int) {
		t.Fatal("adding token1 must push the price up")
	}
}

func TestAmountDeltasRoundTrip(t *testing.T) {
	lower := mustSqrtRatio(t, -1200)
	upper := mustSqrtRatio(t, 1200)
	liquidity := uint256.NewInt(5_000_000)

	a0up, err := amount0Delta(&lower, &upper, liquidity, true)
	if err != nil {
		t.Fatalf("amount0Delta: %v", err)
	}
	a0down, err := amount0Delta(&lower, &upper, liquidity, false)
	if err != nil {
		t.Fatalf("amount0Delta: %v", err)
	}
	diff := new(uint256.Int).Sub(a0up, a0down)
	if diff.GtUint64(1) {
		t.Fatalf("rounding gap %s, want at most 1", diff.Dec())
	}

	a1, err := amount1Delta(&lower, &upper, liquidity, false)
	if err != nil {
		t.Fatalf("amount1Delta: %v", err)
	}
	if a1.IsZero() || a0down.IsZero() {
		t.Fatal("symmetric range must require both assets")
	}
}

package amm

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

func x128(v uint64) fixedpoint.X128 {
	return fixedpoint.NewX128(uint256.NewInt(v))
}

func TestTickUpdateInitializesBelowCurrent(t *testing.T) {
	ticks := make(tickLedger)
	maxLiq := TickSpacingToMaxLiquidityPerTick(1)

	fee0, fee1 := x128(100), x128(200)
	interest := InterestGrowth{IG0: x128(7), IG1: x128(9)}

	flipped, err := ticks.update(-10, 0, big.NewInt(1000), &fee0, &fee1, &interest, 50, 0, false, maxLiq)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !flipped {
		t.Fatal("first liquidity must flip the tick")
	}

	info := ticks.get(-10)
	if !info.Initialized {
		t.Fatal("tick not marked initialized")
	}
	// Tick at or below current: all prior growth snapshots as outside.
	if info.FeeGrowthOutside0.Int.Cmp(&fee0.Int) != 0 {
		t.Fatalf("fee outside = %s, want %s", info.FeeGrowthOutside0.Int.Dec(), fee0.Int.Dec())
	}
	if info.InterestOutside.IG0.Int.Cmp(&interest.IG0.Int) != 0 {
		t.Fatal("interest outside snapshot missing")
	}
	if info.SecondsOutside != 50 {
		t.Fatalf("seconds outside = %d, want 50", info.SecondsOutside)
	}
}

func TestTickUpdateAboveCurrentKeepsZeroSnapshots(t *testing.T) {
	ticks := make(tickLedger)
	maxLiq := TickSpacingToMaxLiquidityPerTick(1)
	fee0, fee1 := x128(100), x128(200)
	var interest InterestGrowth

	if _, err := ticks.update(10, 0, big.NewInt(1000), &fee0, &fee1, &interest, 50, 0, true, maxLiq); err != nil {
		t.Fatalf("update: %v", err)
	}
	info := ticks.get(10)
	if !info.FeeGrowthOutside0.IsZero() {
		t.Fatal("tick above current must start with zero outside growth")
	}
	if info.LiquidityNet.Cmp(big.NewInt(-1000)) != 0 {
		t.Fatalf("upper boundary net liquidity = %s, want -1000", info.LiquidityNet)
	}
}

func TestTickUpdateEnforcesMaxLiquidity(t *testing.T) {
	ticks := make(tickLedger)
	fee0, fee1 := x128(0), x128(0)
	var interest InterestGrowth

	if _, err := ticks.update(0, 0, big.NewInt(100), &fee0, &fee1, &interest, 0, 0, false, big.NewInt(99)); err != ErrLiquidityOverflow {
		t.Fatalf("err = %v, want ErrLiquidityOverflow", err)
	}
	if _, err := ticks.update(0, 0, big.NewInt(-1), &fee0, &fee1, &interest, 0, 0, false, big.NewInt(1000)); err != ErrLiquidityUnderflow {
		t.Fatalf("err = %v, want ErrLiquidityUnderflow", err)
	}
}

func TestTickCrossInvolution(t *testing.T) {
	ticks := make(tickLedger)
	maxLiq := TickSpacingToMaxLiquidityPerTick(1)
	fee0, fee1 := x128(11), x128(22)
	interest := InterestGrowth{
		IG0:             x128(1),
		IG1:             x128(2),
		IG0DivSqrtPrice: x128(3),
		IG1MulSqrtPrice: x128(4),
	}

	if _, err := ticks.update(5, 10, big.NewInt(500), &fee0, &fee1, &interest, 100, 1000, false, maxLiq); err != nil {
		t.Fatalf("update: %v", err)
	}
	before := ticks.get(5).clone()

	globalFee0, globalFee1 := x128(40), x128(60)
	globalInterest := InterestGrowth{
		IG0:             x128(10),
		IG1:             x128(20),
		IG0DivSqrtPrice: x128(30),
		IG1MulSqrtPrice: x128(41),
	}

	net := ticks.cross(5, &globalFee0, &globalFee1, &globalInterest, 300, 9000)
	if net.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("cross returned net %s, want 500", net)
	}
	ticks.cross(5, &globalFee0, &globalFee1, &globalInterest, 300, 9000)

	after := ticks.get(5)
	if after.FeeGrowthOutside0.Int.Cmp(&before.FeeGrowthOutside0.Int) != 0 ||
		after.FeeGrowthOutside1.Int.Cmp(&before.FeeGrowthOutside1.Int) != 0 {
		t.Fatal("double cross did not restore fee snapshots")
	}
	if after.InterestOutside.IG0.Int.Cmp(&before.InterestOutside.IG0.Int) != 0 ||
		after.InterestOutside.IG1MulSqrtPrice.Int.Cmp(&before.InterestOutside.IG1MulSqrtPrice.Int) != 0 {
		t.Fatal("double cross did not restore interest snapshots")
	}
	if after.SecondsOutside != before.SecondsOutside {
		t.Fatalf("seconds outside = %d, want %d", after.SecondsOutside, before.SecondsOutside)
	}
	if after.TickCumulativeOutside != before.TickCumulativeOutside {
		t.Fatal("tick cumulative snapshot not restored")
	}
}

func TestFeeGrowthInsideActiveRange(t *testing.T) {
	ticks := make(tickLedger)
	maxLiq := TickSpacingToMaxLiquidityPerTick(1)
	var zero fixedpoint.X128
	var interest InterestGrowth

	if _, err := ticks.update(-10, 0, big.NewInt(100), &zero, &zero, &interest, 0, 0, false, maxLiq); err != nil {
		t.Fatalf("update lower: %v", err)
	}
	if _, err := ticks.update(10, 0, big.NewInt(100), &zero, &zero, &interest, 0, 0, true, maxLiq); err != nil {
		t.Fatalf("update upper: %v", err)
	}

	global0, global1 := x128(1000), x128(2000)
	inside0, inside1 := ticks.feeGrowthInside(-10, 10, 0, &global0, &global1)
	if inside0.Int.Cmp(&global0.Int) != 0 || inside1.Int.Cmp(&global1.Int) != 0 {
		t.Fatal("all growth should be inside a range containing the current tick")
	}

	// Current tick below the range: no growth inside.
	inside0, _ = ticks.feeGrowthInside(-10, 10, -20, &global0, &global1)
	if !inside0.IsZero() {
		t.Fatalf("growth inside = %s, want 0", inside0.Int.Dec())
	}
}

package amm

import (
	"testing"

	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

func TestSqrtRatioAtTickKnownValues(t *testing.T) {
	atZero, err := SqrtRatioAtTick(0)
	if err != nil {
		t.Fatalf("SqrtRatioAtTick(0): %v", err)
	}
	if atZero.Int.Cmp(fixedpoint.QOne96) != 0 {
		t.Fatalf("tick 0 sqrt ratio = %s, want 2^96", atZero.Int.Dec())
	}

	atMin, err := SqrtRatioAtTick(MinTick)
	if err != nil {
		t.Fatalf("SqrtRatioAtTick(MinTick): %v", err)
	}
	if atMin.Int.Cmp(MinSqrtRatio) != 0 {
		t.Fatalf("min tick sqrt ratio = %s, want %s", atMin.Int.Dec(), MinSqrtRatio.Dec())
	}

	atMax, err := SqrtRatioAtTick(MaxTick)
	if err != nil {
		t.Fatalf("SqrtRatioAtTick(MaxTick): %v", err)
	}
	if atMax.Int.Cmp(MaxSqrtRatio) != 0 {
		t.Fatalf("max tick sqrt ratio = %s, want %s", atMax.Int.Dec(), MaxSqrtRatio.Dec())
	}
}

func TestSqrtRatioAtTickRange(t *testing.T) {
	if _, err := SqrtRatioAtTick(MinTick - 1); err == nil {
		t.Fatal("expected error below MinTick")
	}
	if _, err := SqrtRatioAtTick(MaxTick + 1); err == nil {
		t.Fatal("expected error above MaxTick")
	}
}

func TestSqrtRatioMonotone(t *testing.T) {
	ticks := []int{MinTick, -500000, -100000, -1000, -1, 0, 1, 1000, 100000, 500000, MaxTick}
	var prev fixedpoint.Q96
	for i, tick := range ticks {
		ratio, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatalf("SqrtRatioAtTick(%d): %v", tick, err)
		}
		if i > 0 && ratio.Cmp(&prev) <= 0 {
			t.Fatalf("sqrt ratio not increasing at tick %d", tick)
		}
		prev = ratio
	}
}

func TestTickAtSqrtRatioRoundTrip(t *testing.T) {
	for _, tick := range []int{MinTick, -123456, -60, -1, 0, 1, 60, 123456, MaxTick - 1} {
		ratio, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatalf("SqrtRatioAtTick(%d): %v", tick, err)
		}
		back, err := TickAtSqrtRatio(&ratio)
		if err != nil {
			t.Fatalf("TickAtSqrtRatio(tick %d): %v", tick, err)
		}
		if back != tick {
			t.Fatalf("round trip for tick %d returned %d", tick, back)
		}
	}
}

func TestTickAtSqrtRatioBetweenTicks(t *testing.T) {
	// A price strictly between ticks 100 and 101 resolves to 100.
	at100, err := SqrtRatioAtTick(100)
	if err != nil {
		t.Fatalf("SqrtRatioAtTick(100): %v", err)
	}
	between := fixedpoint.NewQ96(new(uint256.Int).AddUint64(&at100.Int, 1))
	tick, err := TickAtSqrtRatio(&between)
	if err != nil {
		t.Fatalf("TickAtSqrtRatio: %v", err)
	}
	if tick != 100 {
		t.Fatalf("tick between 100 and 101 resolved to %d", tick)
	}
}

func TestTickAtSqrtRatioBounds(t *testing.T) {
	tooLow := fixedpoint.NewQ96(new(uint256.Int).SubUint64(MinSqrtRatio, 1))
	if _, err := TickAtSqrtRatio(&tooLow); err == nil {
		t.Fatal("expected error below MinSqrtRatio")
	}
	atMax := fixedpoint.NewQ96(MaxSqrtRatio)
	if _, err := TickAtSqrtRatio(&atMax); err == nil {
		t.Fatal("expected error at MaxSqrtRatio")
	}
}

func TestTickSpacingToMaxLiquidityPerTick(t *testing.T) {
	wide := TickSpacingToMaxLiquidityPerTick(60)
	narrow := TickSpacingToMaxLiquidityPerTick(1)
	if wide.Cmp(narrow) <= 0 {
		t.Fatal("wider spacing should allow more liquidity per tick")
	}
	if narrow.Sign() <= 0 {
		t.Fatal("max liquidity per tick must be positive")
	}
}

package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestMulDivRounding(t *testing.T) {
	a := uint256.NewInt(10)
	b := uint256.NewInt(10)
	d := uint256.NewInt(3)

	down, err := MulDiv(a, b, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if down.Uint64() != 33 {
		t.Fatalf("MulDiv rounded wrong: got %d want 33", down.Uint64())
	}

	up, err := MulDivUp(a, b, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.Uint64() != 34 {
		t.Fatalf("MulDivUp rounded wrong: got %d want 34", up.Uint64())
	}
}

func TestMulDivFullPrecision(t *testing.T) {
	// a*b overflows 256 bits but the quotient fits.
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	b := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 150)

	got, err := MulDiv(a, b, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	if !got.Eq(want) {
		t.Fatalf("MulDiv mismatch: got %s want %s", got, want)
	}
}

func TestMulDivErrors(t *testing.T) {
	one := uint256.NewInt(1)
	if _, err := MulDiv(one, one, uint256.NewInt(0)); err != ErrDivisionByZero {
		t.Fatalf("expected division-by-zero error, got %v", err)
	}

	max := new(uint256.Int).Not(uint256.NewInt(0))
	if _, err := MulDiv(max, uint256.NewInt(2), one); err != ErrOverflow {
		t.Fatalf("expected overflow error, got %v", err)
	}
}

func TestRayMulIdentity(t *testing.T) {
	one := One()
	x, err := RayFromBig(big.NewInt(123456789))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := RayMul(&x, &one)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(&x) != 0 {
		t.Fatalf("ray identity broken: %s != %s", got.Big(), x.Big())
	}
}

func TestRayDivRoundTrip(t *testing.T) {
	a, _ := RayFromBig(new(big.Int).Mul(big.NewInt(7), RayOne.ToBig()))
	b, _ := RayFromBig(new(big.Int).Mul(big.NewInt(2), RayOne.ToBig()))

	q, err := RayDiv(&a, &b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := RayMul(&q, &b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Cmp(&a) != 0 {
		t.Fatalf("ray round trip mismatch: %s != %s", back.Big(), a.Big())
	}
}

func TestX128WrappingFlip(t *testing.T) {
	global := NewX128(uint256.NewInt(1000))
	outside := NewX128(uint256.NewInt(400))

	flipped := outside
	flipped.FlipAgainst(&global)
	if flipped.Int.Uint64() != 600 {
		t.Fatalf("flip mismatch: got %d want 600", flipped.Int.Uint64())
	}

	flipped.FlipAgainst(&global)
	if flipped.Int.Cmp(&outside.Int) != 0 {
		t.Fatalf("double flip did not restore original")
	}
}

func TestX128SubWrap(t *testing.T) {
	// outside snapshot taken before the counter wrapped.
	snapshot := NewX128(uint256.NewInt(10))
	current := NewX128(uint256.NewInt(4))

	diff := current.SubWrap(&snapshot)
	expect := new(uint256.Int).Not(uint256.NewInt(5)) // -6 mod 2^256
	if diff.Int.Cmp(expect) != 0 {
		t.Fatalf("wrapping sub mismatch: got %s", diff.Int.Hex())
	}

	// and wrapping addition undoes it.
	diff.AddWrap(&snapshot)
	if diff.Int.Cmp(&current.Int) != 0 {
		t.Fatalf("wrap add did not restore counter")
	}
}

func TestGrowthPerLiquidityRoundTrip(t *testing.T) {
	amount := uint256.NewInt(5000)
	liquidity := uint256.NewInt(250)

	growth, err := GrowthPerLiquidity(amount, liquidity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := OwedFromGrowth(&growth, liquidity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Uint64() != 5000 {
		t.Fatalf("growth round trip mismatch: got %d want 5000", back.Uint64())
	}
}

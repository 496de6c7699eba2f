package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// The engine stores values at three fixed-point scales. Each scale gets its
// own type so a Q64.96 price can never be fed where a ray index is expected.
var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: result exceeds 256 bits")
)

var (
	// QOne96 is 2^96, the unit of the Q64.96 scale.
	QOne96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	// QOne128 is 2^128, the unit of the Q128 accumulator scale.
	QOne128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	// RayOne is 1e27, the unit of the ray scale.
	RayOne = uint256.MustFromDecimal("1000000000000000000000000000")

	halfRay = new(uint256.Int).Rsh(RayOne, 1)
)

// Q96 is an unsigned Q64.96 binary fixed-point value (square-root prices).
type Q96 struct {
	uint256.Int
}

// X128 is an unsigned Q128 per-liquidity growth accumulator. Accumulators are
// monotone counters whose differences are taken with wrapping arithmetic, so
// the raw value may legitimately wrap around 2^256.
type X128 struct {
	uint256.Int
}

// Ray is a 1e27-scaled decimal fixed-point value (interest indexes and rates).
type Ray struct {
	uint256.Int
}

// NewQ96 interprets x as an already-scaled Q64.96 value.
func NewQ96(x *uint256.Int) Q96 {
	var q Q96
	q.Set(x)
	return q
}

// Q96FromBig converts an already-scaled big integer. Negative or oversized
// inputs are rejected.
func Q96FromBig(x *big.Int) (Q96, error) {
	var q Q96
	if x == nil || x.Sign() < 0 {
		return q, ErrOverflow
	}
	if overflow := q.SetFromBig(x); overflow {
		return q, ErrOverflow
	}
	return q, nil
}

// Cmp compares two prices.
func (q *Q96) Cmp(other *Q96) int { return q.Int.Cmp(&other.Int) }

// Big returns the raw scaled value.
func (q *Q96) Big() *big.Int { return q.Int.ToBig() }

// NewX128 interprets x as an already-scaled Q128 value.
func NewX128(x *uint256.Int) X128 {
	var a X128
	a.Set(x)
	return a
}

// AddWrap accumulates a growth delta with wrapping semantics.
func (a *X128) AddWrap(delta *X128) {
	a.Int.Add(&a.Int, &delta.Int)
}

// SubWrap returns a - b under wrapping semantics. Growth owed between two
// snapshots stays correct even when the raw counter has wrapped.
func (a *X128) SubWrap(b *X128) X128 {
	var out X128
	out.Int.Sub(&a.Int, &b.Int)
	return out
}

// FlipAgainst replaces a with global - a, the outside-accumulator flip
// performed when a tick is crossed. Applying it twice restores the original.
func (a *X128) FlipAgainst(global *X128) {
	a.Int.Sub(&global.Int, &a.Int)
}

// Big returns the raw scaled value.
func (a *X128) Big() *big.Int { return a.Int.ToBig() }

// NewRay interprets x as an already-scaled ray value.
func NewRay(x *uint256.Int) Ray {
	var r Ray
	r.Set(x)
	return r
}

// RayFromBig converts an already-scaled big integer.
func RayFromBig(x *big.Int) (Ray, error) {
	var r Ray
	if x == nil || x.Sign() < 0 {
		return r, ErrOverflow
	}
	if overflow := r.SetFromBig(x); overflow {
		return r, ErrOverflow
	}
	return r, nil
}

// One returns the ray unit.
func One() Ray { return NewRay(RayOne) }

// Cmp compares two ray values.
func (r *Ray) Cmp(other *Ray) int { return r.Int.Cmp(&other.Int) }

// Big returns the raw scaled value.
func (r *Ray) Big() *big.Int { return r.Int.ToBig() }

// RayMul multiplies two ray values, rounding half up (the lending rounding
// convention; see nhb-style index math).
func RayMul(a, b *Ray) (Ray, error) {
	product := new(big.Int).Mul(a.Big(), b.Big())
	product.Add(product, halfRay.ToBig())
	product.Quo(product, RayOne.ToBig())
	return RayFromBig(product)
}

// RayDiv divides a by b at ray scale, rounding half up.
func RayDiv(a, b *Ray) (Ray, error) {
	if b.IsZero() {
		return Ray{}, ErrDivisionByZero
	}
	num := new(big.Int).Mul(a.Big(), RayOne.ToBig())
	num.Add(num, new(big.Int).Rsh(b.Big(), 1))
	num.Quo(num, b.Big())
	return RayFromBig(num)
}

// MulDiv computes a*b/denom at full 512-bit intermediate precision,
// truncating toward zero. Overflow of the 256-bit result is an error, never
// silent.
func MulDiv(a, b, denom *uint256.Int) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a.ToBig(), b.ToBig())
	product.Quo(product, denom.ToBig())
	out, overflow := uint256.FromBig(product)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulDivUp is MulDiv rounding the quotient up.
func MulDivUp(a, b, denom *uint256.Int) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a.ToBig(), b.ToBig())
	d := denom.ToBig()
	q, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	out, overflow := uint256.FromBig(q)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// DivUp divides a by b rounding up.
func DivUp(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	q := new(uint256.Int).Div(a, b)
	var rem uint256.Int
	rem.Mod(a, b)
	if !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// GrowthPerLiquidity converts a token amount into Q128 growth per unit of
// liquidity: amount * 2^128 / liquidity.
func GrowthPerLiquidity(amount, liquidity *uint256.Int) (X128, error) {
	out, err := MulDiv(amount, QOne128, liquidity)
	if err != nil {
		return X128{}, err
	}
	return NewX128(out), nil
}

// OwedFromGrowth converts a Q128 growth delta back into a token amount for
// the given liquidity: growth * liquidity / 2^128.
func OwedFromGrowth(growth *X128, liquidity *uint256.Int) (*uint256.Int, error) {
	return MulDiv(&growth.Int, liquidity, QOne128)
}

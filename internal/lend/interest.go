// Package lend accrues interest on the pools' outstanding borrows. Debt is
// held as shares of a RAY-scaled compounding index, so positions never need
// per-second writes; accrual advances the index and reports the interest paid
// as growth deltas for the pool's accumulators.
package lend

import (
	"math/big"

	"leverswap/internal/fixedpoint"
)

// RateModel maps utilization to a per-second borrow rate, both RAY-scaled.
type RateModel interface {
	RatePerSecond(utilization fixedpoint.Ray) fixedpoint.Ray
}

// ConstantModel charges a flat per-second rate regardless of utilization.
type ConstantModel struct {
	Rate fixedpoint.Ray
}

func (m ConstantModel) RatePerSecond(fixedpoint.Ray) fixedpoint.Ray {
	return m.Rate
}

// KinkedModel is the two-slope curve: below the kink the rate climbs from
// Base along Slope1; above it the remaining utilization is priced on Slope2.
type KinkedModel struct {
	Base   fixedpoint.Ray
	Slope1 fixedpoint.Ray
	Slope2 fixedpoint.Ray
	Kink   fixedpoint.Ray
}

func (m KinkedModel) RatePerSecond(utilization fixedpoint.Ray) fixedpoint.Ray {
	one := fixedpoint.One()
	if utilization.Cmp(&one) > 0 {
		utilization = one
	}

	if m.Kink.IsZero() || utilization.Cmp(&m.Kink) <= 0 {
		slope, err := rayMulDiv(&m.Slope1, &utilization, kinkOrOne(&m.Kink))
		if err != nil {
			return m.Base
		}
		return rayAdd(&m.Base, &slope)
	}

	excess := raySub(&utilization, &m.Kink)
	span := raySub(&one, &m.Kink)
	steep, err := rayMulDiv(&m.Slope2, &excess, &span)
	if err != nil {
		return m.Base
	}
	total := rayAdd(&m.Base, &m.Slope1)
	return rayAdd(&total, &steep)
}

func kinkOrOne(kink *fixedpoint.Ray) *fixedpoint.Ray {
	if kink.IsZero() {
		one := fixedpoint.One()
		return &one
	}
	return kink
}

func rayAdd(a, b *fixedpoint.Ray) fixedpoint.Ray {
	sum := new(big.Int).Add(a.Big(), b.Big())
	out, err := fixedpoint.RayFromBig(sum)
	if err != nil {
		return *a
	}
	return out
}

func raySub(a, b *fixedpoint.Ray) fixedpoint.Ray {
	diff := new(big.Int).Sub(a.Big(), b.Big())
	if diff.Sign() < 0 {
		return fixedpoint.Ray{}
	}
	out, _ := fixedpoint.RayFromBig(diff)
	return out
}

func rayMulDiv(a, b, denom *fixedpoint.Ray) (fixedpoint.Ray, error) {
	if denom.IsZero() {
		return fixedpoint.Ray{}, fixedpoint.ErrDivisionByZero
	}
	v := new(big.Int).Mul(a.Big(), b.Big())
	v.Quo(v, denom.Big())
	return fixedpoint.RayFromBig(v)
}

// CompoundedFactor approximates e^(rate * dt) with a 3-term binomial
// expansion over dt whole seconds:
//
//	1 + x*dt + x^2*dt*(dt-1)/2 + x^3*dt*(dt-1)*(dt-2)/6
//
// Deterministic and bounded-cost; dt == 0 yields the ray unit.
func CompoundedFactor(ratePerSecond *fixedpoint.Ray, dt uint64) (fixedpoint.Ray, error) {
	if dt == 0 {
		return fixedpoint.One(), nil
	}

	exp := new(big.Int).SetUint64(dt)
	expMinusOne := new(big.Int).SetUint64(dt - 1)
	expMinusTwo := new(big.Int)
	if dt > 2 {
		expMinusTwo.SetUint64(dt - 2)
	}

	powTwo, err := fixedpoint.RayMul(ratePerSecond, ratePerSecond)
	if err != nil {
		return fixedpoint.Ray{}, err
	}
	powThree, err := fixedpoint.RayMul(&powTwo, ratePerSecond)
	if err != nil {
		return fixedpoint.Ray{}, err
	}

	linear := new(big.Int).Mul(ratePerSecond.Big(), exp)

	second := new(big.Int).Mul(powTwo.Big(), exp)
	second.Mul(second, expMinusOne)
	second.Quo(second, big.NewInt(2))

	third := new(big.Int).Mul(powThree.Big(), exp)
	third.Mul(third, expMinusOne)
	third.Mul(third, expMinusTwo)
	third.Quo(third, big.NewInt(6))

	one := fixedpoint.One()
	factor := new(big.Int).Add(one.Big(), linear)
	factor.Add(factor, second)
	factor.Add(factor, third)
	return fixedpoint.RayFromBig(factor)
}

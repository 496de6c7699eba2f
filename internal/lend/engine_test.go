package lend

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"leverswap/internal/fixedpoint"
)

var testPool = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func unitPrice() fixedpoint.Q96 {
	return fixedpoint.NewQ96(fixedpoint.QOne96)
}

func TestEngineSharesAtUnitIndex(t *testing.T) {
	engine := NewEngine(nil)
	engine.SetClock(fixedClock(time.Unix(1_700_000_000, 0)))

	shares, err := engine.AddDebt(testPool, Side1, big.NewInt(400))
	require.NoError(t, err)
	require.Zero(t, shares.Cmp(big.NewInt(400)), "shares equal value at the unit index")

	value, err := engine.DebtValue(testPool, Side1, shares)
	require.NoError(t, err)
	require.Zero(t, value.Cmp(big.NewInt(400)))

	require.ErrorIs(t, engine.RemoveDebt(testPool, Side1, big.NewInt(500)), ErrShareUnderflow)
	require.NoError(t, engine.RemoveDebt(testPool, Side1, shares))
	require.True(t, engine.Slot(testPool, Side1).TotalDebtShares.IsZero())
}

func TestEngineAddSharesRestoresTotal(t *testing.T) {
	engine := NewEngine(nil)
	engine.SetClock(fixedClock(time.Unix(1_700_000_000, 0)))

	shares, err := engine.AddDebt(testPool, Side0, big.NewInt(1_000))
	require.NoError(t, err)
	require.NoError(t, engine.RemoveDebt(testPool, Side0, shares))
	require.NoError(t, engine.AddShares(testPool, Side0, shares))

	total := engine.Slot(testPool, Side0).TotalDebtShares
	require.Zero(t, total.ToBig().Cmp(shares), "re-credited shares must match exactly")
}

func TestEngineAccrualAdvancesIndex(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	engine := NewEngine(nil)
	engine.SetClock(fixedClock(start))

	rate, err := fixedpoint.RayFromBig(big.NewInt(1_000_000_000_000_000_000))
	require.NoError(t, err)
	engine.SetModel(testPool, ConstantModel{Rate: rate})

	shares, err := engine.AddDebt(testPool, Side0, big.NewInt(1_000_000))
	require.NoError(t, err)

	later := start.Add(time.Hour)
	base0 := uint256.NewInt(2_000_000)
	base1 := new(uint256.Int)
	price := unitPrice()

	deltas, err := engine.InterestDeltas(testPool, base0, base1, &price, later)
	require.NoError(t, err)

	slot := engine.Slot(testPool, Side0)
	one := fixedpoint.One()
	require.Positive(t, slot.Index.Cmp(&one), "index must advance")
	require.True(t, slot.LastAccrual.Equal(later))

	factor, err := CompoundedFactor(&rate, 3600)
	require.NoError(t, err)
	require.Zero(t, slot.Index.Cmp(&factor), "index from the unit compounds to the factor")

	paid := new(big.Int).Sub(slot.Index.Big(), fixedpoint.RayOne.ToBig())
	paid.Mul(paid, shares)
	paid.Quo(paid, fixedpoint.RayOne.ToBig())
	paidU, overflow := uint256.FromBig(paid)
	require.False(t, overflow)
	wantGrowth, err := fixedpoint.GrowthPerLiquidity(paidU, base0)
	require.NoError(t, err)

	require.Zero(t, deltas.IG0.Int.Cmp(&wantGrowth.Int), "IG0 spreads the paid interest over the base")
	require.Zero(t, deltas.IG0DivSqrtPrice.Int.Cmp(&deltas.IG0.Int), "at the unit price the weighted delta matches the raw one")
	require.True(t, deltas.IG1.IsZero())
	require.True(t, deltas.IG1MulSqrtPrice.IsZero())
}

func TestEngineZeroElapsedIsNoOp(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	engine := NewEngine(nil)
	engine.SetClock(fixedClock(start))

	rate, err := fixedpoint.RayFromBig(big.NewInt(1_000_000_000_000_000_000))
	require.NoError(t, err)
	engine.SetModel(testPool, ConstantModel{Rate: rate})

	_, err = engine.AddDebt(testPool, Side0, big.NewInt(1_000_000))
	require.NoError(t, err)

	price := unitPrice()
	base0 := uint256.NewInt(2_000_000)
	base1 := new(uint256.Int)

	later := start.Add(time.Minute)
	_, err = engine.InterestDeltas(testPool, base0, base1, &price, later)
	require.NoError(t, err)
	indexAfter := engine.Slot(testPool, Side0).Index

	deltas, err := engine.InterestDeltas(testPool, base0, base1, &price, later)
	require.NoError(t, err)
	require.True(t, deltas.IG0.IsZero())
	require.True(t, deltas.IG0DivSqrtPrice.IsZero())
	require.Zero(t, engine.Slot(testPool, Side0).Index.Cmp(&indexAfter), "index must not move without elapsed time")
}

func TestEngineDebtValueTracksIndex(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	engine := NewEngine(nil)
	engine.SetClock(fixedClock(start))

	rate, err := fixedpoint.RayFromBig(new(big.Int).SetUint64(10_000_000_000_000_000_000))
	require.NoError(t, err)
	engine.SetModel(testPool, ConstantModel{Rate: rate})

	principal := big.NewInt(5_000_000)
	shares, err := engine.AddDebt(testPool, Side1, principal)
	require.NoError(t, err)

	price := unitPrice()
	base1 := uint256.NewInt(10_000_000)
	_, err = engine.InterestDeltas(testPool, new(uint256.Int), base1, &price, start.Add(24*time.Hour))
	require.NoError(t, err)

	value, err := engine.DebtValue(testPool, Side1, shares)
	require.NoError(t, err)
	require.Positive(t, value.Cmp(principal), "debt value must exceed the principal after accrual")

	slot := engine.Slot(testPool, Side1)
	want := new(big.Int).Mul(shares, slot.Index.Big())
	want.Quo(want, fixedpoint.RayOne.ToBig())
	require.Zero(t, value.Cmp(want))
}

func TestEngineDefaultModelIsZeroRate(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	engine := NewEngine(nil)
	engine.SetClock(fixedClock(start))

	_, err := engine.AddDebt(testPool, Side0, big.NewInt(1_000))
	require.NoError(t, err)

	price := unitPrice()
	deltas, err := engine.InterestDeltas(testPool, uint256.NewInt(2_000), new(uint256.Int), &price, start.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, deltas.IG0.IsZero(), "no configured model accrues nothing")

	one := fixedpoint.One()
	require.Zero(t, engine.Slot(testPool, Side0).Index.Cmp(&one))
}

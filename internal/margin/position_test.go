package margin

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPositionSplitConserves(t *testing.T) {
	pos := newPositionRecord(mTrader, mPoolAddr, false)
	pos.DebtShares.SetInt64(10)
	pos.Collateral.SetInt64(7)
	pos.Input0.SetInt64(5)
	pos.Input1.SetInt64(3)

	closing, remainder := pos.split(big.NewInt(1), big.NewInt(3))

	// The closing part floors; the remainder keeps every residue.
	require.Zero(t, closing.DebtShares.Cmp(big.NewInt(3)))
	require.Zero(t, closing.Collateral.Cmp(big.NewInt(2)))
	require.Zero(t, closing.Input0.Cmp(big.NewInt(1)))
	require.Zero(t, closing.Input1.Cmp(big.NewInt(1)))

	for _, field := range []struct {
		name        string
		whole, a, b *big.Int
	}{
		{"DebtShares", pos.DebtShares, closing.DebtShares, remainder.DebtShares},
		{"Collateral", pos.Collateral, closing.Collateral, remainder.Collateral},
		{"Input0", pos.Input0, closing.Input0, remainder.Input0},
		{"Input1", pos.Input1, closing.Input1, remainder.Input1},
	} {
		sum := new(big.Int).Add(field.a, field.b)
		require.Zerof(t, sum.Cmp(field.whole), "%s: parts must sum to the whole", field.name)
	}
}

func TestPositionSplitFullFraction(t *testing.T) {
	pos := newPositionRecord(mTrader, mPoolAddr, true)
	pos.DebtShares.SetInt64(400)
	pos.Collateral.SetInt64(500)

	closing, remainder := pos.split(big.NewInt(400), big.NewInt(400))
	require.Zero(t, closing.DebtShares.Cmp(pos.DebtShares))
	require.Zero(t, closing.Collateral.Cmp(pos.Collateral))
	require.True(t, remainder.empty())
}

func TestPositionMergeRejectsDirectionMismatch(t *testing.T) {
	a := newPositionRecord(mTrader, mPoolAddr, true)
	b := newPositionRecord(mTrader, mPoolAddr, false)
	require.ErrorIs(t, a.merge(b), ErrDirectionMismatch)
}

func TestPositionMergeAccumulates(t *testing.T) {
	a := newPositionRecord(mTrader, mPoolAddr, false)
	a.DebtShares.SetInt64(100)
	a.Collateral.SetInt64(120)
	b := newPositionRecord(mTrader, mPoolAddr, false)
	b.DebtShares.SetInt64(50)
	b.Collateral.SetInt64(60)
	b.Input1.SetInt64(10)

	require.NoError(t, a.merge(b))
	require.Zero(t, a.DebtShares.Cmp(big.NewInt(150)))
	require.Zero(t, a.Collateral.Cmp(big.NewInt(180)))
	require.Zero(t, a.Input1.Cmp(big.NewInt(10)))
}

func TestPositionKeyDiscriminates(t *testing.T) {
	base := PositionKey(mTrader, mPoolAddr, false)
	require.NotEqual(t, base, PositionKey(mTrader, mPoolAddr, true), "direction must change the key")
	require.NotEqual(t, base, PositionKey(mLiq, mPoolAddr, false), "trader must change the key")
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	require.NotEqual(t, base, PositionKey(mTrader, other, false), "pool must change the key")
	require.Equal(t, base, PositionKey(mTrader, mPoolAddr, false), "key derivation must be stable")
}

func TestPairConfigValidate(t *testing.T) {
	cfg := defaultPairConfig()
	require.NoError(t, cfg.validate())

	bad := cfg
	bad.MaintenanceBps = 0
	require.ErrorIs(t, bad.validate(), ErrBadPairConfig)

	bad = cfg
	bad.MinMarginBps = ratioPrecision + 1
	require.ErrorIs(t, bad.validate(), ErrBadPairConfig)

	bad = cfg
	bad.DiscountBps = ratioPrecision
	require.ErrorIs(t, bad.validate(), ErrBadPairConfig)

	bad = cfg
	bad.Model = nil
	require.ErrorIs(t, bad.validate(), ErrBadPairConfig)
}

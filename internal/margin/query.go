package margin

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"leverswap/internal/amm"
	"leverswap/internal/fixedpoint"
	"leverswap/internal/oracle"
)

var ErrNoFeed = errors.New("margin: no price feed configured")

// pricePrecision scales returned index and liquidation prices.
var pricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// maxHealth is the health factor reported for debt-free positions.
var maxHealth = new(big.Int).Mul(fixedpoint.RayOne.ToBig(), big.NewInt(1_000_000_000))

func (l *Ledger) indexPrice(cfg *PairConfig, pool common.Address) (fixedpoint.Q96, error) {
	feed := cfg.Feed
	if feed == nil {
		feed = l.feed
	}
	if feed == nil {
		return fixedpoint.Q96{}, ErrNoFeed
	}
	price, err := feed.IndexSqrtPrice(pool)
	if err != nil {
		return fixedpoint.Q96{}, err
	}
	if price.IsZero() {
		return fixedpoint.Q96{}, oracle.ErrNoPrice
	}
	return price, nil
}

// collateralToDebt prices a collateral amount in debt-asset units at the
// index sqrt price. Direction selects which pool asset is the debt asset.
func collateralToDebt(amount *big.Int, sqrtPrice *fixedpoint.Q96, direction bool) (*big.Int, error) {
	sq := new(big.Int).Mul(sqrtPrice.Big(), sqrtPrice.Big())
	if sq.Sign() == 0 {
		return nil, fixedpoint.ErrDivisionByZero
	}
	if direction {
		// collateral is token1, debt is token0
		out := new(big.Int).Lsh(amount, 192)
		return out.Quo(out, sq), nil
	}
	out := new(big.Int).Mul(amount, sq)
	return out.Rsh(out, 192), nil
}

// debtToCollateral is the inverse conversion.
func debtToCollateral(amount *big.Int, sqrtPrice *fixedpoint.Q96, direction bool) (*big.Int, error) {
	sq := new(big.Int).Mul(sqrtPrice.Big(), sqrtPrice.Big())
	if sq.Sign() == 0 {
		return nil, fixedpoint.ErrDivisionByZero
	}
	if direction {
		out := new(big.Int).Mul(amount, sq)
		return out.Rsh(out, 192), nil
	}
	out := new(big.Int).Lsh(amount, 192)
	return out.Quo(out, sq), nil
}

// healthOf computes the RAY-scaled health factor and the 1e18-scaled index
// price (debt units per collateral unit). A position is liquidatable when
// the health factor is at or below the ray unit.
func (l *Ledger) healthOf(pos *Position, cfg *PairConfig, pool *amm.Pool) (*big.Int, *big.Int, error) {
	sqrtPrice, err := l.indexPrice(cfg, pool.Addr())
	if err != nil {
		return nil, nil, err
	}
	price, err := collateralToDebt(new(big.Int).Set(pricePrecision), &sqrtPrice, pos.Direction)
	if err != nil {
		return nil, nil, err
	}

	debtValue, err := l.engine.DebtValue(pool.Addr(), debtSide(pos.Direction), pos.DebtShares)
	if err != nil {
		return nil, nil, err
	}
	if debtValue.Sign() == 0 {
		return new(big.Int).Set(maxHealth), price, nil
	}

	collateralValue, err := collateralToDebt(pos.Collateral, &sqrtPrice, pos.Direction)
	if err != nil {
		return nil, nil, err
	}
	if collateralValue.Sign() == 0 {
		return new(big.Int), price, nil
	}

	buffer := new(big.Int).Sub(collateralValue, debtValue)
	if buffer.Sign() <= 0 {
		return new(big.Int), price, nil
	}

	hf := new(big.Int).Mul(buffer, fixedpoint.RayOne.ToBig())
	hf.Mul(hf, big.NewInt(ratioPrecision))
	denom := new(big.Int).Mul(collateralValue, big.NewInt(int64(cfg.MaintenanceBps)))
	hf.Quo(hf, denom)
	return hf, price, nil
}

// HealthFactor returns the RAY-scaled health factor and 1e18-scaled index
// price for a stored position. Read-only.
func (l *Ledger) HealthFactor(trader, poolAddr common.Address, direction bool) (*big.Int, *big.Int, error) {
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return nil, nil, err
	}
	cfg, ok := l.configs[poolAddr]
	if !ok {
		return nil, nil, ErrPairDisabled
	}
	pos, ok := l.positions[PositionKey(trader, poolAddr, direction)]
	if !ok {
		return nil, nil, ErrNoPosition
	}
	return l.healthOf(pos, &cfg, pool)
}

// LiquidatePrice returns the 1e18-scaled index price (debt units per
// collateral unit) at which the position's health factor reaches the ray
// unit. Read-only.
func (l *Ledger) LiquidatePrice(trader, poolAddr common.Address, direction bool) (*big.Int, error) {
	if _, err := l.poolAt(poolAddr); err != nil {
		return nil, err
	}
	cfg, ok := l.configs[poolAddr]
	if !ok {
		return nil, ErrPairDisabled
	}
	pos, ok := l.positions[PositionKey(trader, poolAddr, direction)]
	if !ok {
		return nil, ErrNoPosition
	}
	if pos.Collateral.Sign() == 0 {
		return nil, ErrZeroAmount
	}

	debtValue, err := l.engine.DebtValue(poolAddr, debtSide(pos.Direction), pos.DebtShares)
	if err != nil {
		return nil, err
	}

	// At the liquidation boundary cv * (1 - maintenance) == dv, so the
	// critical collateral value is dv / (1 - maintenance).
	critical := new(big.Int).Mul(debtValue, big.NewInt(ratioPrecision))
	critical.Quo(critical, big.NewInt(int64(ratioPrecision-cfg.MaintenanceBps)))

	price := new(big.Int).Mul(critical, pricePrecision)
	price.Quo(price, pos.Collateral)
	return price, nil
}

// CurrentIG returns the debt side's raw and price-weighted interest growth
// accumulators. Read-only.
func (l *Ledger) CurrentIG(poolAddr common.Address, direction bool) (fixedpoint.X128, fixedpoint.X128, error) {
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return fixedpoint.X128{}, fixedpoint.X128{}, err
	}
	ig := pool.InterestGlobal
	if direction {
		return ig.IG0, ig.IG0DivSqrtPrice, nil
	}
	return ig.IG1, ig.IG1MulSqrtPrice, nil
}

// PositionAt returns a copy of the stored position, or ErrNoPosition.
func (l *Ledger) PositionAt(trader, poolAddr common.Address, direction bool) (*Position, error) {
	pos, ok := l.positions[PositionKey(trader, poolAddr, direction)]
	if !ok {
		return nil, ErrNoPosition
	}
	return pos.clone(), nil
}

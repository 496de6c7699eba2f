package lend

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"leverswap/internal/amm"
	"leverswap/internal/fixedpoint"
)

var (
	ErrZeroIndex      = errors.New("lend: zero interest index")
	ErrShareUnderflow = errors.New("lend: debt shares underflow")
)

// Side selects which pool asset is the debt asset.
type Side uint8

const (
	Side0 Side = iota
	Side1
)

// Slot is the per-pool per-side interest state. Invariant:
// TotalDebtShares * Index / RAY equals the outstanding debt value summed
// across every margin position on the side.
type Slot struct {
	Index           fixedpoint.Ray
	LastAccrual     time.Time
	TotalDebtShares *uint256.Int
}

type slotKey struct {
	pool common.Address
	side Side
}

// Engine holds the interest slots for every pool and answers the pool's
// accrual callback with growth deltas for the four global accumulators.
type Engine struct {
	slots  map[slotKey]*Slot
	models map[common.Address]RateModel
	log    *zap.Logger
	now    func() time.Time
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		slots:  make(map[slotKey]*Slot),
		models: make(map[common.Address]RateModel),
		log:    logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetModel installs the rate curve for a pool's borrows.
func (e *Engine) SetModel(pool common.Address, model RateModel) {
	e.models[pool] = model
}

// Slot returns the side's interest state, creating it at the unit index.
func (e *Engine) Slot(pool common.Address, side Side) *Slot {
	key := slotKey{pool: pool, side: side}
	slot, ok := e.slots[key]
	if !ok {
		slot = &Slot{
			Index:           fixedpoint.One(),
			LastAccrual:     e.now(),
			TotalDebtShares: new(uint256.Int),
		}
		e.slots[key] = slot
	}
	return slot
}

// AddDebt converts a borrowed amount to shares at the current index and adds
// them to the side's total. Returns the share count.
func (e *Engine) AddDebt(pool common.Address, side Side, amount *big.Int) (*big.Int, error) {
	slot := e.Slot(pool, side)
	shares, err := sharesForValue(amount, &slot.Index)
	if err != nil {
		return nil, err
	}
	add, overflow := uint256.FromBig(shares)
	if overflow {
		return nil, fixedpoint.ErrOverflow
	}
	slot.TotalDebtShares.Add(slot.TotalDebtShares, add)
	return shares, nil
}

// AddShares credits previously removed shares back to the side's total.
func (e *Engine) AddShares(pool common.Address, side Side, shares *big.Int) error {
	slot := e.Slot(pool, side)
	add, overflow := uint256.FromBig(shares)
	if overflow {
		return fixedpoint.ErrOverflow
	}
	slot.TotalDebtShares.Add(slot.TotalDebtShares, add)
	return nil
}

// RemoveDebt burns repaid shares from the side's total.
func (e *Engine) RemoveDebt(pool common.Address, side Side, shares *big.Int) error {
	slot := e.Slot(pool, side)
	burn, overflow := uint256.FromBig(shares)
	if overflow {
		return fixedpoint.ErrOverflow
	}
	if slot.TotalDebtShares.Lt(burn) {
		return ErrShareUnderflow
	}
	slot.TotalDebtShares.Sub(slot.TotalDebtShares, burn)
	return nil
}

// DebtValue prices a share count at the side's current index.
func (e *Engine) DebtValue(pool common.Address, side Side, shares *big.Int) (*big.Int, error) {
	slot := e.Slot(pool, side)
	return valueForShares(shares, &slot.Index)
}

// SharesForValue converts a debt amount to shares at the side's current index.
func (e *Engine) SharesForValue(pool common.Address, side Side, amount *big.Int) (*big.Int, error) {
	slot := e.Slot(pool, side)
	return sharesForValue(amount, &slot.Index)
}

func sharesForValue(amount *big.Int, index *fixedpoint.Ray) (*big.Int, error) {
	if index.IsZero() {
		return nil, ErrZeroIndex
	}
	shares := new(big.Int).Mul(amount, fixedpoint.RayOne.ToBig())
	shares.Quo(shares, index.Big())
	return shares, nil
}

func valueForShares(shares *big.Int, index *fixedpoint.Ray) (*big.Int, error) {
	if index.IsZero() {
		return nil, ErrZeroIndex
	}
	value := new(big.Int).Mul(shares, index.Big())
	value.Quo(value, fixedpoint.RayOne.ToBig())
	return value, nil
}

func (e *Engine) model(pool common.Address) RateModel {
	if m, ok := e.models[pool]; ok {
		return m
	}
	return ConstantModel{}
}

// InterestDeltas accrues both sides up to now and returns the four Q128
// growth deltas for the pool's accumulators. Zero elapsed time or a pool
// with no configured model yields zero deltas.
func (e *Engine) InterestDeltas(pool common.Address, base0, base1 *uint256.Int, sqrtPrice *fixedpoint.Q96, now time.Time) (amm.InterestGrowth, error) {
	var out amm.InterestGrowth
	model := e.model(pool)

	paid0, err := e.accrueSide(pool, Side0, model, base0, now)
	if err != nil {
		return out, err
	}
	paid1, err := e.accrueSide(pool, Side1, model, base1, now)
	if err != nil {
		return out, err
	}

	if !paid0.IsZero() && !base0.IsZero() {
		growth, err := fixedpoint.GrowthPerLiquidity(paid0, base0)
		if err != nil {
			return out, err
		}
		out.IG0 = growth
		weighted, err := fixedpoint.MulDiv(&growth.Int, fixedpoint.QOne96, &sqrtPrice.Int)
		if err != nil {
			return out, err
		}
		out.IG0DivSqrtPrice = fixedpoint.NewX128(weighted)
	}
	if !paid1.IsZero() && !base1.IsZero() {
		growth, err := fixedpoint.GrowthPerLiquidity(paid1, base1)
		if err != nil {
			return out, err
		}
		out.IG1 = growth
		weighted, err := fixedpoint.MulDiv(&growth.Int, &sqrtPrice.Int, fixedpoint.QOne96)
		if err != nil {
			return out, err
		}
		out.IG1MulSqrtPrice = fixedpoint.NewX128(weighted)
	}
	return out, nil
}

// accrueSide advances one side's index and returns the interest paid by all
// borrowers on the side since the last accrual.
func (e *Engine) accrueSide(pool common.Address, side Side, model RateModel, base *uint256.Int, now time.Time) (*uint256.Int, error) {
	slot := e.Slot(pool, side)

	elapsed := now.Unix() - slot.LastAccrual.Unix()
	if elapsed <= 0 {
		return new(uint256.Int), nil
	}

	utilization := e.utilization(slot, base)
	rate := model.RatePerSecond(utilization)
	factor, err := CompoundedFactor(&rate, uint64(elapsed))
	if err != nil {
		return nil, err
	}

	oldIndex := slot.Index
	newIndex, err := fixedpoint.RayMul(&oldIndex, &factor)
	if err != nil {
		return nil, err
	}
	slot.Index = newIndex
	slot.LastAccrual = now

	indexDelta := new(big.Int).Sub(newIndex.Big(), oldIndex.Big())
	paid := new(big.Int).Mul(slot.TotalDebtShares.ToBig(), indexDelta)
	paid.Quo(paid, fixedpoint.RayOne.ToBig())
	out, overflow := uint256.FromBig(paid)
	if overflow {
		return nil, fixedpoint.ErrOverflow
	}

	if out.Sign() > 0 {
		e.log.Debug("interest accrued",
			zap.String("pool", pool.Hex()),
			zap.Uint8("side", uint8(side)),
			zap.Int64("elapsed", elapsed),
			zap.String("paid", out.Dec()))
	}
	return out, nil
}

func (e *Engine) utilization(slot *Slot, base *uint256.Int) fixedpoint.Ray {
	if base.IsZero() || slot.TotalDebtShares.IsZero() {
		return fixedpoint.Ray{}
	}
	debtValue, err := valueForShares(slot.TotalDebtShares.ToBig(), &slot.Index)
	if err != nil {
		return fixedpoint.Ray{}
	}
	u := new(big.Int).Mul(debtValue, fixedpoint.RayOne.ToBig())
	u.Quo(u, base.ToBig())
	out, err := fixedpoint.RayFromBig(u)
	if err != nil {
		return fixedpoint.One()
	}
	return out
}

package margin

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"leverswap/internal/amm"
	"leverswap/internal/fixedpoint"
	"leverswap/internal/insurance"
	"leverswap/internal/lend"
	"leverswap/internal/oracle"
	"leverswap/internal/token"
)

var (
	ErrExpired            = errors.New("margin: deadline expired")
	ErrPairDisabled       = errors.New("margin: pair disabled")
	ErrZeroAmount         = errors.New("margin: zero amount")
	ErrSizeTooSmall       = errors.New("margin: size must exceed margin")
	ErrMarginRatio        = errors.New("margin: margin ratio below minimum")
	ErrBadPath            = errors.New("margin: swap path does not match direction")
	ErrUnhealthy          = errors.New("margin: health factor below threshold")
	ErrHealthy            = errors.New("margin: position not liquidatable")
	ErrInsufficientOutput = errors.New("margin: swap output below repay amount")
	ErrUnknownPool        = errors.New("margin: pool not registered")
	ErrUnauthorized       = errors.New("margin: caller is not the owner")
	ErrPriceLimited       = errors.New("margin: swap stopped at price limit")
)

type pairKey struct {
	a, b common.Address
}

// Ledger holds every margin position and drives the pools on behalf of
// traders. It is the controller of each registered pool: swap settlement is
// funded from its custody account, borrowing from the pool when a position
// opens with leverage.
type Ledger struct {
	owner common.Address
	addr  common.Address

	pools   map[common.Address]*amm.Pool
	byPair  map[pairKey]*amm.Pool
	configs map[common.Address]PairConfig

	positions map[common.Hash]*Position

	engine *lend.Engine
	fund   insurance.Fund
	feed   oracle.PriceFeed
	tokens token.Ledger
	log    *zap.Logger
	now    func() time.Time
}

func NewLedger(
	owner, addr common.Address,
	engine *lend.Engine,
	fund insurance.Fund,
	feed oracle.PriceFeed,
	tokens token.Ledger,
	logger *zap.Logger,
) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		owner:     owner,
		addr:      addr,
		pools:     make(map[common.Address]*amm.Pool),
		byPair:    make(map[pairKey]*amm.Pool),
		configs:   make(map[common.Address]PairConfig),
		positions: make(map[common.Hash]*Position),
		engine:    engine,
		fund:      fund,
		feed:      feed,
		tokens:    tokens,
		log:       logger,
		now:       time.Now,
	}
}

// Addr returns the ledger's custody account.
func (l *Ledger) Addr() common.Address { return l.addr }

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// SetFeed overrides the default index price feed. Per-pair feeds configured
// on PairConfig still take precedence.
func (l *Ledger) SetFeed(feed oracle.PriceFeed) { l.feed = feed }

// RegisterPool indexes a pool by address and by pair for path resolution.
// The ledger wires itself in as the pool's interest source.
func (l *Ledger) RegisterPool(p *amm.Pool) {
	l.pools[p.Addr()] = p
	l.byPair[pairKey{p.Token0(), p.Token1()}] = p
	l.byPair[pairKey{p.Token1(), p.Token0()}] = p
	p.SetInterestSource(l.engine)
}

// ConfigurePair installs the trading policy for a pool. Owner-gated.
func (l *Ledger) ConfigurePair(sender, pool common.Address, cfg PairConfig) error {
	if sender != l.owner {
		return ErrUnauthorized
	}
	if _, ok := l.pools[pool]; !ok {
		return ErrUnknownPool
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	l.configs[pool] = cfg
	l.engine.SetModel(pool, cfg.Model)
	return nil
}

// RotateController moves a pool's trusted controller. Owner-gated.
func (l *Ledger) RotateController(sender, pool, next common.Address) error {
	if sender != l.owner {
		return ErrUnauthorized
	}
	p, ok := l.pools[pool]
	if !ok {
		return ErrUnknownPool
	}
	return p.SetController(l.addr, next)
}

func (l *Ledger) poolAt(addr common.Address) (*amm.Pool, error) {
	p, ok := l.pools[addr]
	if !ok {
		return nil, ErrUnknownPool
	}
	return p, nil
}

func (l *Ledger) pairConfig(pool common.Address) (PairConfig, error) {
	cfg, ok := l.configs[pool]
	if !ok || !cfg.Enabled {
		return PairConfig{}, ErrPairDisabled
	}
	return cfg, nil
}

// pairTokens resolves the debt and collateral assets for a direction.
func pairTokens(p *amm.Pool, direction bool) (debt, collateral common.Address) {
	if direction {
		return p.Token0(), p.Token1()
	}
	return p.Token1(), p.Token0()
}

func debtSide(direction bool) lend.Side {
	if direction {
		return lend.Side0
	}
	return lend.Side1
}

func (l *Ledger) checkDeadline(deadline time.Time) error {
	if !deadline.IsZero() && l.now().After(deadline) {
		return ErrExpired
	}
	return nil
}

// moveJournal records custody transfers so a failing operation can reverse
// them in order.
type moveJournal struct {
	l     *Ledger
	moves []tokenMove
}

type tokenMove struct {
	token    common.Address
	from, to common.Address
	amount   *big.Int
}

func (j *moveJournal) transfer(tok, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := j.l.tokens.Transfer(tok, from, to, amount); err != nil {
		return err
	}
	j.moves = append(j.moves, tokenMove{token: tok, from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (j *moveJournal) undo() {
	for i := len(j.moves) - 1; i >= 0; i-- {
		m := j.moves[i]
		if err := j.l.tokens.Transfer(m.token, m.to, m.from, m.amount); err != nil {
			j.l.log.Error("journal reversal failed",
				zap.String("token", m.token.Hex()),
				zap.String("amount", m.amount.String()),
				zap.Error(err))
		}
	}
	j.moves = nil
}

// IncreasePosition opens or grows leveraged exposure. The trader pays margin
// in the debt asset; the remainder of size is borrowed from the lending pool
// and the whole size is swapped along path into the collateral asset. The
// resulting exposure must leave the merged position above the health
// threshold.
func (l *Ledger) IncreasePosition(
	trader common.Address,
	path []common.Address,
	poolAddr common.Address,
	direction bool,
	margin, size *big.Int,
	limit *fixedpoint.Q96,
	deadline time.Time,
) (*Position, error) {
	if err := l.checkDeadline(deadline); err != nil {
		return nil, err
	}
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return nil, err
	}
	cfg, err := l.pairConfig(poolAddr)
	if err != nil {
		return nil, err
	}
	if margin == nil || margin.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if size == nil || size.Cmp(margin) <= 0 {
		return nil, ErrSizeTooSmall
	}
	ratio := new(big.Int).Mul(margin, big.NewInt(ratioPrecision))
	floor := new(big.Int).Mul(size, big.NewInt(int64(cfg.MinMarginBps)))
	if ratio.Cmp(floor) < 0 {
		return nil, ErrMarginRatio
	}

	debtTok, collTok := pairTokens(pool, direction)
	if err := checkPath(path, debtTok, collTok); err != nil {
		return nil, err
	}

	if err := pool.UpdateInterest(); err != nil {
		return nil, err
	}
	return l.executeOpen(trader, path, pool, &cfg, direction, margin, size, limit)
}

// IncreasePositionExactOutput opens or grows exposure to an exact collateral
// target. The path walk is quoted backward from the target output to find the
// input it requires; the borrow is whatever that input needs beyond the
// trader's margin, so debt shares reflect the amount actually borrowed from
// swap execution.
func (l *Ledger) IncreasePositionExactOutput(
	trader common.Address,
	path []common.Address,
	poolAddr common.Address,
	direction bool,
	margin, collateralOut *big.Int,
	limit *fixedpoint.Q96,
	deadline time.Time,
) (*Position, error) {
	if err := l.checkDeadline(deadline); err != nil {
		return nil, err
	}
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return nil, err
	}
	cfg, err := l.pairConfig(poolAddr)
	if err != nil {
		return nil, err
	}
	if margin == nil || margin.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if collateralOut == nil || collateralOut.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	debtTok, collTok := pairTokens(pool, direction)
	if err := checkPath(path, debtTok, collTok); err != nil {
		return nil, err
	}

	if err := pool.UpdateInterest(); err != nil {
		return nil, err
	}

	size, err := l.requiredInputForOutput(path, collateralOut)
	if err != nil {
		return nil, err
	}
	if size.Cmp(margin) <= 0 {
		return nil, ErrSizeTooSmall
	}
	ratio := new(big.Int).Mul(margin, big.NewInt(ratioPrecision))
	floor := new(big.Int).Mul(size, big.NewInt(int64(cfg.MinMarginBps)))
	if ratio.Cmp(floor) < 0 {
		return nil, ErrMarginRatio
	}

	return l.executeOpen(trader, path, pool, &cfg, direction, margin, size, limit)
}

// executeOpen funds, swaps and books an opening trade: margin comes from the
// trader, the rest of size is borrowed from the pool, and the whole input is
// swapped along path into collateral.
func (l *Ledger) executeOpen(
	trader common.Address,
	path []common.Address,
	pool *amm.Pool,
	cfg *PairConfig,
	direction bool,
	margin, size *big.Int,
	limit *fixedpoint.Q96,
) (*Position, error) {
	poolAddr := pool.Addr()
	debtTok, _ := pairTokens(pool, direction)

	journal := &moveJournal{l: l}
	if err := journal.transfer(debtTok, trader, l.addr, margin); err != nil {
		return nil, err
	}

	borrow := new(big.Int).Sub(size, margin)
	out, hops, err := l.swapExactInput(path, size, limit, pool, borrow)
	if err != nil {
		journal.undo()
		return nil, err
	}

	side := debtSide(direction)
	shares, err := l.engine.AddDebt(poolAddr, side, borrow)
	if err != nil {
		l.unwindHops(hops)
		journal.undo()
		return nil, err
	}

	delta := newPositionRecord(trader, poolAddr, direction)
	delta.DebtShares.Set(shares)
	delta.Collateral.Set(out)
	if debtTok == pool.Token0() {
		delta.Input0.Set(margin)
	} else {
		delta.Input1.Set(margin)
	}

	key := PositionKey(trader, poolAddr, direction)
	merged := delta
	if existing, ok := l.positions[key]; ok {
		merged = existing.clone()
		if err := merged.merge(delta); err != nil {
			l.rollbackDebt(poolAddr, side, shares, hops, journal)
			return nil, err
		}
	}

	hf, _, err := l.healthOf(merged, cfg, pool)
	if err != nil {
		l.rollbackDebt(poolAddr, side, shares, hops, journal)
		return nil, err
	}
	if hf.Cmp(fixedpoint.RayOne.ToBig()) <= 0 {
		l.rollbackDebt(poolAddr, side, shares, hops, journal)
		return nil, ErrUnhealthy
	}

	l.positions[key] = merged
	l.log.Info("position increased",
		zap.String("trader", trader.Hex()),
		zap.String("pool", poolAddr.Hex()),
		zap.Bool("direction", direction),
		zap.String("margin", margin.String()),
		zap.String("size", size.String()),
		zap.String("collateral", merged.Collateral.String()))
	return merged.clone(), nil
}

func (l *Ledger) rollbackDebt(pool common.Address, side lend.Side, shares *big.Int, hops []hopResult, journal *moveJournal) {
	if err := l.engine.RemoveDebt(pool, side, shares); err != nil {
		l.log.Error("debt rollback failed", zap.Error(err))
	}
	l.unwindHops(hops)
	journal.undo()
}

// DecreasePosition closes part of a position: the closing collateral is
// swapped back into the debt asset, the pro-rata debt repaid, and any excess
// proceeds refunded to the trader. The position is looked up under the
// inverted direction flag relative to IncreasePosition.
func (l *Ledger) DecreasePosition(
	trader common.Address,
	path []common.Address,
	poolAddr common.Address,
	direction bool,
	collateralDelta *big.Int,
	limit *fixedpoint.Q96,
	deadline time.Time,
) (*Position, error) {
	if err := l.checkDeadline(deadline); err != nil {
		return nil, err
	}
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return nil, err
	}

	key := PositionKey(trader, poolAddr, !direction)
	pos, ok := l.positions[key]
	if !ok || pos.Collateral.Sign() == 0 {
		return nil, ErrNoPosition
	}
	if collateralDelta == nil || collateralDelta.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	closeAmount := new(big.Int).Set(collateralDelta)
	if closeAmount.Cmp(pos.Collateral) > 0 {
		closeAmount.Set(pos.Collateral)
	}

	debtTok, collTok := pairTokens(pool, pos.Direction)
	if err := checkPath(path, collTok, debtTok); err != nil {
		return nil, err
	}

	if err := pool.UpdateInterest(); err != nil {
		return nil, err
	}

	side := debtSide(pos.Direction)
	closing, remainder := pos.split(closeAmount, pos.Collateral)
	repayValue, err := l.engine.DebtValue(poolAddr, side, closing.DebtShares)
	if err != nil {
		return nil, err
	}

	out, hops, err := l.swapExactInput(path, closing.Collateral, limit, nil, nil)
	if err != nil {
		return nil, err
	}
	if out.Cmp(repayValue) < 0 {
		l.unwindHops(hops)
		return nil, ErrInsufficientOutput
	}

	res, err := l.settleClose(key, trader, pool, side, closing, remainder, debtTok, collTok, repayValue, out, new(big.Int), hops)
	if err != nil {
		return nil, err
	}
	l.log.Info("position decreased",
		zap.String("trader", trader.Hex()),
		zap.String("pool", poolAddr.Hex()),
		zap.String("closedCollateral", closing.Collateral.String()),
		zap.String("repaid", repayValue.String()),
		zap.String("refund", new(big.Int).Sub(out, repayValue).String()))
	return res, nil
}

// DecreasePositionExactOutput closes debt by an exact repay target instead of
// an exact collateral amount. The path walk is quoted backward from the repay
// amount to find the collateral it consumes; that consumption may not exceed
// the closing share of the collateral, and whatever the swap leaves unused is
// released to the trader alongside any proceeds above the repay.
func (l *Ledger) DecreasePositionExactOutput(
	trader common.Address,
	path []common.Address,
	poolAddr common.Address,
	direction bool,
	repayTarget *big.Int,
	limit *fixedpoint.Q96,
	deadline time.Time,
) (*Position, error) {
	if err := l.checkDeadline(deadline); err != nil {
		return nil, err
	}
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return nil, err
	}

	key := PositionKey(trader, poolAddr, !direction)
	pos, ok := l.positions[key]
	if !ok || pos.Collateral.Sign() == 0 {
		return nil, ErrNoPosition
	}
	if repayTarget == nil || repayTarget.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	debtTok, collTok := pairTokens(pool, pos.Direction)
	if err := checkPath(path, collTok, debtTok); err != nil {
		return nil, err
	}

	if err := pool.UpdateInterest(); err != nil {
		return nil, err
	}

	side := debtSide(pos.Direction)
	debtValue, err := l.engine.DebtValue(poolAddr, side, pos.DebtShares)
	if err != nil {
		return nil, err
	}
	if debtValue.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	repay := new(big.Int).Set(repayTarget)
	if repay.Cmp(debtValue) > 0 {
		repay.Set(debtValue)
	}
	closing, remainder := pos.split(repay, debtValue)

	required, err := l.requiredInputForOutput(path, repay)
	if err != nil {
		return nil, err
	}
	if required.Cmp(closing.Collateral) > 0 {
		return nil, ErrInsufficientOutput
	}

	out, hops, err := l.swapExactInput(path, required, limit, nil, nil)
	if err != nil {
		return nil, err
	}
	if out.Cmp(repay) < 0 {
		l.unwindHops(hops)
		return nil, ErrInsufficientOutput
	}

	leftover := new(big.Int).Sub(closing.Collateral, required)
	res, err := l.settleClose(key, trader, pool, side, closing, remainder, debtTok, collTok, repay, out, leftover, hops)
	if err != nil {
		return nil, err
	}
	l.log.Info("position decreased",
		zap.String("trader", trader.Hex()),
		zap.String("pool", poolAddr.Hex()),
		zap.String("repaid", repay.String()),
		zap.String("consumedCollateral", required.String()),
		zap.String("releasedCollateral", leftover.String()))
	return res, nil
}

// settleClose repays the pool from the swap proceeds, removes the closing
// debt shares, refunds the trader (excess proceeds plus any unconsumed
// collateral), and persists the remainder after a health check.
func (l *Ledger) settleClose(
	key common.Hash,
	trader common.Address,
	pool *amm.Pool,
	side lend.Side,
	closing, remainder *Position,
	debtTok, collTok common.Address,
	repayValue, out, collateralLeftover *big.Int,
	hops []hopResult,
) (*Position, error) {
	poolAddr := pool.Addr()
	journal := &moveJournal{l: l}
	fail := func(cause error) (*Position, error) {
		journal.undo()
		l.unwindHops(hops)
		return nil, cause
	}

	if err := journal.transfer(debtTok, l.addr, pool.Addr(), repayValue); err != nil {
		return fail(err)
	}
	if repayValue.Sign() > 0 {
		if err := pool.Repay(l.addr, debtTok, repayValue); err != nil {
			return fail(err)
		}
	}
	if err := l.engine.RemoveDebt(poolAddr, side, closing.DebtShares); err != nil {
		return fail(err)
	}

	excess := new(big.Int).Sub(out, repayValue)
	if err := journal.transfer(debtTok, l.addr, trader, excess); err != nil {
		l.restoreDebt(poolAddr, side, closing.DebtShares)
		return fail(err)
	}
	if collateralLeftover.Sign() > 0 {
		if err := journal.transfer(collTok, l.addr, trader, collateralLeftover); err != nil {
			l.restoreDebt(poolAddr, side, closing.DebtShares)
			return fail(err)
		}
	}

	if remainder.DebtShares.Sign() > 0 {
		cfg, cfgErr := l.pairConfig(poolAddr)
		if cfgErr == nil {
			hf, _, hfErr := l.healthOf(remainder, &cfg, pool)
			if hfErr != nil || hf.Cmp(fixedpoint.RayOne.ToBig()) <= 0 {
				l.restoreDebt(poolAddr, side, closing.DebtShares)
				if hfErr != nil {
					return fail(hfErr)
				}
				return fail(ErrUnhealthy)
			}
		}
	}

	if remainder.empty() {
		delete(l.positions, key)
	} else {
		l.positions[key] = remainder
	}
	return remainder.clone(), nil
}

func (l *Ledger) restoreDebt(pool common.Address, side lend.Side, shares *big.Int) {
	if err := l.engine.AddShares(pool, side, shares); err != nil {
		l.log.Error("debt restore failed", zap.Error(err))
	}
}

// AddCollateral tops up a position's collateral without a swap. Keyed under
// the inverted direction flag.
func (l *Ledger) AddCollateral(trader, poolAddr common.Address, direction bool, amount *big.Int) error {
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return err
	}
	key := PositionKey(trader, poolAddr, !direction)
	pos, ok := l.positions[key]
	if !ok {
		return ErrNoPosition
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	_, collTok := pairTokens(pool, pos.Direction)
	if err := l.tokens.Transfer(collTok, trader, l.addr, amount); err != nil {
		return err
	}
	pos.Collateral.Add(pos.Collateral, amount)
	return nil
}

// RepayDebt pays down debt from the trader's own funds, releasing the
// matching fraction of locked collateral. Keyed under the inverted direction
// flag.
func (l *Ledger) RepayDebt(trader, poolAddr common.Address, direction bool, repayAmount *big.Int) (*Position, error) {
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return nil, err
	}
	key := PositionKey(trader, poolAddr, !direction)
	pos, ok := l.positions[key]
	if !ok {
		return nil, ErrNoPosition
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	if err := pool.UpdateInterest(); err != nil {
		return nil, err
	}

	side := debtSide(pos.Direction)
	debtValue, err := l.engine.DebtValue(poolAddr, side, pos.DebtShares)
	if err != nil {
		return nil, err
	}
	if debtValue.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	repay := new(big.Int).Set(repayAmount)
	if repay.Cmp(debtValue) > 0 {
		repay.Set(debtValue)
	}

	closing, remainder := pos.split(repay, debtValue)
	debtTok, collTok := pairTokens(pool, pos.Direction)

	journal := &moveJournal{l: l}
	if err := journal.transfer(debtTok, trader, pool.Addr(), repay); err != nil {
		return nil, err
	}
	if err := pool.Repay(l.addr, debtTok, repay); err != nil {
		journal.undo()
		return nil, err
	}
	if err := l.engine.RemoveDebt(poolAddr, side, closing.DebtShares); err != nil {
		journal.undo()
		return nil, err
	}
	if err := journal.transfer(collTok, l.addr, trader, closing.Collateral); err != nil {
		l.restoreDebt(poolAddr, side, closing.DebtShares)
		journal.undo()
		return nil, err
	}

	if remainder.empty() {
		delete(l.positions, key)
	} else {
		l.positions[key] = remainder
	}
	l.log.Info("debt repaid",
		zap.String("trader", trader.Hex()),
		zap.String("pool", poolAddr.Hex()),
		zap.String("repaid", repay.String()),
		zap.String("released", closing.Collateral.String()))
	return remainder.clone(), nil
}

// Liquidate closes part of an unhealthy position. The liquidator pays debt
// from its own funds and receives collateral at a discounted price; if the
// closed collateral cannot cover that payout the shortfall is drawn from the
// insurance fund and neither penalty nor trader refund is paid. The
// remaining position persists unchecked.
func (l *Ledger) Liquidate(liquidator, trader, poolAddr common.Address, direction bool, payDebt *big.Int) error {
	pool, err := l.poolAt(poolAddr)
	if err != nil {
		return err
	}
	cfg, err := l.pairConfig(poolAddr)
	if err != nil {
		return err
	}
	key := PositionKey(trader, poolAddr, !direction)
	pos, ok := l.positions[key]
	if !ok {
		return ErrNoPosition
	}
	if payDebt == nil || payDebt.Sign() <= 0 {
		return ErrZeroAmount
	}

	if err := pool.UpdateInterest(); err != nil {
		return err
	}

	hf, _, err := l.healthOf(pos, &cfg, pool)
	if err != nil {
		return err
	}
	if hf.Cmp(fixedpoint.RayOne.ToBig()) > 0 {
		return ErrHealthy
	}

	side := debtSide(pos.Direction)
	debtValue, err := l.engine.DebtValue(poolAddr, side, pos.DebtShares)
	if err != nil {
		return err
	}
	pay := new(big.Int).Set(payDebt)
	if pay.Cmp(debtValue) > 0 {
		pay.Set(debtValue)
	}
	if debtValue.Sign() == 0 {
		return ErrZeroAmount
	}

	closing, remainder := pos.split(pay, debtValue)
	debtTok, collTok := pairTokens(pool, pos.Direction)

	sqrtPrice, err := l.indexPrice(&cfg, poolAddr)
	if err != nil {
		return err
	}
	payInColl, err := debtToCollateral(pay, &sqrtPrice, pos.Direction)
	if err != nil {
		return err
	}
	owed := new(big.Int).Mul(payInColl, big.NewInt(ratioPrecision))
	owed.Quo(owed, big.NewInt(int64(ratioPrecision-cfg.DiscountBps)))

	journal := &moveJournal{l: l}
	snap := pool.Snapshot()
	closedColl := closing.Collateral

	var debtRemoved bool
	var drawn *big.Int
	fail := func(cause error) error {
		if debtRemoved {
			l.restoreDebt(poolAddr, side, closing.DebtShares)
		}
		pool.Restore(snap)
		journal.undo()
		if drawn != nil {
			l.refundShortfall(collTok, liquidator, drawn)
		}
		return cause
	}

	if closedColl.Cmp(owed) < 0 {
		// Shortfall path: the insurance fund makes the liquidator whole.
		shortfall := new(big.Int).Sub(owed, closedColl)
		if err := l.fund.Draw(collTok, liquidator, shortfall); err != nil {
			return err
		}
		drawn = shortfall
		if err := journal.transfer(collTok, l.addr, liquidator, closedColl); err != nil {
			return fail(err)
		}
		if err := l.settleLiquidatorDebt(journal, pool, debtTok, liquidator, pay, side, closing.DebtShares); err != nil {
			return fail(err)
		}
		debtRemoved = true
	} else {
		if err := journal.transfer(collTok, l.addr, liquidator, owed); err != nil {
			return fail(err)
		}
		if err := l.settleLiquidatorDebt(journal, pool, debtTok, liquidator, pay, side, closing.DebtShares); err != nil {
			return fail(err)
		}
		debtRemoved = true

		rest := new(big.Int).Sub(closedColl, owed)
		penalty := new(big.Int).Mul(closedColl, big.NewInt(int64(cfg.PenaltyBps)))
		penalty.Quo(penalty, big.NewInt(ratioPrecision))
		if penalty.Cmp(rest) > 0 {
			penalty.Set(rest)
		}
		refund := new(big.Int).Sub(rest, penalty)

		if penalty.Sign() > 0 {
			if err := l.fund.Deposit(collTok, l.addr, penalty); err != nil {
				return fail(err)
			}
		}
		if err := journal.transfer(collTok, l.addr, trader, refund); err != nil {
			if penalty.Sign() > 0 {
				if drawErr := l.fund.Draw(collTok, l.addr, penalty); drawErr != nil {
					l.log.Error("penalty reversal failed", zap.Error(drawErr))
				}
			}
			return fail(err)
		}
	}

	if remainder.empty() {
		delete(l.positions, key)
	} else {
		l.positions[key] = remainder
	}
	l.log.Info("position liquidated",
		zap.String("liquidator", liquidator.Hex()),
		zap.String("trader", trader.Hex()),
		zap.String("pool", poolAddr.Hex()),
		zap.String("paidDebt", pay.String()),
		zap.String("closedCollateral", closedColl.String()))
	return nil
}

func (l *Ledger) refundShortfall(collTok, liquidator common.Address, shortfall *big.Int) {
	if err := l.fund.Deposit(collTok, liquidator, shortfall); err != nil {
		l.log.Error("shortfall reversal failed", zap.Error(err))
	}
}

// settleLiquidatorDebt pays the pool from the liquidator's funds and removes
// the closing debt shares. The caller reverses the journal and the pool
// snapshot on failure.
func (l *Ledger) settleLiquidatorDebt(journal *moveJournal, pool *amm.Pool, debtTok, liquidator common.Address, pay *big.Int, side lend.Side, shares *big.Int) error {
	if err := journal.transfer(debtTok, liquidator, pool.Addr(), pay); err != nil {
		return err
	}
	if err := pool.Repay(l.addr, debtTok, pay); err != nil {
		return err
	}
	return l.engine.RemoveDebt(pool.Addr(), side, shares)
}

func checkPath(path []common.Address, from, to common.Address) error {
	if len(path) < 2 || path[0] != from || path[len(path)-1] != to {
		return ErrBadPath
	}
	return nil
}

// hopResult records one executed hop so a failing operation can restore the
// pool and reverse the hop's token movements exactly.
type hopResult struct {
	pool      *amm.Pool
	snap      *amm.PoolState
	tokenIn   common.Address
	tokenOut  common.Address
	amountIn  *big.Int
	amountOut *big.Int
	borrowed  *big.Int
}

// swapExactInput walks the token path hop by hop, threading each hop's
// output into the next hop's input as an explicit value. borrowPool, when
// non-nil, funds part of that hop's settlement by borrowing borrowAmount
// from the pool's reserve.
func (l *Ledger) swapExactInput(
	path []common.Address,
	amountIn *big.Int,
	limit *fixedpoint.Q96,
	borrowPool *amm.Pool,
	borrowAmount *big.Int,
) (*big.Int, []hopResult, error) {
	current := new(big.Int).Set(amountIn)
	var hops []hopResult

	for i := 0; i+1 < len(path); i++ {
		pool, ok := l.byPair[pairKey{path[i], path[i+1]}]
		if !ok {
			l.unwindHops(hops)
			return nil, nil, ErrBadPath
		}
		zeroForOne := path[i] == pool.Token0()

		var hopLimit *fixedpoint.Q96
		var borrow *big.Int
		if borrowPool != nil && pool.Addr() == borrowPool.Addr() {
			hopLimit = limit
			if borrowAmount != nil && borrowAmount.Sign() > 0 {
				borrow = borrowAmount
			}
		} else if borrowPool == nil && limit != nil && i == len(path)-2 {
			hopLimit = limit
		}

		settler := &hopSettler{ledger: l, pool: pool, tokenIn: path[i], borrow: borrow}
		snap := pool.Snapshot()

		amount0, amount1, err := pool.Swap(l.addr, l.addr, zeroForOne, new(big.Int).Set(current), hopLimit, settler, nil)
		if err != nil {
			l.unwindHops(hops)
			return nil, nil, err
		}

		var in, out *big.Int
		if zeroForOne {
			in = amount0
			out = new(big.Int).Neg(amount1)
		} else {
			in = amount1
			out = new(big.Int).Neg(amount0)
		}

		hops = append(hops, hopResult{
			pool:      pool,
			snap:      snap,
			tokenIn:   path[i],
			tokenOut:  path[i+1],
			amountIn:  in,
			amountOut: out,
			borrowed:  settler.borrowed,
		})

		if in.Cmp(current) != 0 {
			l.unwindHops(hops)
			return nil, nil, ErrPriceLimited
		}
		current = out
	}
	return current, hops, nil
}

// requiredInputForOutput walks the token path backward, asking each pool for
// the input its hop needs to deliver the running output target. The threaded
// amount is an explicit return value, never shared state.
func (l *Ledger) requiredInputForOutput(path []common.Address, amountOut *big.Int) (*big.Int, error) {
	required := new(big.Int).Set(amountOut)
	for i := len(path) - 1; i > 0; i-- {
		pool, ok := l.byPair[pairKey{path[i-1], path[i]}]
		if !ok {
			return nil, ErrBadPath
		}
		in, err := l.quoteHopInput(pool, path[i-1], path[i], required)
		if err != nil {
			return nil, err
		}
		required = in
	}
	return required, nil
}

// quoteHopInput prices one hop by running the exact-output swap and rolling
// it back. Settlement verification is skipped for the controller, so no input
// is owed during the quote; the delivered output goes back to the pool once
// the snapshot is restored. The hop must be able to deliver the full target.
func (l *Ledger) quoteHopInput(pool *amm.Pool, tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error) {
	zeroForOne := tokenIn == pool.Token0()
	snap := pool.Snapshot()

	target := new(big.Int).Neg(amountOut)
	amount0, amount1, err := pool.Swap(l.addr, l.addr, zeroForOne, target, nil, nil, nil)
	if err != nil {
		pool.Restore(snap)
		return nil, err
	}
	pool.Restore(snap)

	var in, out *big.Int
	if zeroForOne {
		in = amount0
		out = new(big.Int).Neg(amount1)
	} else {
		in = amount1
		out = new(big.Int).Neg(amount0)
	}
	if out.Sign() > 0 {
		if err := l.tokens.Transfer(tokenOut, l.addr, pool.Addr(), out); err != nil {
			return nil, err
		}
	}
	if out.Cmp(amountOut) != 0 {
		return nil, ErrInsufficientOutput
	}
	return in, nil
}

// unwindHops restores every touched pool and reverses the hop transfers, in
// reverse execution order.
func (l *Ledger) unwindHops(hops []hopResult) {
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		h.pool.Restore(h.snap)
		if h.amountOut.Sign() > 0 {
			if err := l.tokens.Transfer(h.tokenOut, l.addr, h.pool.Addr(), h.amountOut); err != nil {
				l.log.Error("hop output reversal failed", zap.Error(err))
			}
		}
		if h.amountIn.Sign() > 0 {
			if err := l.tokens.Transfer(h.tokenIn, h.pool.Addr(), l.addr, h.amountIn); err != nil {
				l.log.Error("hop input reversal failed", zap.Error(err))
			}
		}
		if h.borrowed != nil && h.borrowed.Sign() > 0 {
			if err := l.tokens.Transfer(h.tokenIn, l.addr, h.pool.Addr(), h.borrowed); err != nil {
				l.log.Error("hop borrow reversal failed", zap.Error(err))
			}
		}
	}
}

// hopSettler pays one hop's input from the ledger's custody, borrowing from
// the pool first when the hop is leveraged.
type hopSettler struct {
	ledger   *Ledger
	pool     *amm.Pool
	tokenIn  common.Address
	borrow   *big.Int
	borrowed *big.Int
}

func (s *hopSettler) SwapSettle(amount0, amount1 *big.Int, _ []byte) error {
	owed := amount1
	if s.tokenIn == s.pool.Token0() {
		owed = amount0
	}
	if owed.Sign() <= 0 {
		return nil
	}
	if s.borrow != nil && s.borrow.Sign() > 0 {
		if err := s.pool.Borrow(s.ledger.addr, s.tokenIn, s.ledger.addr, s.borrow); err != nil {
			return err
		}
		s.borrowed = new(big.Int).Set(s.borrow)
	}
	return s.ledger.tokens.Transfer(s.tokenIn, s.ledger.addr, s.pool.Addr(), owed)
}

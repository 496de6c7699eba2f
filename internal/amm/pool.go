package amm

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"leverswap/internal/fixedpoint"
	"leverswap/internal/token"
)

var (
	ErrLocked              = errors.New("amm: pool locked")
	ErrZeroAmount          = errors.New("amm: zero amount")
	ErrPriceLimit          = errors.New("amm: price limit out of range")
	ErrInvalidTickRange    = errors.New("amm: invalid tick range")
	ErrUnauthorized        = errors.New("amm: caller is not the controller")
	ErrUnknownToken        = errors.New("amm: token not in pair")
	ErrInsufficientReserve = errors.New("amm: insufficient base reserve")
	ErrSettlement          = errors.New("amm: swap settlement not covered")
	ErrPositionNotFound    = errors.New("amm: position not found")
)

// InterestSource supplies per-side interest growth deltas for the pool's
// outstanding borrows given its current reserves and price.
type InterestSource interface {
	InterestDeltas(pool common.Address, base0, base1 *uint256.Int, sqrtPrice *fixedpoint.Q96, now time.Time) (InterestGrowth, error)
}

// Observer receives one price/liquidity observation per swap, written the
// first time the swap crosses an initialized tick.
type Observer interface {
	Observe(pool common.Address, tick int, liquidity *big.Int, at time.Time)
}

// SwapCallback settles a swap: before returning, the implementation must pay
// the pool the input side of the signed deltas (positive means owed to the
// pool), either by transfer or by instructing the pool's controller to borrow
// on the payer's behalf.
type SwapCallback interface {
	SwapSettle(amount0, amount1 *big.Int, data []byte) error
}

// MintCallback pays the token amounts owed for freshly minted liquidity.
type MintCallback interface {
	MintSettle(amount0, amount1 *big.Int, data []byte) error
}

// PoolConfig is the immutable identity of a pool.
type PoolConfig struct {
	Addr        common.Address
	Token0      common.Address
	Token1      common.Address
	Fee         uint32 // hundredths of a basis point
	TickSpacing int
	FeeProtocol uint8 // 0 disables the protocol fee skim, else 1/n of fees
	Controller  common.Address
}

// Pool is the concentrated-liquidity price curve for one trading pair and fee
// tier. All mutators are single-writer: the unlocked flag rejects reentrant
// calls for the duration of any public mutation.
type Pool struct {
	cfg                 PoolConfig
	maxLiquidityPerTick *big.Int

	SqrtPrice        fixedpoint.Q96
	Tick             int
	Liquidity        *big.Int
	FeeGrowthGlobal0 fixedpoint.X128
	FeeGrowthGlobal1 fixedpoint.X128
	InterestGlobal   InterestGrowth
	BaseAmount0      *uint256.Int
	BaseAmount1      *uint256.Int
	ProtocolFees0    *uint256.Int
	ProtocolFees1    *uint256.Int

	ticks     tickLedger
	bitmap    tickBitmap
	positions map[common.Hash]*Position

	tickCumulative int64
	lastTimestamp  uint64

	ledger   token.Ledger
	interest InterestSource
	observer Observer
	log      *zap.Logger
	now      func() time.Time
	unlocked bool
}

// NewPool creates a pool at the given starting price.
func NewPool(cfg PoolConfig, sqrtPrice fixedpoint.Q96, ledger token.Ledger, logger *zap.Logger) (*Pool, error) {
	if cfg.TickSpacing <= 0 {
		return nil, ErrInvalidTickRange
	}
	tick, err := TickAtSqrtRatio(&sqrtPrice)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:                 cfg,
		maxLiquidityPerTick: TickSpacingToMaxLiquidityPerTick(cfg.TickSpacing),
		SqrtPrice:           sqrtPrice,
		Tick:                tick,
		Liquidity:           new(big.Int),
		BaseAmount0:         new(uint256.Int),
		BaseAmount1:         new(uint256.Int),
		ProtocolFees0:       new(uint256.Int),
		ProtocolFees1:       new(uint256.Int),
		ticks:               make(tickLedger),
		bitmap:              make(tickBitmap),
		positions:           make(map[common.Hash]*Position),
		ledger:              ledger,
		log:                 logger,
		now:                 time.Now,
		unlocked:            true,
	}
	p.lastTimestamp = uint64(p.now().Unix())
	return p, nil
}

func (p *Pool) Config() PoolConfig      { return p.cfg }
func (p *Pool) Addr() common.Address    { return p.cfg.Addr }
func (p *Pool) Token0() common.Address  { return p.cfg.Token0 }
func (p *Pool) Token1() common.Address  { return p.cfg.Token1 }
func (p *Pool) Controller() common.Address { return p.cfg.Controller }

// SetController rotates the trusted controller identity.
func (p *Pool) SetController(sender, next common.Address) error {
	if sender != p.cfg.Controller {
		return ErrUnauthorized
	}
	p.cfg.Controller = next
	return nil
}

// SetInterestSource wires the lending engine whose accrued interest the pool
// folds into its global accumulators.
func (p *Pool) SetInterestSource(src InterestSource) { p.interest = src }

// SetObserver wires the price/liquidity observation sink.
func (p *Pool) SetObserver(obs Observer) { p.observer = obs }

// SetClock overrides the time source.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// Position returns the LP position for the key, or nil.
func (p *Pool) Position(key common.Hash) *Position { return p.positions[key] }

// TickInfoAt returns the stored accounting for an initialized tick, or nil.
func (p *Pool) TickInfoAt(tick int) *TickInfo {
	if info, ok := p.ticks[tick]; ok {
		return info
	}
	return nil
}

func (p *Pool) lock() error {
	if !p.unlocked {
		return ErrLocked
	}
	p.unlocked = false
	return nil
}

func (p *Pool) unlock() { p.unlocked = true }

// advanceClock accrues the tick cumulative used in crossing snapshots.
func (p *Pool) advanceClock() uint64 {
	nowUnix := uint64(p.now().Unix())
	if nowUnix > p.lastTimestamp {
		p.tickCumulative += int64(p.Tick) * int64(nowUnix-p.lastTimestamp)
		p.lastTimestamp = nowUnix
	}
	return nowUnix
}

// UpdateInterest queries the configured lending engine for per-side interest
// growth deltas and folds them into the four global accumulators. A nil
// source is a no-op.
func (p *Pool) UpdateInterest() error {
	if p.interest == nil {
		return nil
	}
	deltas, err := p.interest.InterestDeltas(p.cfg.Addr, p.BaseAmount0, p.BaseAmount1, &p.SqrtPrice, p.now())
	if err != nil {
		return err
	}
	p.InterestGlobal.addWrap(&deltas)
	return nil
}

// positionChange is a staged mutation: every map entry it will touch is a
// clone, committed only after all checks pass.
type positionChange struct {
	key            common.Hash
	position       *Position
	staged         tickLedger
	lower, upper   int
	flippedLower   bool
	flippedUpper   bool
	liquidityAfter *big.Int
	amount0        *big.Int
	amount1        *big.Int
}

func (p *Pool) checkTicks(lower, upper int) error {
	if lower >= upper || lower < MinTick || upper > MaxTick {
		return ErrInvalidTickRange
	}
	if lower%p.cfg.TickSpacing != 0 || upper%p.cfg.TickSpacing != 0 {
		return ErrInvalidTickRange
	}
	return nil
}

func (p *Pool) stagePositionChange(owner common.Address, lower, upper int, liquidityDelta *big.Int) (*positionChange, error) {
	if err := p.checkTicks(lower, upper); err != nil {
		return nil, err
	}

	ch := &positionChange{
		key:            LiquidityPositionKey(owner, lower, upper),
		staged:         make(tickLedger, 2),
		lower:          lower,
		upper:          upper,
		liquidityAfter: new(big.Int).Set(p.Liquidity),
		amount0:        new(big.Int),
		amount1:        new(big.Int),
	}
	ch.staged[lower] = p.ticks.get(lower).clone()
	ch.staged[upper] = p.ticks.get(upper).clone()

	nowUnix := uint64(p.now().Unix())
	if liquidityDelta.Sign() != 0 {
		var err error
		ch.flippedLower, err = ch.staged.update(lower, p.Tick, liquidityDelta,
			&p.FeeGrowthGlobal0, &p.FeeGrowthGlobal1, &p.InterestGlobal,
			nowUnix, p.tickCumulative, false, p.maxLiquidityPerTick)
		if err != nil {
			return nil, err
		}
		ch.flippedUpper, err = ch.staged.update(upper, p.Tick, liquidityDelta,
			&p.FeeGrowthGlobal0, &p.FeeGrowthGlobal1, &p.InterestGlobal,
			nowUnix, p.tickCumulative, true, p.maxLiquidityPerTick)
		if err != nil {
			return nil, err
		}
	}

	inside0, inside1 := ch.staged.feeGrowthInside(lower, upper, p.Tick, &p.FeeGrowthGlobal0, &p.FeeGrowthGlobal1)
	interestInside := ch.staged.interestGrowthInside(lower, upper, p.Tick, &p.InterestGlobal)

	existing, ok := p.positions[ch.key]
	if ok {
		ch.position = existing.clone()
	} else {
		if liquidityDelta.Sign() <= 0 {
			return nil, ErrPositionNotFound
		}
		ch.position = newPosition(owner, lower, upper)
	}
	if err := ch.position.update(liquidityDelta, &inside0, &inside1, &interestInside); err != nil {
		return nil, err
	}

	if liquidityDelta.Sign() != 0 {
		if err := p.rangeAmounts(ch, liquidityDelta); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// rangeAmounts derives the signed token deltas for a liquidity change and the
// pool's active liquidity after it.
func (p *Pool) rangeAmounts(ch *positionChange, liquidityDelta *big.Int) error {
	sqrtLower, err := SqrtRatioAtTick(ch.lower)
	if err != nil {
		return err
	}
	sqrtUpper, err := SqrtRatioAtTick(ch.upper)
	if err != nil {
		return err
	}

	magnitude, overflow := uint256.FromBig(new(big.Int).Abs(liquidityDelta))
	if overflow {
		return fixedpoint.ErrOverflow
	}
	roundUp := liquidityDelta.Sign() > 0

	applySign := func(u *uint256.Int) *big.Int {
		v := u.ToBig()
		if liquidityDelta.Sign() < 0 {
			v.Neg(v)
		}
		return v
	}

	switch {
	case p.Tick < ch.lower:
		a0, err := amount0Delta(&sqrtLower, &sqrtUpper, magnitude, roundUp)
		if err != nil {
			return err
		}
		ch.amount0 = applySign(a0)
	case p.Tick < ch.upper:
		a0, err := amount0Delta(&p.SqrtPrice, &sqrtUpper, magnitude, roundUp)
		if err != nil {
			return err
		}
		a1, err := amount1Delta(&sqrtLower, &p.SqrtPrice, magnitude, roundUp)
		if err != nil {
			return err
		}
		ch.amount0 = applySign(a0)
		ch.amount1 = applySign(a1)
		var lerr error
		ch.liquidityAfter, lerr = addLiquidityDelta(p.Liquidity, liquidityDelta)
		if lerr != nil {
			return lerr
		}
	default:
		a1, err := amount1Delta(&sqrtLower, &sqrtUpper, magnitude, roundUp)
		if err != nil {
			return err
		}
		ch.amount1 = applySign(a1)
	}
	return nil
}

func (p *Pool) commitPositionChange(ch *positionChange) error {
	for _, boundary := range []struct {
		tick    int
		flipped bool
	}{{ch.lower, ch.flippedLower}, {ch.upper, ch.flippedUpper}} {
		info := ch.staged[boundary.tick]
		if boundary.flipped {
			if err := p.bitmap.flip(boundary.tick, p.cfg.TickSpacing); err != nil {
				return err
			}
		}
		if info.LiquidityGross.Sign() == 0 {
			p.ticks.clear(boundary.tick)
		} else {
			p.ticks[boundary.tick] = info
		}
	}

	if ch.position.Liquidity.Sign() == 0 && ch.position.TokensOwed0.IsZero() && ch.position.TokensOwed1.IsZero() {
		delete(p.positions, ch.key)
	} else {
		p.positions[ch.key] = ch.position
	}
	p.Liquidity = ch.liquidityAfter
	return nil
}

// Mint adds liquidity to a range. The callback must pay the returned amounts
// to the pool before returning; the pool verifies both balances afterwards.
func (p *Pool) Mint(owner common.Address, lower, upper int, amount *big.Int, cb MintCallback, data []byte) (*big.Int, *big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	p.advanceClock()

	ch, err := p.stagePositionChange(owner, lower, upper, amount)
	if err != nil {
		return nil, nil, err
	}

	balance0Before := p.ledger.BalanceOf(p.cfg.Token0, p.cfg.Addr)
	balance1Before := p.ledger.BalanceOf(p.cfg.Token1, p.cfg.Addr)
	if err := cb.MintSettle(ch.amount0, ch.amount1, data); err != nil {
		return nil, nil, err
	}
	if err := p.verifyPaid(p.cfg.Token0, balance0Before, ch.amount0); err != nil {
		return nil, nil, err
	}
	if err := p.verifyPaid(p.cfg.Token1, balance1Before, ch.amount1); err != nil {
		return nil, nil, err
	}

	if err := p.commitPositionChange(ch); err != nil {
		return nil, nil, err
	}
	p.addBase(ch.amount0, ch.amount1)

	p.log.Debug("liquidity minted",
		zap.String("pool", p.cfg.Addr.Hex()),
		zap.Int("tickLower", lower),
		zap.Int("tickUpper", upper),
		zap.String("amount", amount.String()))
	return ch.amount0, ch.amount1, nil
}

func (p *Pool) verifyPaid(tokenAddr common.Address, before, owed *big.Int) error {
	if owed.Sign() <= 0 {
		return nil
	}
	after := p.ledger.BalanceOf(tokenAddr, p.cfg.Addr)
	need := new(big.Int).Add(before, owed)
	if after.Cmp(need) < 0 {
		return ErrSettlement
	}
	return nil
}

// Burn removes liquidity from a range. The withdrawn amounts are credited to
// the position's owed balances and released by Collect.
func (p *Pool) Burn(owner common.Address, lower, upper int, amount *big.Int) (*big.Int, *big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	p.advanceClock()

	ch, err := p.stagePositionChange(owner, lower, upper, new(big.Int).Neg(amount))
	if err != nil {
		return nil, nil, err
	}

	amount0 := new(big.Int).Neg(ch.amount0)
	amount1 := new(big.Int).Neg(ch.amount1)
	owed0, overflow := uint256.FromBig(amount0)
	if overflow {
		return nil, nil, fixedpoint.ErrOverflow
	}
	owed1, overflow := uint256.FromBig(amount1)
	if overflow {
		return nil, nil, fixedpoint.ErrOverflow
	}
	ch.position.TokensOwed0.Add(ch.position.TokensOwed0, owed0)
	ch.position.TokensOwed1.Add(ch.position.TokensOwed1, owed1)

	if err := p.commitPositionChange(ch); err != nil {
		return nil, nil, err
	}
	p.addBase(ch.amount0, ch.amount1)
	return amount0, amount1, nil
}

// Collect pays out owed tokens from a position, clamped per side to the
// requested amounts.
func (p *Pool) Collect(owner common.Address, lower, upper int, recipient common.Address, requested0, requested1 *big.Int) (*big.Int, *big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock()

	key := LiquidityPositionKey(owner, lower, upper)
	pos, ok := p.positions[key]
	if !ok {
		return nil, nil, ErrPositionNotFound
	}

	pay0, err := clampOwed(pos.TokensOwed0, requested0)
	if err != nil {
		return nil, nil, err
	}
	pay1, err := clampOwed(pos.TokensOwed1, requested1)
	if err != nil {
		return nil, nil, err
	}

	if !pay0.IsZero() {
		if err := p.ledger.Transfer(p.cfg.Token0, p.cfg.Addr, recipient, pay0.ToBig()); err != nil {
			return nil, nil, err
		}
		pos.TokensOwed0.Sub(pos.TokensOwed0, pay0)
	}
	if !pay1.IsZero() {
		if err := p.ledger.Transfer(p.cfg.Token1, p.cfg.Addr, recipient, pay1.ToBig()); err != nil {
			return nil, nil, err
		}
		pos.TokensOwed1.Sub(pos.TokensOwed1, pay1)
	}
	if pos.Liquidity.Sign() == 0 && pos.TokensOwed0.IsZero() && pos.TokensOwed1.IsZero() {
		delete(p.positions, key)
	}
	return pay0.ToBig(), pay1.ToBig(), nil
}

func clampOwed(owed *uint256.Int, requested *big.Int) (*uint256.Int, error) {
	if requested == nil || requested.Sign() <= 0 {
		return new(uint256.Int), nil
	}
	req, overflow := uint256.FromBig(requested)
	if overflow {
		return nil, fixedpoint.ErrOverflow
	}
	if owed.Lt(req) {
		return new(uint256.Int).Set(owed), nil
	}
	return req, nil
}

// CollectProtocol withdraws accumulated protocol fees. Controller-gated.
func (p *Pool) CollectProtocol(sender, recipient common.Address, requested0, requested1 *big.Int) (*big.Int, *big.Int, error) {
	if sender != p.cfg.Controller {
		return nil, nil, ErrUnauthorized
	}
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock()

	pay0, err := clampOwed(p.ProtocolFees0, requested0)
	if err != nil {
		return nil, nil, err
	}
	pay1, err := clampOwed(p.ProtocolFees1, requested1)
	if err != nil {
		return nil, nil, err
	}
	if !pay0.IsZero() {
		if err := p.ledger.Transfer(p.cfg.Token0, p.cfg.Addr, recipient, pay0.ToBig()); err != nil {
			return nil, nil, err
		}
		p.ProtocolFees0.Sub(p.ProtocolFees0, pay0)
	}
	if !pay1.IsZero() {
		if err := p.ledger.Transfer(p.cfg.Token1, p.cfg.Addr, recipient, pay1.ToBig()); err != nil {
			return nil, nil, err
		}
		p.ProtocolFees1.Sub(p.ProtocolFees1, pay1)
	}
	return pay0.ToBig(), pay1.ToBig(), nil
}

// Borrow moves base reserve out of the pool on the controller's instruction.
func (p *Pool) Borrow(sender, tokenAddr, to common.Address, amount *big.Int) error {
	if sender != p.cfg.Controller {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	base, err := p.baseFor(tokenAddr)
	if err != nil {
		return err
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return fixedpoint.ErrOverflow
	}
	if base.Lt(amt) {
		return ErrInsufficientReserve
	}
	if err := p.ledger.Transfer(tokenAddr, p.cfg.Addr, to, amount); err != nil {
		return err
	}
	base.Sub(base, amt)
	return nil
}

// Repay acknowledges returned reserve. The funds must already have been
// transferred to the pool.
func (p *Pool) Repay(sender, tokenAddr common.Address, amount *big.Int) error {
	if sender != p.cfg.Controller {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	base, err := p.baseFor(tokenAddr)
	if err != nil {
		return err
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return fixedpoint.ErrOverflow
	}
	base.Add(base, amt)
	return nil
}

func (p *Pool) baseFor(tokenAddr common.Address) (*uint256.Int, error) {
	switch tokenAddr {
	case p.cfg.Token0:
		return p.BaseAmount0, nil
	case p.cfg.Token1:
		return p.BaseAmount1, nil
	default:
		return nil, ErrUnknownToken
	}
}

// addBase applies signed deltas to the loanable base reserves.
func (p *Pool) addBase(delta0, delta1 *big.Int) {
	applyBase(p.BaseAmount0, delta0)
	applyBase(p.BaseAmount1, delta1)
}

func applyBase(base *uint256.Int, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	mag, _ := uint256.FromBig(new(big.Int).Abs(delta))
	if delta.Sign() > 0 {
		base.Add(base, mag)
	} else if base.Lt(mag) {
		base.Clear()
	} else {
		base.Sub(base, mag)
	}
}

type swapState struct {
	remaining  *big.Int
	calculated *big.Int
	sqrtPrice  fixedpoint.Q96
	tick       int
	liquidity  *uint256.Int
	feeGrowth  fixedpoint.X128
	protocol   *uint256.Int
	baseIn     *uint256.Int
	baseOut    *uint256.Int
}

// Swap moves the price along the curve until the specified amount is consumed
// or the limit price is reached. amountSpecified > 0 is exact-input,
// < 0 exact-output. Returns the signed (amount0, amount1) deltas from the
// pool's perspective: positive is owed to the pool, negative is paid out.
//
// The lock is toggled manually so that settlement can call Borrow while the
// swap is in flight.
func (p *Pool) Swap(
	sender, recipient common.Address,
	zeroForOne bool,
	amountSpecified *big.Int,
	priceLimit *fixedpoint.Q96,
	cb SwapCallback,
	data []byte,
) (*big.Int, *big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock()

	if amountSpecified == nil || amountSpecified.Sign() == 0 {
		return nil, nil, ErrZeroAmount
	}
	limit, err := p.resolvePriceLimit(zeroForOne, priceLimit)
	if err != nil {
		return nil, nil, err
	}

	nowUnix := p.advanceClock()
	exactInput := amountSpecified.Sign() > 0

	liquidity, overflow := uint256.FromBig(p.Liquidity)
	if overflow {
		return nil, nil, fixedpoint.ErrOverflow
	}
	state := swapState{
		remaining:  new(big.Int).Set(amountSpecified),
		calculated: new(big.Int),
		sqrtPrice:  fixedpoint.NewQ96(&p.SqrtPrice.Int),
		tick:       p.Tick,
		liquidity:  liquidity,
		protocol:   new(uint256.Int),
		baseIn:     new(uint256.Int),
		baseOut:    new(uint256.Int),
	}
	if zeroForOne {
		state.feeGrowth = fixedpoint.NewX128(&p.FeeGrowthGlobal0.Int)
	} else {
		state.feeGrowth = fixedpoint.NewX128(&p.FeeGrowthGlobal1.Int)
	}

	staged := make(tickLedger)
	observed := false

	for state.remaining.Sign() != 0 && state.sqrtPrice.Cmp(limit) != 0 {
		stepStart := fixedpoint.NewQ96(&state.sqrtPrice.Int)

		nextTick, initialized := p.bitmap.nextInitializedTickWithinOneWord(state.tick, p.cfg.TickSpacing, zeroForOne)
		if nextTick < MinTick {
			nextTick = MinTick
		} else if nextTick > MaxTick {
			nextTick = MaxTick
		}
		tickPrice, err := SqrtRatioAtTick(nextTick)
		if err != nil {
			return nil, nil, err
		}

		target := &tickPrice
		if zeroForOne {
			if tickPrice.Cmp(limit) < 0 {
				target = limit
			}
		} else if tickPrice.Cmp(limit) > 0 {
			target = limit
		}

		remainingMag, overflow := uint256.FromBig(new(big.Int).Abs(state.remaining))
		if overflow {
			return nil, nil, fixedpoint.ErrOverflow
		}
		next, amountIn, amountOut, feeAmount, err := computeSwapStep(
			&state.sqrtPrice, target, state.liquidity, remainingMag, exactInput, p.cfg.Fee)
		if err != nil {
			return nil, nil, err
		}
		state.sqrtPrice = next

		if exactInput {
			consumed := new(big.Int).Add(amountIn.ToBig(), feeAmount.ToBig())
			state.remaining.Sub(state.remaining, consumed)
			state.calculated.Sub(state.calculated, amountOut.ToBig())
		} else {
			state.remaining.Add(state.remaining, amountOut.ToBig())
			state.calculated.Add(state.calculated, new(big.Int).Add(amountIn.ToBig(), feeAmount.ToBig()))
		}

		// Raw curve amounts only; fees never enter the loanable base.
		state.baseIn.Add(state.baseIn, amountIn)
		state.baseOut.Add(state.baseOut, amountOut)

		if p.cfg.FeeProtocol > 0 && !feeAmount.IsZero() {
			skim := new(uint256.Int).Div(feeAmount, uint256.NewInt(uint64(p.cfg.FeeProtocol)))
			feeAmount.Sub(feeAmount, skim)
			state.protocol.Add(state.protocol, skim)
		}
		if !feeAmount.IsZero() && !state.liquidity.IsZero() {
			growth, err := fixedpoint.GrowthPerLiquidity(feeAmount, state.liquidity)
			if err != nil {
				return nil, nil, err
			}
			state.feeGrowth.AddWrap(&growth)
		}

		if state.sqrtPrice.Cmp(&tickPrice) == 0 {
			if initialized {
				if !observed && p.observer != nil {
					p.observer.Observe(p.cfg.Addr, p.Tick, p.Liquidity, p.now())
				}
				observed = true

				info, ok := staged[nextTick]
				if !ok {
					info = p.ticks.get(nextTick).clone()
					staged[nextTick] = info
				}
				var feeGlobal0, feeGlobal1 *fixedpoint.X128
				if zeroForOne {
					feeGlobal0, feeGlobal1 = &state.feeGrowth, &p.FeeGrowthGlobal1
				} else {
					feeGlobal0, feeGlobal1 = &p.FeeGrowthGlobal0, &state.feeGrowth
				}
				liquidityNet := staged.cross(nextTick, feeGlobal0, feeGlobal1, &p.InterestGlobal, nowUnix, p.tickCumulative)
				if zeroForOne {
					liquidityNet = new(big.Int).Neg(liquidityNet)
				}
				liquidityBig, err := addLiquidityDelta(state.liquidity.ToBig(), liquidityNet)
				if err != nil {
					return nil, nil, err
				}
				if state.liquidity, overflow = uint256.FromBig(liquidityBig); overflow {
					return nil, nil, fixedpoint.ErrOverflow
				}
			}
			if zeroForOne {
				state.tick = nextTick - 1
			} else {
				state.tick = nextTick
			}
		} else if state.sqrtPrice.Cmp(&stepStart) != 0 {
			state.tick, err = TickAtSqrtRatio(&state.sqrtPrice)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	amount0, amount1 := swapAmounts(amountSpecified, state.remaining, state.calculated, zeroForOne, exactInput)

	if err := p.settleSwap(sender, recipient, zeroForOne, amount0, amount1, cb, data); err != nil {
		return nil, nil, err
	}

	// Commit. Base deltas apply additively so a Borrow made during settlement
	// is preserved.
	p.SqrtPrice = state.sqrtPrice
	p.Tick = state.tick
	p.Liquidity = state.liquidity.ToBig()
	if zeroForOne {
		p.FeeGrowthGlobal0 = state.feeGrowth
		p.ProtocolFees0.Add(p.ProtocolFees0, state.protocol)
		applyBase(p.BaseAmount0, state.baseIn.ToBig())
		applyBase(p.BaseAmount1, new(big.Int).Neg(state.baseOut.ToBig()))
	} else {
		p.FeeGrowthGlobal1 = state.feeGrowth
		p.ProtocolFees1.Add(p.ProtocolFees1, state.protocol)
		applyBase(p.BaseAmount1, state.baseIn.ToBig())
		applyBase(p.BaseAmount0, new(big.Int).Neg(state.baseOut.ToBig()))
	}
	for tick, info := range staged {
		p.ticks[tick] = info
	}

	p.log.Debug("swap",
		zap.String("pool", p.cfg.Addr.Hex()),
		zap.Bool("zeroForOne", zeroForOne),
		zap.String("amount0", amount0.String()),
		zap.String("amount1", amount1.String()),
		zap.Int("tick", p.Tick))
	return amount0, amount1, nil
}

func swapAmounts(specified, remaining, calculated *big.Int, zeroForOne, exactInput bool) (*big.Int, *big.Int) {
	consumed := new(big.Int).Sub(specified, remaining)
	if zeroForOne == exactInput {
		return consumed, calculated
	}
	return calculated, consumed
}

func (p *Pool) resolvePriceLimit(zeroForOne bool, limit *fixedpoint.Q96) (*fixedpoint.Q96, error) {
	if limit == nil {
		var bound uint256.Int
		if zeroForOne {
			bound.AddUint64(MinSqrtRatio, 1)
		} else {
			bound.SubUint64(MaxSqrtRatio, 1)
		}
		q := fixedpoint.NewQ96(&bound)
		return &q, nil
	}
	if zeroForOne {
		if limit.Cmp(&p.SqrtPrice) >= 0 || !limit.Gt(MinSqrtRatio) {
			return nil, ErrPriceLimit
		}
	} else {
		if limit.Cmp(&p.SqrtPrice) <= 0 || !limit.Lt(MaxSqrtRatio) {
			return nil, ErrPriceLimit
		}
	}
	return limit, nil
}

// settleSwap transfers the output side, then requires the callback to cover
// the input side. Balance verification is skipped for the controller, which
// settles through Borrow instead of a direct transfer. On failure the output
// transfer is reversed so no effect persists.
func (p *Pool) settleSwap(sender, recipient common.Address, zeroForOne bool, amount0, amount1 *big.Int, cb SwapCallback, data []byte) error {
	var tokenOut, tokenIn common.Address
	var amountOut, amountIn *big.Int
	if zeroForOne {
		tokenOut, amountOut = p.cfg.Token1, amount1
		tokenIn, amountIn = p.cfg.Token0, amount0
	} else {
		tokenOut, amountOut = p.cfg.Token0, amount0
		tokenIn, amountIn = p.cfg.Token1, amount1
	}

	paidOut := new(big.Int)
	if amountOut.Sign() < 0 {
		paidOut.Neg(amountOut)
		if err := p.ledger.Transfer(tokenOut, p.cfg.Addr, recipient, paidOut); err != nil {
			return err
		}
	}

	undo := func() {
		if paidOut.Sign() > 0 {
			_ = p.ledger.Transfer(tokenOut, recipient, p.cfg.Addr, paidOut)
		}
	}

	trusted := sender == p.cfg.Controller
	var balanceBefore *big.Int
	if !trusted {
		balanceBefore = p.ledger.BalanceOf(tokenIn, p.cfg.Addr)
	}
	if cb != nil {
		if err := cb.SwapSettle(amount0, amount1, data); err != nil {
			undo()
			return err
		}
	}
	if !trusted {
		if err := p.verifyPaid(tokenIn, balanceBefore, amountIn); err != nil {
			undo()
			return err
		}
	}
	return nil
}

package replay

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"leverswap/internal/amm"
	"leverswap/internal/fixedpoint"
	"leverswap/internal/insurance"
	"leverswap/internal/lend"
	"leverswap/internal/margin"
	"leverswap/internal/model"
	"leverswap/internal/oracle"
	"leverswap/internal/token"
)

// Environment owns the engine graph a journal replays against: an in-memory
// token ledger, the lending engine, the insurance fund, a fixed price feed,
// and the margin ledger controlling every created pool. The journal clock is
// the only time source.
type Environment struct {
	owner    common.Address
	custody  common.Address
	fundAddr common.Address

	Tokens   *token.MemLedger
	Engine   *lend.Engine
	Fund     *insurance.LedgerFund
	Feed     *oracle.FixedFeed
	Observer *oracle.RingObserver
	Ledger   *margin.Ledger

	pools map[common.Address]*amm.Pool
	log   *zap.Logger
	at    time.Time
}

func NewEnvironment(owner, custody, fundAddr common.Address, logger *zap.Logger) *Environment {
	if logger == nil {
		logger = zap.NewNop()
	}
	env := &Environment{
		owner:    owner,
		custody:  custody,
		fundAddr: fundAddr,
		Tokens:   token.NewMemLedger(),
		Feed:     oracle.NewFixedFeed(),
		Observer: oracle.NewRingObserver(0),
		pools:    make(map[common.Address]*amm.Pool),
		log:      logger,
		at:       time.Unix(0, 0).UTC(),
	}
	clock := func() time.Time { return env.at }
	env.Engine = lend.NewEngine(logger)
	env.Engine.SetClock(clock)
	env.Fund = insurance.NewLedgerFund(fundAddr, env.Tokens)
	env.Ledger = margin.NewLedger(owner, custody, env.Engine, env.Fund, env.Feed, env.Tokens, logger)
	env.Ledger.SetClock(clock)
	return env
}

// Now returns the journal clock.
func (env *Environment) Now() time.Time { return env.at }

// UseFeed overrides the margin ledger's default index price feed, keeping the
// fixed feed available for set_price actions.
func (env *Environment) UseFeed(feed oracle.PriceFeed) { env.Ledger.SetFeed(feed) }

// AdvanceTo moves the journal clock forward; it never runs backwards.
func (env *Environment) AdvanceTo(unix uint64) {
	next := time.Unix(int64(unix), 0).UTC()
	if next.After(env.at) {
		env.at = next
	}
}

// Pools returns the created pools in a stable address order.
func (env *Environment) Pools() []*amm.Pool {
	out := make([]*amm.Pool, 0, len(env.pools))
	for _, p := range env.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr().Hex() < out[j].Addr().Hex()
	})
	return out
}

// journalMinter credits add_liquidity amounts straight to the pool account:
// the journal declares liquidity as given, there is no external depositor.
type journalMinter struct {
	tokens *token.MemLedger
	pool   *amm.Pool
}

func (m *journalMinter) MintSettle(amount0, amount1 *big.Int, _ []byte) error {
	if amount0.Sign() > 0 {
		if err := m.tokens.Mint(m.pool.Token0(), m.pool.Addr(), amount0); err != nil {
			return err
		}
	}
	if amount1.Sign() > 0 {
		if err := m.tokens.Mint(m.pool.Token1(), m.pool.Addr(), amount1); err != nil {
			return err
		}
	}
	return nil
}

// Apply executes one journal action and returns its event. Engine rejections
// are recorded, never fatal: the journal replays deterministically past them.
func (env *Environment) Apply(action model.Action) model.EngineEvent {
	event := model.EngineEvent{
		Seq:        action.Seq,
		At:         action.At,
		Op:         action.Op,
		Status:     model.StatusApplied,
		Pool:       action.Pool,
		Trader:     action.Trader,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	err := env.apply(action, &event)
	if err != nil {
		event.Status = model.StatusRejected
		event.Reason = err.Error()
		env.log.Debug("action rejected",
			zap.Uint64("seq", action.Seq),
			zap.String("op", action.Op),
			zap.Error(err))
	}
	return event
}

func (env *Environment) apply(action model.Action, event *model.EngineEvent) error {
	switch action.Op {
	case model.OpCreatePool:
		return env.applyCreatePool(action, event)
	case model.OpConfigurePair:
		return env.applyConfigurePair(action)
	case model.OpFund:
		return env.applyFund(action)
	case model.OpSetPrice:
		return env.applySetPrice(action, event)
	case model.OpAddLiquidity:
		return env.applyAddLiquidity(action, event)
	case model.OpOpen:
		return env.applyOpen(action, event)
	case model.OpOpenExactOut:
		return env.applyOpenExactOut(action, event)
	case model.OpClose:
		return env.applyClose(action, event)
	case model.OpCloseExactOut:
		return env.applyCloseExactOut(action, event)
	case model.OpAddCollateral:
		return env.applyAddCollateral(action)
	case model.OpRepay:
		return env.applyRepay(action, event)
	case model.OpLiquidate:
		return env.applyLiquidate(action, event)
	default:
		return fmt.Errorf("unknown op %q", action.Op)
	}
}

func (env *Environment) applyCreatePool(action model.Action, event *model.EngineEvent) error {
	poolAddr, err := parseAddress(action.Pool)
	if err != nil {
		return err
	}
	token0, err := parseAddress(action.Token0)
	if err != nil {
		return err
	}
	token1, err := parseAddress(action.Token1)
	if err != nil {
		return err
	}
	if _, exists := env.pools[poolAddr]; exists {
		return fmt.Errorf("pool %s already exists", poolAddr.Hex())
	}
	sqrtPrice, err := parseQ96(action.SqrtPrice)
	if err != nil {
		return err
	}

	pool, err := amm.NewPool(amm.PoolConfig{
		Addr:        poolAddr,
		Token0:      token0,
		Token1:      token1,
		Fee:         action.Fee,
		TickSpacing: action.TickSpacing,
		Controller:  env.custody,
	}, sqrtPrice, env.Tokens, env.log)
	if err != nil {
		return err
	}
	pool.SetClock(func() time.Time { return env.at })
	pool.SetObserver(env.Observer)
	env.Ledger.RegisterPool(pool)
	env.Feed.SetPrice(poolAddr, sqrtPrice)
	env.pools[poolAddr] = pool

	fillPoolFields(event, pool)
	return nil
}

func (env *Environment) applyConfigurePair(action model.Action) error {
	poolAddr, err := parseAddress(action.Pool)
	if err != nil {
		return err
	}
	rateModel, err := parseRateModel(action.RatePerSecond)
	if err != nil {
		return err
	}
	return env.Ledger.ConfigurePair(env.owner, poolAddr, margin.PairConfig{
		Enabled:        true,
		MinMarginBps:   action.MinMarginBps,
		MaintenanceBps: action.MaintenanceBps,
		PenaltyBps:     action.PenaltyBps,
		DiscountBps:    action.DiscountBps,
		Model:          rateModel,
	})
}

func (env *Environment) applyFund(action model.Action) error {
	account, err := parseAddress(action.Account)
	if err != nil {
		return err
	}
	tokenAddr, err := parseAddress(action.Token)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}
	return env.Tokens.Mint(tokenAddr, account, amount)
}

func (env *Environment) applySetPrice(action model.Action, event *model.EngineEvent) error {
	poolAddr, err := parseAddress(action.Pool)
	if err != nil {
		return err
	}
	sqrtPrice, err := parseQ96(action.SqrtPrice)
	if err != nil {
		return err
	}
	env.Feed.SetPrice(poolAddr, sqrtPrice)
	event.SqrtPrice = sqrtPrice.Big().String()
	return nil
}

func (env *Environment) applyAddLiquidity(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	owner, err := parseAddress(action.Owner)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}
	minter := &journalMinter{tokens: env.Tokens, pool: pool}
	amount0, amount1, err := pool.Mint(owner, action.TickLower, action.TickUpper, amount, minter, nil)
	if err != nil {
		return err
	}
	event.Amount0 = amount0.String()
	event.Amount1 = amount1.String()
	fillPoolFields(event, pool)
	return nil
}

func (env *Environment) applyOpen(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	path, err := parsePath(action.Path)
	if err != nil {
		return err
	}
	marginAmount, err := parseAmount(action.Margin)
	if err != nil {
		return err
	}
	size, err := parseAmount(action.Size)
	if err != nil {
		return err
	}

	pos, err := env.Ledger.IncreasePosition(
		trader, path, pool.Addr(), action.Direction, marginAmount, size, nil, time.Time{})
	if err != nil {
		return err
	}
	event.DebtShares = pos.DebtShares.String()
	event.Collateral = pos.Collateral.String()
	fillPoolFields(event, pool)
	return nil
}

// applyOpenExactOut opens to an exact collateral target: Amount carries the
// target, the borrow comes out of swap execution.
func (env *Environment) applyOpenExactOut(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	path, err := parsePath(action.Path)
	if err != nil {
		return err
	}
	marginAmount, err := parseAmount(action.Margin)
	if err != nil {
		return err
	}
	target, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}

	pos, err := env.Ledger.IncreasePositionExactOutput(
		trader, path, pool.Addr(), action.Direction, marginAmount, target, nil, time.Time{})
	if err != nil {
		return err
	}
	event.DebtShares = pos.DebtShares.String()
	event.Collateral = pos.Collateral.String()
	fillPoolFields(event, pool)
	return nil
}

func (env *Environment) applyClose(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	path, err := parsePath(action.Path)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}

	pos, err := env.Ledger.DecreasePosition(
		trader, path, pool.Addr(), action.Direction, amount, nil, time.Time{})
	if err != nil {
		return err
	}
	event.DebtShares = pos.DebtShares.String()
	event.Collateral = pos.Collateral.String()
	fillPoolFields(event, pool)
	return nil
}

// applyCloseExactOut closes by an exact repay target: Amount carries the debt
// amount to repay, the collateral consumption follows from the quote.
func (env *Environment) applyCloseExactOut(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	path, err := parsePath(action.Path)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}

	pos, err := env.Ledger.DecreasePositionExactOutput(
		trader, path, pool.Addr(), action.Direction, amount, nil, time.Time{})
	if err != nil {
		return err
	}
	event.DebtShares = pos.DebtShares.String()
	event.Collateral = pos.Collateral.String()
	fillPoolFields(event, pool)
	return nil
}

func (env *Environment) applyAddCollateral(action model.Action) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}
	return env.Ledger.AddCollateral(trader, pool.Addr(), action.Direction, amount)
}

func (env *Environment) applyRepay(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}
	pos, err := env.Ledger.RepayDebt(trader, pool.Addr(), action.Direction, amount)
	if err != nil {
		return err
	}
	event.DebtShares = pos.DebtShares.String()
	event.Collateral = pos.Collateral.String()
	return nil
}

func (env *Environment) applyLiquidate(action model.Action, event *model.EngineEvent) error {
	pool, err := env.poolAt(action.Pool)
	if err != nil {
		return err
	}
	liquidator, err := parseAddress(action.Account)
	if err != nil {
		return err
	}
	trader, err := parseAddress(action.Trader)
	if err != nil {
		return err
	}
	amount, err := parseAmount(action.Amount)
	if err != nil {
		return err
	}
	if err := env.Ledger.Liquidate(liquidator, trader, pool.Addr(), action.Direction, amount); err != nil {
		return err
	}
	fillPoolFields(event, pool)
	return nil
}

func (env *Environment) poolAt(addr string) (*amm.Pool, error) {
	poolAddr, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	pool, ok := env.pools[poolAddr]
	if !ok {
		return nil, fmt.Errorf("pool %s not created", poolAddr.Hex())
	}
	return pool, nil
}

func fillPoolFields(event *model.EngineEvent, pool *amm.Pool) {
	event.SqrtPrice = pool.SqrtPrice.Big().String()
	event.Tick = pool.Tick
	event.Liquidity = pool.Liquidity.String()
}

// SnapshotPool exports a pool's accounting state as a snapshot record.
func SnapshotPool(pool *amm.Pool, seq, at uint64) model.PoolSnapshot {
	cfg := pool.Config()
	return model.PoolSnapshot{
		Pool:            cfg.Addr.Hex(),
		Token0:          cfg.Token0.Hex(),
		Token1:          cfg.Token1.Hex(),
		Fee:             cfg.Fee,
		TickSpacing:     cfg.TickSpacing,
		SqrtPrice:       pool.SqrtPrice.Big().String(),
		Tick:            pool.Tick,
		Liquidity:       pool.Liquidity.String(),
		FeeGrowth0:      pool.FeeGrowthGlobal0.Big().String(),
		FeeGrowth1:      pool.FeeGrowthGlobal1.Big().String(),
		IG0:             pool.InterestGlobal.IG0.Big().String(),
		IG1:             pool.InterestGlobal.IG1.Big().String(),
		IG0DivSqrtPrice: pool.InterestGlobal.IG0DivSqrtPrice.Big().String(),
		IG1MulSqrtPrice: pool.InterestGlobal.IG1MulSqrtPrice.Big().String(),
		BaseAmount0:     pool.BaseAmount0.Dec(),
		BaseAmount1:     pool.BaseAmount1.Dec(),
		ProtocolFees0:   pool.ProtocolFees0.Dec(),
		ProtocolFees1:   pool.ProtocolFees1.Dec(),
		TakenAtSeq:      seq,
		TakenAt:         at,
	}
}

func parseAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(value), nil
}

func parsePath(values []string) ([]common.Address, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("path needs at least two tokens")
	}
	path := make([]common.Address, 0, len(values))
	for _, value := range values {
		addr, err := parseAddress(value)
		if err != nil {
			return nil, err
		}
		path = append(path, addr)
	}
	return path, nil
}

func parseAmount(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("amount required")
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return parsed, nil
}

func parseQ96(value string) (fixedpoint.Q96, error) {
	if value == "" {
		return fixedpoint.Q96{}, fmt.Errorf("sqrt price required")
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return fixedpoint.Q96{}, fmt.Errorf("invalid sqrt price %q", value)
	}
	return fixedpoint.Q96FromBig(parsed)
}

func parseRateModel(value string) (lend.RateModel, error) {
	if value == "" {
		return lend.ConstantModel{}, nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid rate %q", value)
	}
	rate, err := fixedpoint.RayFromBig(parsed)
	if err != nil {
		return nil, err
	}
	return lend.ConstantModel{Rate: rate}, nil
}

package amm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

// PoolState is a deep copy of a pool's mutable state, used to roll a pool
// back when a multi-step margin operation fails partway, and as the source
// for persisted snapshots.
type PoolState struct {
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

	Ticks     map[int]*TickInfo
	Bitmap    map[int16]*uint256.Int
	Positions map[common.Hash]*Position

	TickCumulative int64
	LastTimestamp  uint64
}

// Snapshot captures the pool's mutable state.
func (p *Pool) Snapshot() *PoolState {
	s := &PoolState{
		SqrtPrice:        fixedpoint.NewQ96(&p.SqrtPrice.Int),
		Tick:             p.Tick,
		Liquidity:        new(big.Int).Set(p.Liquidity),
		FeeGrowthGlobal0: p.FeeGrowthGlobal0,
		FeeGrowthGlobal1: p.FeeGrowthGlobal1,
		InterestGlobal:   p.InterestGlobal,
		BaseAmount0:      new(uint256.Int).Set(p.BaseAmount0),
		BaseAmount1:      new(uint256.Int).Set(p.BaseAmount1),
		ProtocolFees0:    new(uint256.Int).Set(p.ProtocolFees0),
		ProtocolFees1:    new(uint256.Int).Set(p.ProtocolFees1),
		Ticks:            make(map[int]*TickInfo, len(p.ticks)),
		Bitmap:           make(map[int16]*uint256.Int, len(p.bitmap)),
		Positions:        make(map[common.Hash]*Position, len(p.positions)),
		TickCumulative:   p.tickCumulative,
		LastTimestamp:    p.lastTimestamp,
	}
	for tick, info := range p.ticks {
		s.Ticks[tick] = info.clone()
	}
	for word, bitsSet := range p.bitmap {
		s.Bitmap[word] = new(uint256.Int).Set(bitsSet)
	}
	for key, pos := range p.positions {
		s.Positions[key] = pos.clone()
	}
	return s
}

// Restore rolls the pool back to a previously captured state.
func (p *Pool) Restore(s *PoolState) {
	p.SqrtPrice = fixedpoint.NewQ96(&s.SqrtPrice.Int)
	p.Tick = s.Tick
	p.Liquidity = new(big.Int).Set(s.Liquidity)
	p.FeeGrowthGlobal0 = s.FeeGrowthGlobal0
	p.FeeGrowthGlobal1 = s.FeeGrowthGlobal1
	p.InterestGlobal = s.InterestGlobal
	p.BaseAmount0 = new(uint256.Int).Set(s.BaseAmount0)
	p.BaseAmount1 = new(uint256.Int).Set(s.BaseAmount1)
	p.ProtocolFees0 = new(uint256.Int).Set(s.ProtocolFees0)
	p.ProtocolFees1 = new(uint256.Int).Set(s.ProtocolFees1)
	p.ticks = make(tickLedger, len(s.Ticks))
	for tick, info := range s.Ticks {
		p.ticks[tick] = info.clone()
	}
	p.bitmap = make(tickBitmap, len(s.Bitmap))
	for word, bitsSet := range s.Bitmap {
		p.bitmap[word] = new(uint256.Int).Set(bitsSet)
	}
	p.positions = make(map[common.Hash]*Position, len(s.Positions))
	for key, pos := range s.Positions {
		p.positions[key] = pos.clone()
	}
	p.tickCumulative = s.TickCumulative
	p.lastTimestamp = s.LastTimestamp
}

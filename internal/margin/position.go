// Package margin is the leveraged-position ledger. It orchestrates swaps
// against the pools to open and close directional exposure, accounts debt as
// shares of the lending engine's compounding index, and enforces the health
// factor on every mutation.
package margin

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrDirectionMismatch = errors.New("margin: direction mismatch")
	ErrNoPosition        = errors.New("margin: position not found")
)

// Position is the per (trader, pool, direction) margin record. Direction
// selects the debt asset: true borrows token0, false borrows token1.
// DebtShares is a claim against the side's compounding interest index, not a
// principal amount. Input0/Input1 track trader-contributed margin separately
// from swapped-in collateral.
type Position struct {
	Trader    common.Address
	Pool      common.Address
	Direction bool

	DebtShares *big.Int
	Collateral *big.Int
	Input0     *big.Int
	Input1     *big.Int
}

func newPositionRecord(trader, pool common.Address, direction bool) *Position {
	return &Position{
		Trader:     trader,
		Pool:       pool,
		Direction:  direction,
		DebtShares: new(big.Int),
		Collateral: new(big.Int),
		Input0:     new(big.Int),
		Input1:     new(big.Int),
	}
}

func (p *Position) clone() *Position {
	c := *p
	c.DebtShares = new(big.Int).Set(p.DebtShares)
	c.Collateral = new(big.Int).Set(p.Collateral)
	c.Input0 = new(big.Int).Set(p.Input0)
	c.Input1 = new(big.Int).Set(p.Input1)
	return &c
}

func (p *Position) empty() bool {
	return p.DebtShares.Sign() == 0 && p.Collateral.Sign() == 0
}

// merge folds another position of the same direction into this one.
func (p *Position) merge(other *Position) error {
	if other.Direction != p.Direction {
		return ErrDirectionMismatch
	}
	p.DebtShares.Add(p.DebtShares, other.DebtShares)
	p.Collateral.Add(p.Collateral, other.Collateral)
	p.Input0.Add(p.Input0, other.Input0)
	p.Input1.Add(p.Input1, other.Input1)
	return nil
}

// split divides the position by num/den. The closing part takes the floor of
// every pro-rata field; the remainder keeps the residue, so the two parts
// always sum to the original.
func (p *Position) split(num, den *big.Int) (closing, remainder *Position) {
	closing = newPositionRecord(p.Trader, p.Pool, p.Direction)
	remainder = p.clone()

	prorate := func(field *big.Int) *big.Int {
		part := new(big.Int).Mul(field, num)
		part.Quo(part, den)
		return part
	}

	closing.DebtShares = prorate(p.DebtShares)
	closing.Collateral = prorate(p.Collateral)
	closing.Input0 = prorate(p.Input0)
	closing.Input1 = prorate(p.Input1)

	remainder.DebtShares.Sub(remainder.DebtShares, closing.DebtShares)
	remainder.Collateral.Sub(remainder.Collateral, closing.Collateral)
	remainder.Input0.Sub(remainder.Input0, closing.Input0)
	remainder.Input1.Sub(remainder.Input1, closing.Input1)
	return closing, remainder
}

// PositionKey derives the composite map key for a margin position.
func PositionKey(trader, pool common.Address, direction bool) common.Hash {
	buf := make([]byte, 0, 2*common.AddressLength+1)
	buf = append(buf, trader.Bytes()...)
	buf = append(buf, pool.Bytes()...)
	if direction {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return common.BytesToHash(crypto.Keccak256(buf))
}

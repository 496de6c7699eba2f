package amm

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"leverswap/internal/fixedpoint"
)

var ErrNoLiquidity = errors.New("amm: position has no liquidity")

// Position is the per (owner, tick range) liquidity accounting record. Owed
// tokens accrue lazily: they are settled from the growth-inside deltas at
// every liquidity change, never continuously.
type Position struct {
	Owner     common.Address
	TickLower int
	TickUpper int

	Liquidity          *big.Int
	FeeGrowthInside0   fixedpoint.X128
	FeeGrowthInside1   fixedpoint.X128
	InterestInsideLast InterestGrowth
	TokensOwed0        *uint256.Int
	TokensOwed1        *uint256.Int
}

func newPosition(owner common.Address, lower, upper int) *Position {
	return &Position{
		Owner:       owner,
		TickLower:   lower,
		TickUpper:   upper,
		Liquidity:   new(big.Int),
		TokensOwed0: new(uint256.Int),
		TokensOwed1: new(uint256.Int),
	}
}

func (p *Position) clone() *Position {
	c := *p
	c.Liquidity = new(big.Int).Set(p.Liquidity)
	c.TokensOwed0 = new(uint256.Int).Set(p.TokensOwed0)
	c.TokensOwed1 = new(uint256.Int).Set(p.TokensOwed1)
	return &c
}

// update applies a liquidity delta and settles owed tokens against the
// supplied growth-inside values. Interest growth on each side credits the
// same side's owed balance alongside swap fees.
func (p *Position) update(
	liquidityDelta *big.Int,
	feeInside0, feeInside1 *fixedpoint.X128,
	interestInside *InterestGrowth,
) error {
	liquidityNext := p.Liquidity
	if liquidityDelta.Sign() != 0 {
		var err error
		liquidityNext, err = addLiquidityDelta(p.Liquidity, liquidityDelta)
		if err != nil {
			return err
		}
	} else if p.Liquidity.Sign() == 0 {
		return ErrNoLiquidity
	}

	if p.Liquidity.Sign() > 0 {
		liquidity, overflow := uint256.FromBig(p.Liquidity)
		if overflow {
			return fixedpoint.ErrOverflow
		}

		feeDelta0 := feeInside0.SubWrap(&p.FeeGrowthInside0)
		feeDelta1 := feeInside1.SubWrap(&p.FeeGrowthInside1)
		igDelta0 := interestInside.IG0.SubWrap(&p.InterestInsideLast.IG0)
		igDelta1 := interestInside.IG1.SubWrap(&p.InterestInsideLast.IG1)

		owed0, err := fixedpoint.OwedFromGrowth(&feeDelta0, liquidity)
		if err != nil {
			return err
		}
		owed1, err := fixedpoint.OwedFromGrowth(&feeDelta1, liquidity)
		if err != nil {
			return err
		}
		interest0, err := fixedpoint.OwedFromGrowth(&igDelta0, liquidity)
		if err != nil {
			return err
		}
		interest1, err := fixedpoint.OwedFromGrowth(&igDelta1, liquidity)
		if err != nil {
			return err
		}

		p.TokensOwed0.Add(p.TokensOwed0, owed0)
		p.TokensOwed0.Add(p.TokensOwed0, interest0)
		p.TokensOwed1.Add(p.TokensOwed1, owed1)
		p.TokensOwed1.Add(p.TokensOwed1, interest1)
	}

	p.Liquidity = liquidityNext
	p.FeeGrowthInside0 = *feeInside0
	p.FeeGrowthInside1 = *feeInside1
	p.InterestInsideLast = *interestInside
	return nil
}

// LiquidityPositionKey derives the composite map key for an LP position.
func LiquidityPositionKey(owner common.Address, lower, upper int) common.Hash {
	buf := make([]byte, 0, common.AddressLength+8)
	buf = append(buf, owner.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(lower)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(upper)))
	return common.BytesToHash(crypto.Keccak256(buf))
}

// Package oracle supplies index prices and receives the pools' price
// observations. The engines depend only on the interfaces; the concrete
// implementations are a fixed in-memory feed and an on-chain adapter.
package oracle

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"leverswap/internal/fixedpoint"
)

var ErrNoPrice = errors.New("oracle: no price for pool")

// PriceFeed returns the index sqrt price (Q64.96) for a pool's pair.
type PriceFeed interface {
	IndexSqrtPrice(pool common.Address) (fixedpoint.Q96, error)
}

// FixedFeed serves prices set by an operator. Used for deterministic replay
// and tests.
type FixedFeed struct {
	mu     sync.RWMutex
	prices map[common.Address]fixedpoint.Q96
}

func NewFixedFeed() *FixedFeed {
	return &FixedFeed{prices: make(map[common.Address]fixedpoint.Q96)}
}

// SetPrice installs the index sqrt price for a pool.
func (f *FixedFeed) SetPrice(pool common.Address, sqrtPrice fixedpoint.Q96) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[pool] = sqrtPrice
}

func (f *FixedFeed) IndexSqrtPrice(pool common.Address) (fixedpoint.Q96, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[pool]
	if !ok {
		return fixedpoint.Q96{}, ErrNoPrice
	}
	return price, nil
}

package oracle

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Observation is one time-weighted price/liquidity sample written by a pool.
type Observation struct {
	Tick      int
	Liquidity *big.Int
	At        time.Time
}

// RingObserver keeps the most recent observations per pool in a fixed-size
// ring.
type RingObserver struct {
	mu       sync.Mutex
	capacity int
	rings    map[common.Address][]Observation
}

func NewRingObserver(capacity int) *RingObserver {
	if capacity <= 0 {
		capacity = 64
	}
	return &RingObserver{
		capacity: capacity,
		rings:    make(map[common.Address][]Observation),
	}
}

func (o *RingObserver) Observe(pool common.Address, tick int, liquidity *big.Int, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ring := o.rings[pool]
	ring = append(ring, Observation{
		Tick:      tick,
		Liquidity: new(big.Int).Set(liquidity),
		At:        at,
	})
	if len(ring) > o.capacity {
		ring = ring[len(ring)-o.capacity:]
	}
	o.rings[pool] = ring
}

// Observations returns a copy of the pool's recorded samples, oldest first.
func (o *RingObserver) Observations(pool common.Address) []Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	ring := o.rings[pool]
	out := make([]Observation, len(ring))
	copy(out, ring)
	return out
}

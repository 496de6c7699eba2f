package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"leverswap/internal/fixedpoint"
)

const feedABIJSON = `[{"inputs":[{"internalType":"address","name":"pool","type":"address"}],"name":"sqrtPriceX96","outputs":[{"internalType":"uint160","name":"","type":"uint160"}],"stateMutability":"view","type":"function"}]`

// ChainFeed reads index prices from a feed contract over RPC, with cached
// answers and bounded retries.
type ChainFeed struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	feedABI   abi.ABI
	contract  common.Address
	timeout   time.Duration
	retries   int

	mu    sync.RWMutex
	cache map[common.Address]cachedPrice
	ttl   time.Duration
}

type cachedPrice struct {
	price fixedpoint.Q96
	at    time.Time
}

// NewChainFeed dials the RPC endpoint and binds the feed contract.
func NewChainFeed(ctx context.Context, rpcURL string, contract common.Address, ttl time.Duration) (*ChainFeed, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	feedABI, err := abi.JSON(strings.NewReader(feedABIJSON))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse feed abi: %w", err)
	}
	return &ChainFeed{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		feedABI:   feedABI,
		contract:  contract,
		timeout:   10 * time.Second,
		retries:   3,
		cache:     make(map[common.Address]cachedPrice),
		ttl:       ttl,
	}, nil
}

// Close closes the underlying RPC client.
func (f *ChainFeed) Close() {
	if f.rpcClient != nil {
		f.rpcClient.Close()
	}
}

func (f *ChainFeed) IndexSqrtPrice(pool common.Address) (fixedpoint.Q96, error) {
	f.mu.RLock()
	cached, ok := f.cache[pool]
	f.mu.RUnlock()
	if ok && time.Since(cached.at) < f.ttl {
		return cached.price, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	var raw *big.Int
	err := withRetry(ctx, f.retries, 100*time.Millisecond, func(ctx context.Context) error {
		input, err := f.feedABI.Pack("sqrtPriceX96", pool)
		if err != nil {
			return fmt.Errorf("pack call: %w", err)
		}
		output, err := f.ethClient.CallContract(ctx, ethereum.CallMsg{To: &f.contract, Data: input}, nil)
		if err != nil {
			return fmt.Errorf("eth_call: %w", err)
		}
		values, err := f.feedABI.Unpack("sqrtPriceX96", output)
		if err != nil {
			return fmt.Errorf("unpack result: %w", err)
		}
		answer, ok := values[0].(*big.Int)
		if !ok || answer.Sign() == 0 {
			return ErrNoPrice
		}
		raw = answer
		return nil
	})
	if err != nil {
		return fixedpoint.Q96{}, err
	}

	price, err := fixedpoint.Q96FromBig(raw)
	if err != nil {
		return fixedpoint.Q96{}, err
	}

	f.mu.Lock()
	f.cache[pool] = cachedPrice{price: price, at: time.Now()}
	f.mu.Unlock()
	return price, nil
}

func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}

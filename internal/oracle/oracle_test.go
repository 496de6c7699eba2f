package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"leverswap/internal/fixedpoint"
)

var oraclePool = common.HexToAddress("0x0000000000000000000000000000000000000077")

func TestFixedFeedRoundTrip(t *testing.T) {
	feed := NewFixedFeed()
	if _, err := feed.IndexSqrtPrice(oraclePool); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}

	price := fixedpoint.NewQ96(fixedpoint.QOne96)
	feed.SetPrice(oraclePool, price)
	got, err := feed.IndexSqrtPrice(oraclePool)
	if err != nil {
		t.Fatalf("IndexSqrtPrice: %v", err)
	}
	if got.Cmp(&price) != 0 {
		t.Fatalf("price = %s, want %s", got.Int.Dec(), price.Int.Dec())
	}
}

func TestRingObserverEvictsOldest(t *testing.T) {
	obs := NewRingObserver(3)
	at := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		obs.Observe(oraclePool, i, big.NewInt(int64(100+i)), at.Add(time.Duration(i)*time.Second))
	}

	samples := obs.Observations(oraclePool)
	if len(samples) != 3 {
		t.Fatalf("len = %d, want 3", len(samples))
	}
	if samples[0].Tick != 2 || samples[2].Tick != 4 {
		t.Fatalf("ticks = [%d..%d], want [2..4]", samples[0].Tick, samples[2].Tick)
	}
	if samples[2].Liquidity.Cmp(big.NewInt(104)) != 0 {
		t.Fatalf("liquidity = %s, want 104", samples[2].Liquidity)
	}
}

func TestRingObserverCopiesLiquidity(t *testing.T) {
	obs := NewRingObserver(4)
	liquidity := big.NewInt(500)
	obs.Observe(oraclePool, 0, liquidity, time.Unix(1_700_000_000, 0))
	liquidity.SetInt64(0)

	samples := obs.Observations(oraclePool)
	if samples[0].Liquidity.Cmp(big.NewInt(500)) != 0 {
		t.Fatal("observation must not alias the caller's value")
	}
}

func TestWithRetryStopsAfterMaxRetries(t *testing.T) {
	wantErr := errors.New("transient")
	calls := 0
	err := withRetry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial try plus two retries)", calls)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, 5, time.Second, func(context.Context) error {
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

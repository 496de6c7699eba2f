package replay

import (
	"testing"
	"time"

	"leverswap/internal/model"
)

func TestEnvironmentClockNeverRunsBackwards(t *testing.T) {
	env := NewEnvironment(rOwner, rCustody, rFund, nil)
	env.AdvanceTo(100)
	if got := env.Now(); !got.Equal(time.Unix(100, 0).UTC()) {
		t.Fatalf("now = %v", got)
	}
	env.AdvanceTo(50)
	if got := env.Now(); !got.Equal(time.Unix(100, 0).UTC()) {
		t.Fatalf("clock moved backwards to %v", got)
	}
}

func TestEnvironmentRejectsUnknownOp(t *testing.T) {
	env := NewEnvironment(rOwner, rCustody, rFund, nil)
	event := env.Apply(model.Action{Seq: 1, At: 1, Op: "teleport"})
	if event.Status != model.StatusRejected {
		t.Fatalf("status = %s", event.Status)
	}
	if event.Reason == "" {
		t.Fatal("reason empty")
	}
}

func TestEnvironmentRejectsDuplicatePool(t *testing.T) {
	env := NewEnvironment(rOwner, rCustody, rFund, nil)
	create := model.Action{
		Seq: 1, At: 1, Op: model.OpCreatePool,
		Pool: rPool.Hex(), Token0: rToken0.Hex(), Token1: rToken1.Hex(),
		TickSpacing: 60, SqrtPrice: unitSqrtPrice,
	}
	if event := env.Apply(create); event.Status != model.StatusApplied {
		t.Fatalf("first create rejected: %s", event.Reason)
	}
	create.Seq = 2
	if event := env.Apply(create); event.Status != model.StatusRejected {
		t.Fatal("duplicate create applied")
	}
	if got := len(env.Pools()); got != 1 {
		t.Fatalf("pools = %d", got)
	}
}

func TestSnapshotPoolExportsState(t *testing.T) {
	env := NewEnvironment(rOwner, rCustody, rFund, nil)
	event := env.Apply(model.Action{
		Seq: 1, At: 1, Op: model.OpCreatePool,
		Pool: rPool.Hex(), Token0: rToken0.Hex(), Token1: rToken1.Hex(),
		TickSpacing: 60, SqrtPrice: unitSqrtPrice,
	})
	if event.Status != model.StatusApplied {
		t.Fatalf("create rejected: %s", event.Reason)
	}

	pool := env.Pools()[0]
	snap := SnapshotPool(pool, 1, 1)
	if snap.Pool != rPool.Hex() {
		t.Fatalf("snapshot pool = %s", snap.Pool)
	}
	if snap.SqrtPrice != unitSqrtPrice {
		t.Fatalf("snapshot sqrt price = %s", snap.SqrtPrice)
	}
	if snap.Liquidity != "0" {
		t.Fatalf("snapshot liquidity = %s", snap.Liquidity)
	}
	if snap.TakenAtSeq != 1 {
		t.Fatalf("snapshot seq = %d", snap.TakenAtSeq)
	}
}

func TestEnvironmentExactOutputOps(t *testing.T) {
	env := NewEnvironment(rOwner, rCustody, rFund, nil)
	setup := []model.Action{
		{Seq: 1, At: 1, Op: model.OpCreatePool,
			Pool: rPool.Hex(), Token0: rToken0.Hex(), Token1: rToken1.Hex(),
			TickSpacing: 60, SqrtPrice: unitSqrtPrice},
		{Seq: 2, At: 1, Op: model.OpConfigurePair, Pool: rPool.Hex(),
			MinMarginBps: 1000, MaintenanceBps: 1000, PenaltyBps: 500, DiscountBps: 500},
		{Seq: 3, At: 1, Op: model.OpFund,
			Account: rTrader.Hex(), Token: rToken1.Hex(), Amount: "2000000"},
		{Seq: 4, At: 1, Op: model.OpAddLiquidity, Pool: rPool.Hex(), Owner: rLP.Hex(),
			TickLower: -887220, TickUpper: 887220, Amount: "1000000000000000"},
	}
	for _, action := range setup {
		if event := env.Apply(action); event.Status != model.StatusApplied {
			t.Fatalf("setup seq %d rejected: %s", action.Seq, event.Reason)
		}
	}

	open := env.Apply(model.Action{
		Seq: 5, At: 1, Op: model.OpOpenExactOut,
		Pool: rPool.Hex(), Trader: rTrader.Hex(), Direction: false,
		Path:   []string{rToken1.Hex(), rToken0.Hex()},
		Margin: "1000000", Amount: "5000000",
	})
	if open.Status != model.StatusApplied {
		t.Fatalf("open rejected: %s", open.Reason)
	}
	if open.Collateral != "5000000" {
		t.Fatalf("collateral = %s, want the exact target", open.Collateral)
	}

	closeEvent := env.Apply(model.Action{
		Seq: 6, At: 1, Op: model.OpCloseExactOut,
		Pool: rPool.Hex(), Trader: rTrader.Hex(), Direction: true,
		Path:   []string{rToken0.Hex(), rToken1.Hex()},
		Amount: "2000000",
	})
	if closeEvent.Status != model.StatusApplied {
		t.Fatalf("close rejected: %s", closeEvent.Reason)
	}
	if closeEvent.DebtShares == open.DebtShares {
		t.Fatalf("debt shares unchanged at %s", closeEvent.DebtShares)
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := parseAddress("nope"); err == nil {
		t.Fatal("bad address accepted")
	}
	if _, err := parsePath([]string{rToken0.Hex()}); err == nil {
		t.Fatal("single-hop path accepted")
	}
	if _, err := parseAmount("12x"); err == nil {
		t.Fatal("bad amount accepted")
	}
	if _, err := parseQ96(""); err == nil {
		t.Fatal("empty sqrt price accepted")
	}
	rateModel, err := parseRateModel("")
	if err != nil {
		t.Fatalf("default rate model: %v", err)
	}
	if rateModel == nil {
		t.Fatal("default rate model nil")
	}
}

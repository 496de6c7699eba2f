package replay

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"leverswap/internal/model"
)

var (
	rToken0  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	rToken1  = common.HexToAddress("0x1000000000000000000000000000000000000002")
	rPool    = common.HexToAddress("0x1000000000000000000000000000000000000010")
	rOwner   = common.HexToAddress("0x1000000000000000000000000000000000000020")
	rCustody = common.HexToAddress("0x1000000000000000000000000000000000000021")
	rFund    = common.HexToAddress("0x1000000000000000000000000000000000000022")
	rLP      = common.HexToAddress("0x1000000000000000000000000000000000000030")
	rTrader  = common.HexToAddress("0x1000000000000000000000000000000000000031")
)

// 2^96, the 1:1 sqrt price.
const unitSqrtPrice = "79228162514264337593543950336"

type memStorage struct {
	batches [][]model.EngineEvent
}

func (m *memStorage) PutEventBatch(events []model.EngineEvent) error {
	cp := make([]model.EngineEvent, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *memStorage) all() []model.EngineEvent {
	var out []model.EngineEvent
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func writeJournal(t *testing.T, path string, actions []model.Action) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	for _, action := range actions {
		if err := enc.Encode(action); err != nil {
			t.Fatalf("encode action: %v", err)
		}
	}
}

func testJournal() []model.Action {
	base := uint64(1_700_000_000)
	return []model.Action{
		{
			Seq: 1, At: base + 1, Op: model.OpCreatePool,
			Pool: rPool.Hex(), Token0: rToken0.Hex(), Token1: rToken1.Hex(),
			Fee: 0, TickSpacing: 60, SqrtPrice: unitSqrtPrice,
		},
		{
			Seq: 2, At: base + 2, Op: model.OpConfigurePair,
			Pool:         rPool.Hex(),
			MinMarginBps: 1000, MaintenanceBps: 1000,
			PenaltyBps: 500, DiscountBps: 500,
		},
		{
			Seq: 3, At: base + 3, Op: model.OpFund,
			Account: rTrader.Hex(), Token: rToken1.Hex(), Amount: "2000000",
		},
		{
			Seq: 4, At: base + 4, Op: model.OpAddLiquidity,
			Pool: rPool.Hex(), Owner: rLP.Hex(),
			TickLower: -887220, TickUpper: 887220, Amount: "1000000000000000",
		},
		{
			Seq: 5, At: base + 5, Op: model.OpOpen,
			Pool: rPool.Hex(), Trader: rTrader.Hex(), Direction: false,
			Path:   []string{rToken1.Hex(), rToken0.Hex()},
			Margin: "1000000", Size: "4000000",
		},
		{
			Seq: 6, At: base + 6, Op: model.OpClose,
			Pool: rPool.Hex(), Trader: rTrader.Hex(), Direction: true,
			Path:   []string{rToken0.Hex(), rToken1.Hex()},
			Amount: "2000000",
		},
		{
			Seq: 7, At: base + 7, Op: model.OpOpen,
			Pool:   "0x1000000000000000000000000000000000000099",
			Trader: rTrader.Hex(), Direction: false,
			Path:   []string{rToken1.Hex(), rToken0.Hex()},
			Margin: "1000000", Size: "4000000",
		},
	}
}

func TestRunnerReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "actions.jsonl")
	checkpointPath := filepath.Join(dir, "checkpoint.json")
	writeJournal(t, journalPath, testJournal())

	env := NewEnvironment(rOwner, rCustody, rFund, nil)
	sink := &memStorage{}
	runner := NewRunner(RunConfig{
		ActionsPath:       journalPath,
		BatchSize:         3,
		CheckpointPath:    checkpointPath,
		CheckpointEnabled: true,
	}, env, sink, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := runner.LastApplied(); got != 7 {
		t.Fatalf("last applied = %d, want 7", got)
	}
	if len(sink.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(sink.batches))
	}

	events := sink.all()
	if len(events) != 7 {
		t.Fatalf("events = %d, want 7", len(events))
	}
	for i, event := range events {
		if event.Seq != uint64(i+1) {
			t.Fatalf("event %d seq = %d", i, event.Seq)
		}
	}

	created := events[0]
	if created.Status != model.StatusApplied {
		t.Fatalf("create_pool status = %s", created.Status)
	}
	if created.SqrtPrice != unitSqrtPrice {
		t.Fatalf("create_pool sqrt price = %s", created.SqrtPrice)
	}
	if created.Tick != 0 {
		t.Fatalf("create_pool tick = %d", created.Tick)
	}

	opened := events[4]
	if opened.Status != model.StatusApplied {
		t.Fatalf("open rejected: %s", opened.Reason)
	}
	if opened.DebtShares != "4000000" {
		t.Fatalf("open debt shares = %s", opened.DebtShares)
	}
	collateral, ok := new(big.Int).SetString(opened.Collateral, 10)
	if !ok {
		t.Fatalf("open collateral = %q", opened.Collateral)
	}
	if collateral.Cmp(big.NewInt(4_999_900)) <= 0 || collateral.Cmp(big.NewInt(5_000_000)) > 0 {
		t.Fatalf("open collateral = %s", collateral)
	}

	closed := events[5]
	if closed.Status != model.StatusApplied {
		t.Fatalf("close rejected: %s", closed.Reason)
	}
	remaining, ok := new(big.Int).SetString(closed.DebtShares, 10)
	if !ok {
		t.Fatalf("close debt shares = %q", closed.DebtShares)
	}
	if remaining.Sign() <= 0 || remaining.Cmp(big.NewInt(4_000_000)) >= 0 {
		t.Fatalf("close debt shares = %s", remaining)
	}

	rejected := events[6]
	if rejected.Status != model.StatusRejected {
		t.Fatalf("unknown pool status = %s", rejected.Status)
	}
	if rejected.Reason == "" {
		t.Fatal("unknown pool reason empty")
	}

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatalf("parse checkpoint: %v", err)
	}
	if cp.LastAppliedSeq != 7 {
		t.Fatalf("checkpoint seq = %d, want 7", cp.LastAppliedSeq)
	}
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "actions.jsonl")
	checkpointPath := filepath.Join(dir, "checkpoint.json")
	writeJournal(t, journalPath, testJournal())

	cfg := RunConfig{
		ActionsPath:       journalPath,
		BatchSize:         10,
		CheckpointPath:    checkpointPath,
		CheckpointEnabled: true,
	}

	first := NewRunner(cfg, NewEnvironment(rOwner, rCustody, rFund, nil), &memStorage{}, nil)
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	sink := &memStorage{}
	second := NewRunner(cfg, NewEnvironment(rOwner, rCustody, rFund, nil), sink, nil)
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("resumed run emitted %d events, want 0", len(sink.all()))
	}
	if got := second.LastApplied(); got != 7 {
		t.Fatalf("resumed last applied = %d, want 7", got)
	}
}

func TestRunnerRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "actions.jsonl")
	if err := os.WriteFile(journalPath, []byte("{\"seq\":1,\"at\":1,\"op\":\"fund\"}\nnot json\n"), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	runner := NewRunner(RunConfig{
		ActionsPath: journalPath,
		BatchSize:   10,
	}, NewEnvironment(rOwner, rCustody, rFund, nil), &memStorage{}, nil)

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRunnerValidatesConfig(t *testing.T) {
	runner := NewRunner(RunConfig{ActionsPath: "x", BatchSize: 0},
		NewEnvironment(rOwner, rCustody, rFund, nil), &memStorage{}, nil)
	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected batch size error")
	}
}

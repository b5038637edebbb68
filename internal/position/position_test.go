package position

import (
	"testing"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

func testKey() types.MarketKey { return types.MarketKey{DexID: 1, AssetID: 100001} }

func mustPrice(t *testing.T, s string) dec.Price {
	t.Helper()
	p, err := dec.NewPrice(s)
	if err != nil {
		t.Fatalf("price %q: %v", s, err)
	}
	return p
}

func mustSize(t *testing.T, s string) dec.Size {
	t.Helper()
	sz, err := dec.NewSize(s)
	if err != nil {
		t.Fatalf("size %q: %v", s, err)
	}
	return sz
}

func newTracker() *Tracker {
	return New(config.PositionConfig{}, nil)
}

func TestRegisterOrder_PublishesPendingCountAndSnapshot(t *testing.T) {
	key := testKey()
	tr := newTracker()

	tr.handle(RegisterOrder{Order: types.TrackedOrder{
		Cloid:  "c1",
		Market: key,
		Side:   types.BUY,
		Status: types.StatusOpen,
	}})

	if got := tr.PendingOrderCount(key); got != 1 {
		t.Fatalf("expected pending count 1, got %d", got)
	}
	snap := tr.PendingOrderSnapshot()
	if _, ok := snap["c1"]; !ok {
		t.Fatalf("expected c1 in pending snapshot")
	}

	tr.handle(RemoveOrder{Cloid: "c1", Market: key})
	if got := tr.PendingOrderCount(key); got != 0 {
		t.Fatalf("expected pending count 0 after removal, got %d", got)
	}
}

func TestApplyOrderUpdate_SnapshotOrdering_BuffersIncrementsUntilSnapshotDone(t *testing.T) {
	key := testKey()
	tr := newTracker()

	// An increment arrives before the snapshot is complete: must be buffered,
	// not applied immediately.
	tr.handle(OrderUpdate{
		Market: key, Cloid: "incr-1", Status: types.StatusOpen, IsSnapshot: false,
	})
	if _, ok := tr.orders["incr-1"]; ok {
		t.Fatalf("increment arriving before snapshot-done must not be applied yet")
	}

	// A snapshot-flagged element applies immediately even though the flag
	// hasn't been marked done yet.
	tr.handle(OrderUpdate{
		Market: key, Cloid: "snap-1", Status: types.StatusOpen, IsSnapshot: true,
	})
	if _, ok := tr.orders["snap-1"]; !ok {
		t.Fatalf("snapshot-flagged order should apply immediately")
	}

	tr.handle(OrderSnapshotDone{})

	if _, ok := tr.orders["incr-1"]; !ok {
		t.Fatalf("buffered increment should have been replayed after snapshot done")
	}
}

func TestApplyFill_DedupByCloidAndPositionAccumulation(t *testing.T) {
	key := testKey()
	tr := newTracker()
	tr.handle(FillsSnapshotDone{})

	fill := types.Fill{
		Cloid: "f1", Market: key, Side: types.BUY,
		Price: mustPrice(t, "100.0"), Size: mustSize(t, "2.0"), TimeMs: 1000,
	}
	tr.handle(UserFill{Fill: fill})
	tr.handle(UserFill{Fill: fill}) // duplicate: must be ignored

	snap := tr.PositionSnapshot()
	pos, ok := snap[key]
	if !ok {
		t.Fatalf("expected an open position after one fill")
	}
	if !pos.Size.Equal(mustSize(t, "2.0").Decimal) {
		t.Errorf("expected size 2.0 after dedup, got %v", pos.Size)
	}
	if pos.Side != types.BUY {
		t.Errorf("expected BUY side, got %v", pos.Side)
	}
	if pos.EntryTimestampMs != 1000 {
		t.Errorf("expected entry timestamp 1000, got %d", pos.EntryTimestampMs)
	}
	if !tr.HasPosition(key) {
		t.Errorf("expected HasPosition true")
	}

	// Opposite-side fill flattens the position exactly.
	tr.handle(UserFill{Fill: types.Fill{
		Cloid: "f2", Market: key, Side: types.SELL,
		Price: mustPrice(t, "101.0"), Size: mustSize(t, "2.0"), TimeMs: 2000,
	}})

	if tr.HasPosition(key) {
		t.Errorf("expected HasPosition false after flattening fill")
	}
	if _, ok := tr.PositionSnapshot()[key]; ok {
		t.Errorf("expected no snapshot entry for a flat market")
	}
}

func TestApplyFill_FlipDirectionResetsEntryTimestamp(t *testing.T) {
	key := testKey()
	tr := newTracker()
	tr.handle(FillsSnapshotDone{})

	tr.handle(UserFill{Fill: types.Fill{
		Cloid: "f1", Market: key, Side: types.BUY,
		Price: mustPrice(t, "100.0"), Size: mustSize(t, "1.0"), TimeMs: 1000,
	}})
	// Overshoot sell flips the position to short.
	tr.handle(UserFill{Fill: types.Fill{
		Cloid: "f2", Market: key, Side: types.SELL,
		Price: mustPrice(t, "102.0"), Size: mustSize(t, "3.0"), TimeMs: 5000,
	}})

	pos := tr.PositionSnapshot()[key]
	if pos.Side != types.SELL {
		t.Fatalf("expected SELL after flip, got %v", pos.Side)
	}
	if !pos.Size.Equal(mustSize(t, "2.0").Decimal) {
		t.Errorf("expected size 2.0 after flip, got %v", pos.Size)
	}
	if pos.EntryTimestampMs != 5000 {
		t.Errorf("expected entry timestamp reset to the flipping fill's 5000, got %d", pos.EntryTimestampMs)
	}
}

func TestSyncPositions_UpsertThenRemove_NeverFlashesEmpty(t *testing.T) {
	key1 := types.MarketKey{DexID: 1, AssetID: 100001}
	key2 := types.MarketKey{DexID: 1, AssetID: 100002}
	tr := newTracker()
	tr.handle(FillsSnapshotDone{})

	tr.handle(UserFill{Fill: types.Fill{
		Cloid: "f1", Market: key1, Side: types.BUY,
		Price: mustPrice(t, "100"), Size: mustSize(t, "1"), TimeMs: 1,
	}})
	tr.handle(UserFill{Fill: types.Fill{
		Cloid: "f2", Market: key2, Side: types.BUY,
		Price: mustPrice(t, "50"), Size: mustSize(t, "1"), TimeMs: 1,
	}})

	if len(tr.PositionSnapshot()) != 2 {
		t.Fatalf("expected 2 open positions before sync")
	}

	// Reconcile: only key1 is reported, with an updated size.
	tr.handle(SyncPositions{
		Dex: "test",
		Positions: []types.Position{
			{Market: key1, Side: types.BUY, Size: mustSize(t, "5"), EntryTimestampMs: 1},
		},
	})

	snap := tr.PositionSnapshot()
	if len(snap) != 1 {
		t.Fatalf("expected key2 removed after sync, got %d positions", len(snap))
	}
	if pos, ok := snap[key1]; !ok || !pos.Size.Equal(mustSize(t, "5").Decimal) {
		t.Fatalf("expected key1 upserted to size 5, got %+v ok=%v", pos, ok)
	}
	if tr.HasPosition(key2) {
		t.Errorf("expected HasPosition(key2) false after removal from reconciliation")
	}
}

func TestTryMarkPendingMarket_ClosesTheRace(t *testing.T) {
	key := testKey()
	tr := newTracker()

	if !tr.TryMarkPendingMarket(key) {
		t.Fatalf("first mark should succeed")
	}
	if tr.TryMarkPendingMarket(key) {
		t.Fatalf("second concurrent mark on the same market must fail")
	}
	tr.ReleasePendingMarket(key)
	if !tr.TryMarkPendingMarket(key) {
		t.Fatalf("mark should succeed again after release")
	}
}

func TestMaxNotionalFor_DynamicSizingWithZeroBalanceFallback(t *testing.T) {
	tr := New(config.PositionConfig{DynamicSizing: true, RiskPerMarketPct: 0.1}, nil)

	if got := tr.MaxNotionalFor(1000); got != 1000 {
		t.Fatalf("expected fallback to static max on zero balance, got %v", got)
	}

	tr.handle(BalanceUpdate{Cents: 500_00}) // $500
	if got := tr.MaxNotionalFor(1000); got != 50 {
		t.Fatalf("expected dynamic cap of balance*risk_pct=50, got %v", got)
	}

	tr.handle(BalanceUpdate{Cents: 100_000_00}) // $100,000: dynamic exceeds static max
	if got := tr.MaxNotionalFor(1000); got != 1000 {
		t.Fatalf("expected static max to win when dynamic cap is larger, got %v", got)
	}
}

func TestMaxNotionalFor_DisabledReturnsStaticMax(t *testing.T) {
	tr := New(config.PositionConfig{DynamicSizing: false}, nil)
	tr.handle(BalanceUpdate{Cents: 1})
	if got := tr.MaxNotionalFor(250); got != 250 {
		t.Fatalf("expected static max when dynamic sizing disabled, got %v", got)
	}
}

func TestSend_NonBlockingDropsOnFullQueue(t *testing.T) {
	tr := New(config.PositionConfig{}, nil)
	tr.msgCh = make(chan any, 1)

	if !tr.Send(BalanceUpdate{Cents: 1}) {
		t.Fatalf("first send into an empty buffered channel should succeed")
	}
	if tr.Send(BalanceUpdate{Cents: 2}) {
		t.Fatalf("second send into a full channel should report failure, not block")
	}
}

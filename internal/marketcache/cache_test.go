package marketcache

import (
	"testing"
	"time"

	"hip3-taker/pkg/types"
)

func TestSnapshot_UnknownMarketReturnsFalse(t *testing.T) {
	t.Parallel()

	c := New()
	_, ok := c.Snapshot(types.MarketKey{DexID: 1, AssetID: 1})
	if ok {
		t.Error("expected ok=false for an unobserved market")
	}
}

func TestUpdateBbo_SnapshotReflectsLatest(t *testing.T) {
	t.Parallel()

	c := New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	bbo := types.Bbo{ServerTimeMs: 1000}
	c.UpdateBbo(key, bbo)

	snap, ok := c.Snapshot(key)
	if !ok {
		t.Fatal("expected snapshot to exist after update")
	}
	if snap.BboServerTime != 1000 {
		t.Errorf("expected server time 1000, got %d", snap.BboServerTime)
	}
	if snap.BboRecvMono.IsZero() {
		t.Error("expected a non-zero monotonic receive time")
	}
}

func TestBboAge_AdvancesWithTime(t *testing.T) {
	t.Parallel()

	c := New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 1})

	time.Sleep(5 * time.Millisecond)
	age, ok := c.BboAge(key)
	if !ok {
		t.Fatal("expected age to be available")
	}
	if age < 5*time.Millisecond {
		t.Errorf("expected age >= 5ms, got %v", age)
	}
}

func TestBboAge_UnknownMarket(t *testing.T) {
	t.Parallel()

	c := New()
	_, ok := c.BboAge(types.MarketKey{DexID: 9, AssetID: 9})
	if ok {
		t.Error("expected ok=false for an unobserved market")
	}
}

func TestBboRegressed_FlagsServerTimeGoingBackwards(t *testing.T) {
	t.Parallel()

	c := New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 1000})
	if c.BboRegressed(key) {
		t.Error("should not be regressed after the first update")
	}

	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 500})
	if !c.BboRegressed(key) {
		t.Error("expected regression flag after a server time decrease")
	}

	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 1500})
	if c.BboRegressed(key) {
		t.Error("a forward-moving update should clear the regression flag")
	}
}

func TestCtxRegressed_IndependentOfBbo(t *testing.T) {
	t.Parallel()

	c := New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 1000})
	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 500}) // regress bbo only

	c.UpdateAssetCtx(key, types.AssetCtx{ServerTimeMs: 1000})

	if !c.BboRegressed(key) {
		t.Error("expected bbo regression flag to remain set")
	}
	if c.CtxRegressed(key) {
		t.Error("ctx regression must be tracked independently of bbo regression")
	}
}

func TestSpecChanged_DetectsHashDrift(t *testing.T) {
	t.Parallel()

	c := New()
	key := types.MarketKey{DexID: 1, AssetID: 1}

	if c.SpecChanged(key, "hash-a") {
		t.Error("the first observed hash must not count as a change")
	}
	if c.SpecChanged(key, "hash-a") {
		t.Error("an unchanged hash must not be reported as a change")
	}
	if !c.SpecChanged(key, "hash-b") {
		t.Error("expected a changed hash to be reported")
	}
}

func TestAgeIsMonotonicNotWallClock(t *testing.T) {
	t.Parallel()

	c := New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	// A server time far in the "past" must not affect the monotonic age.
	c.UpdateBbo(key, types.Bbo{ServerTimeMs: 1})
	age, ok := c.BboAge(key)
	if !ok {
		t.Fatal("expected age available")
	}
	if age > time.Second {
		t.Errorf("age should reflect real elapsed time since receipt, not wall-clock server time, got %v", age)
	}
}

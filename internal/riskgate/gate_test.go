package riskgate

import (
	"testing"
	"time"

	"hip3-taker/internal/marketcache"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

func bothSidedBbo() types.Bbo {
	bid, _ := dec.NewPrice("100")
	ask, _ := dec.NewPrice("100.5")
	sz, _ := dec.NewSize("1")
	return types.Bbo{
		Bid:          &types.BookSide{Price: bid, Size: sz},
		Ask:          &types.BookSide{Price: ask, Size: sz},
		ServerTimeMs: 1,
	}
}

func TestPipeline_UnobservedMarketBlocksBboNull(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	p := New(NewBboNullGate())
	res := p.Evaluate(cache, types.MarketKey{DexID: 1, AssetID: 1}, &EvalContext{})
	if res.Pass || res.Reason != ReasonBboNull {
		t.Fatalf("expected BboNull block for an unobserved market, got %+v", res)
	}
}

func TestPipeline_BboNullGate_BlocksOnPartialBook(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	bid, _ := dec.NewPrice("100")
	sz, _ := dec.NewSize("1")
	cache.UpdateBbo(key, types.Bbo{Bid: &types.BookSide{Price: bid, Size: sz}})

	p := New(NewBboNullGate())
	res := p.Evaluate(cache, key, &EvalContext{})
	if res.Pass || res.Reason != ReasonBboNull {
		t.Fatalf("expected BboNull block on a one-sided book, got %+v", res)
	}
}

func TestPipeline_PassesWhenAllGatesPass(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())
	cache.UpdateAssetCtx(key, types.AssetCtx{ServerTimeMs: 1})

	p := New(NewBboNullGate(), NewNoBboUpdateGate(2*time.Second), NewNoAssetCtxUpdateGate(8*time.Second))
	res := p.Evaluate(cache, key, &EvalContext{})
	if !res.Pass {
		t.Fatalf("expected pass, got block reason %v", res.Reason)
	}
}

func TestPipeline_FirstFailingGateWins(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	// No BBO at all: both BboNull and NoBboUpdate would fire, BboNull must win by order.
	p := New(NewBboNullGate(), NewNoBboUpdateGate(2*time.Second))
	res := p.Evaluate(cache, key, &EvalContext{})
	if res.Reason != ReasonBboNull {
		t.Fatalf("expected the first gate (BboNull) to name itself, got %v", res.Reason)
	}
}

func TestNoBboUpdateGate_BlocksOnStaleMonotonicAge(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())
	time.Sleep(5 * time.Millisecond)

	p := New(NewNoBboUpdateGate(1 * time.Millisecond))
	res := p.Evaluate(cache, key, &EvalContext{})
	if res.Pass || res.Reason != ReasonNoBboUpdate {
		t.Fatalf("expected NoBboUpdate block on stale data, got %+v", res)
	}
}

func TestTimeRegressionGate_BlocksOnServerTimeRegression(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, types.Bbo{ServerTimeMs: 1000})
	cache.UpdateBbo(key, types.Bbo{ServerTimeMs: 500})

	p := New(NewTimeRegressionGate(cache))
	res := p.Evaluate(cache, key, &EvalContext{})
	if res.Pass || res.Reason != ReasonTimeRegression {
		t.Fatalf("expected TimeRegression block, got %+v", res)
	}
}

func TestHaltGate_DisabledByDefaultContext(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())

	p := New(NewHaltGate())
	if res := p.Evaluate(cache, key, &EvalContext{Halted: false}); !res.Pass {
		t.Fatalf("expected pass when not halted, got %+v", res)
	}
	res := p.Evaluate(cache, key, &EvalContext{Halted: true})
	if res.Pass || res.Reason != ReasonHalt {
		t.Fatalf("expected Halt block when halted, got %+v", res)
	}
}

func TestMaxPositionGate_BlocksOnPerMarketCapExceeded(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())

	maxPerMarket := dec.PriceFromFloat(1000)
	current := dec.PriceFromFloat(900)
	prospective := dec.PriceFromFloat(200)

	p := New(NewMaxPositionGate())
	res := p.Evaluate(cache, key, &EvalContext{
		MaxPositionPerMarket: maxPerMarket,
		CurrentMarketNotional: current,
		ProspectiveNotional:   prospective,
	})
	if res.Pass || res.Reason != ReasonMaxPositionPerMarket {
		t.Fatalf("expected MaxPositionPerMarket block, got %+v", res)
	}
}

func TestMaxPositionGate_ZeroCapDisablesGate(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())

	p := New(NewMaxPositionGate())
	res := p.Evaluate(cache, key, &EvalContext{
		ProspectiveNotional: dec.PriceFromFloat(1_000_000),
	})
	if !res.Pass {
		t.Fatalf("expected pass when caps are zero (disabled), got %+v", res)
	}
}

func TestFlattenInProgressGate(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())

	p := New(NewFlattenInProgressGate())
	res := p.Evaluate(cache, key, &EvalContext{FlattenInProgress: true})
	if res.Pass || res.Reason != ReasonFlattenInProgress {
		t.Fatalf("expected FlattenInProgress block, got %+v", res)
	}
}

func TestCorrelationCooldownGate(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 1}
	cache.UpdateBbo(key, bothSidedBbo())

	p := New(NewCorrelationCooldownGate())
	res := p.Evaluate(cache, key, &EvalContext{CorrelationGroupMin: 3, RecentClosesInGroup: 3})
	if res.Pass || res.Reason != ReasonCorrelationCooldown {
		t.Fatalf("expected CorrelationCooldown block, got %+v", res)
	}
}

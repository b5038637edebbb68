package orchestrator

import (
	"testing"
	"time"

	"hip3-taker/internal/config"
	"hip3-taker/internal/marketcache"
	"hip3-taker/internal/riskgate"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

func bothSidedBbo() types.Bbo {
	bid, _ := dec.NewPrice("100")
	ask, _ := dec.NewPrice("100.5")
	sz, _ := dec.NewSize("1")
	return types.Bbo{Bid: &types.BookSide{Price: bid, Size: sz}, Ask: &types.BookSide{Price: ask, Size: sz}, ServerTimeMs: 1}
}

func TestBuildGatePipeline_PassesWithEveryOptionalThresholdDisabled(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 100001}
	cache.UpdateBbo(key, bothSidedBbo())
	cache.UpdateAssetCtx(key, types.AssetCtx{ServerTimeMs: 1})

	// Every optional threshold left at zero: only the always-on gates
	// (BboNull, TimeRegression, ParamChange, Halt, FlattenInProgress,
	// MaxPosition) run, and a clean snapshot must pass all of them.
	pipeline := buildGatePipeline(config.RiskConfig{MaxPositionPerMarket: 1000, MaxPositionTotal: 5000}, cache)
	evalCtx := riskEvalContextFixture()
	res := pipeline.Evaluate(cache, key, &evalCtx)
	if !res.Pass {
		t.Fatalf("expected a clean snapshot to pass the always-on gates, got %+v", res)
	}
}

func TestBuildGatePipeline_IncludesConfiguredOptionalGate(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := types.MarketKey{DexID: 1, AssetID: 100001}
	cache.UpdateBbo(key, bothSidedBbo())
	cache.UpdateAssetCtx(key, types.AssetCtx{ServerTimeMs: 1})

	evalCtx := riskEvalContextFixture()
	evalCtx.BboMaxAge = time.Nanosecond // overrides the gate's own threshold; any observed age exceeds this

	withoutGate := buildGatePipeline(config.RiskConfig{MaxPositionPerMarket: 1000, MaxPositionTotal: 5000}, cache)
	if res := withoutGate.Evaluate(cache, key, &evalCtx); !res.Pass {
		t.Fatalf("expected no NoBboUpdate gate without BboMaxAgeMs configured, got %+v", res)
	}

	withGate := buildGatePipeline(config.RiskConfig{
		MaxPositionPerMarket: 1000, MaxPositionTotal: 5000, BboMaxAgeMs: 1,
	}, cache)
	if res := withGate.Evaluate(cache, key, &evalCtx); res.Pass {
		t.Fatalf("expected the configured NoBboUpdate gate to block a stale book")
	}
}

func riskEvalContextFixture() riskgate.EvalContext {
	return riskgate.EvalContext{
		MaxPositionPerMarket: dec.PriceFromFloat(1000),
		MaxPositionTotal:     dec.PriceFromFloat(5000),
	}
}

func TestCorrelationState_PrunesClosesOutsideCooldownWindow(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{cfg: config.Config{Risk: config.RiskConfig{
		CorrelationCooldown:  50 * time.Millisecond,
		CorrelationGroupSize: 2,
	}}}

	o.recordClose()
	o.recordClose()

	count, groupMin := o.correlationState()
	if count != 2 {
		t.Fatalf("expected 2 recent closes immediately after recording, got %d", count)
	}
	if groupMin != 2 {
		t.Fatalf("expected CorrelationGroupMin to mirror config, got %d", groupMin)
	}

	time.Sleep(80 * time.Millisecond)
	count, _ = o.correlationState()
	if count != 0 {
		t.Fatalf("expected closes older than the cooldown window to be pruned, got %d", count)
	}
}

func TestAllFlat(t *testing.T) {
	t.Parallel()

	flat := map[types.MarketKey]types.Position{
		{DexID: 1, AssetID: 1}: {Size: dec.SizeFromFloat(0)},
	}
	if !allFlat(flat) {
		t.Fatalf("expected an all-zero-size snapshot to report flat")
	}

	open := map[types.MarketKey]types.Position{
		{DexID: 1, AssetID: 1}: {Size: dec.SizeFromFloat(1), Side: types.BUY},
	}
	if allFlat(open) {
		t.Fatalf("expected a non-zero position to report not flat")
	}
}

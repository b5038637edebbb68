package detector

import (
	"testing"
	"time"

	"hip3-taker/internal/config"
	"hip3-taker/internal/marketcache"
	"hip3-taker/internal/riskgate"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

func testKey() types.MarketKey { return types.MarketKey{DexID: 1, AssetID: 100001} }

func testSpec() types.MarketSpec {
	return types.MarketSpec{Key: testKey(), Coin: "BTC", SzDecimals: 3}
}

func seedSnapshot(t *testing.T, cache *marketcache.Cache, key types.MarketKey, oracle, bid, ask, bidSz, askSz string) {
	t.Helper()
	bidPx, err := dec.NewPrice(bid)
	if err != nil {
		t.Fatalf("bid price: %v", err)
	}
	askPx, err := dec.NewPrice(ask)
	if err != nil {
		t.Fatalf("ask price: %v", err)
	}
	bidSize, err := dec.NewSize(bidSz)
	if err != nil {
		t.Fatalf("bid size: %v", err)
	}
	askSize, err := dec.NewSize(askSz)
	if err != nil {
		t.Fatalf("ask size: %v", err)
	}
	oraclePx, err := dec.NewPrice(oracle)
	if err != nil {
		t.Fatalf("oracle price: %v", err)
	}

	cache.UpdateBbo(key, types.Bbo{
		Bid:          &types.BookSide{Price: bidPx, Size: bidSize},
		Ask:          &types.BookSide{Price: askPx, Size: askSize},
		ServerTimeMs: 1,
	})
	cache.UpdateAssetCtx(key, types.AssetCtx{
		OraclePx:     oraclePx,
		MarkPx:       oraclePx,
		ServerTimeMs: 1,
	})
}

func baseCfg() config.DetectorConfig {
	return config.DetectorConfig{
		TakerFeeBps:   4,
		SlippageBps:   2,
		MinEdgeBps:    5,
		SizingAlpha:   0.1,
		MaxNotional:   1000,
		MinQuoteLagMs: 0,
		MaxQuoteLagMs: 0,
	}
}

func TestEvaluate_OracleDislocationEmitsBuySignal(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	seedSnapshot(t, cache, key, "100.00", "99.70", "99.80", "1.0", "1.0")

	pipeline := riskgate.New(riskgate.NewBboNullGate())
	d := New(baseCfg(), cache, pipeline, nil)

	sig, reason := d.Evaluate(key, testSpec(), time.Unix(0, 0), &riskgate.EvalContext{})
	if reason != ReasonNone || sig == nil {
		t.Fatalf("expected a signal, got reason=%v sig=%v", reason, sig)
	}
	if sig.Side != types.BUY {
		t.Errorf("expected BUY, got %v", sig.Side)
	}
	if got := round2(sig.RawEdgeBps); got != 20 {
		t.Errorf("expected raw_edge_bps=20, got %v", got)
	}
	if got := round2(sig.NetEdgeBps); got != 9 {
		t.Errorf("expected net_edge_bps=9, got %v", got)
	}
}

func TestEvaluate_NoEdgeProducesBelowThreshold(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	seedSnapshot(t, cache, key, "100.00", "99.99", "100.01", "1.0", "1.0")

	pipeline := riskgate.New(riskgate.NewBboNullGate())
	d := New(baseCfg(), cache, pipeline, nil)

	sig, reason := d.Evaluate(key, testSpec(), time.Unix(0, 0), &riskgate.EvalContext{})
	if sig != nil || reason != ReasonBelowThreshold {
		t.Fatalf("expected BelowThreshold with no signal, got reason=%v sig=%v", reason, sig)
	}
}

func TestEvaluate_GateBlockStopsBeforeEdgeMath(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	seedSnapshot(t, cache, key, "100.00", "99.70", "99.80", "1.0", "1.0")

	pipeline := riskgate.New(riskgate.NewHaltGate())
	d := New(baseCfg(), cache, pipeline, nil)

	sig, reason := d.Evaluate(key, testSpec(), time.Unix(0, 0), &riskgate.EvalContext{Halted: true})
	if sig != nil || reason != ReasonGateBlocked {
		t.Fatalf("expected GateBlocked, got reason=%v sig=%v", reason, sig)
	}
}

func TestEvaluate_QuoteLagTooFreshRejectsSignal(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	seedSnapshot(t, cache, key, "100.00", "99.70", "99.80", "1.0", "1.0")

	cfg := baseCfg()
	cfg.MinQuoteLagMs = 50

	pipeline := riskgate.New(riskgate.NewBboNullGate())
	d := New(cfg, cache, pipeline, nil)

	now := time.Unix(0, 0)
	// First observation always sets lastOracleMoveAt = now, so lag is 0.
	sig, reason := d.Evaluate(key, testSpec(), now, &riskgate.EvalContext{})
	if sig != nil || reason != ReasonQuoteLagTooFresh {
		t.Fatalf("expected QuoteLagTooFresh, got reason=%v sig=%v", reason, sig)
	}
}

func TestEvaluate_QuoteLagTooStaleRejectsSignal(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	seedSnapshot(t, cache, key, "100.00", "99.70", "99.80", "1.0", "1.0")

	cfg := baseCfg()
	cfg.MaxQuoteLagMs = 10

	pipeline := riskgate.New(riskgate.NewBboNullGate())
	d := New(cfg, cache, pipeline, nil)

	now := time.Unix(0, 0)
	// Seed the oracle-move clock, then evaluate well past the max lag.
	d.Evaluate(key, testSpec(), now, &riskgate.EvalContext{})
	sig, reason := d.Evaluate(key, testSpec(), now.Add(time.Second), &riskgate.EvalContext{})
	if sig != nil || reason != ReasonQuoteLagTooStale {
		t.Fatalf("expected QuoteLagTooStale, got reason=%v sig=%v", reason, sig)
	}
}

func TestEvaluate_PerMarketThresholdOverrideIsHonoured(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	// raw_edge_bps = 20, total_cost without override = 4+2+5 = 11 -> would pass.
	// A high per-market override should block it instead.
	seedSnapshot(t, cache, key, "100.00", "99.70", "99.80", "1.0", "1.0")

	pipeline := riskgate.New(riskgate.NewBboNullGate())
	d := New(baseCfg(), cache, pipeline, nil)

	spec := testSpec()
	override := int64(100)
	spec.ThresholdBpsOvr = &override

	sig, reason := d.Evaluate(key, spec, time.Unix(0, 0), &riskgate.EvalContext{})
	if sig != nil || reason != ReasonBelowThreshold {
		t.Fatalf("expected the override to push the total cost above raw edge, got reason=%v sig=%v", reason, sig)
	}
}

func TestEvaluate_ConfidenceSizingScalesSuggestedSize(t *testing.T) {
	t.Parallel()

	cache := marketcache.New()
	key := testKey()
	seedSnapshot(t, cache, key, "100.00", "99.70", "99.80", "1.0", "1.0")

	cfgPlain := baseCfg()
	pipeline := riskgate.New(riskgate.NewBboNullGate())
	dPlain := New(cfgPlain, cache, pipeline, nil)
	sigPlain, _ := dPlain.Evaluate(key, testSpec(), time.Unix(0, 0), &riskgate.EvalContext{})
	if sigPlain == nil {
		t.Fatal("expected a signal without confidence sizing")
	}

	cache2 := marketcache.New()
	seedSnapshot(t, cache2, key, "100.00", "99.70", "99.80", "1.0", "1.0")
	cfgScaled := baseCfg()
	cfgScaled.ConfidenceSizing = true
	dScaled := New(cfgScaled, cache2, pipeline, nil)
	sigScaled, _ := dScaled.Evaluate(key, testSpec(), time.Unix(0, 0), &riskgate.EvalContext{})
	if sigScaled == nil {
		t.Fatal("expected a signal with confidence sizing")
	}

	if !sigScaled.SuggestedSize.LessThan(sigPlain.SuggestedSize.Decimal) && !sigScaled.SuggestedSize.Equal(sigPlain.SuggestedSize.Decimal) {
		t.Errorf("expected confidence-scaled size <= plain size, got scaled=%v plain=%v", sigScaled.SuggestedSize, sigPlain.SuggestedSize)
	}
}

func TestIntensityBucket_Boundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		netEdgeBps float64
		want       types.SignalIntensity
	}{
		{5, types.IntensityWeak},
		{10, types.IntensityMedium},
		{24, types.IntensityMedium},
		{25, types.IntensityStrong},
	}
	for _, c := range cases {
		if got := intensityBucket(c.netEdgeBps); got != c.want {
			t.Errorf("intensityBucket(%v) = %v, want %v", c.netEdgeBps, got, c.want)
		}
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

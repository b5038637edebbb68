package ws

import (
	"testing"

	"hip3-taker/pkg/types"
)

func testSpecs() []types.MarketSpec {
	return []types.MarketSpec{
		{Key: types.MarketKey{DexID: 1, AssetID: 100001}, Coin: "BTC"},
		{Key: types.MarketKey{DexID: 1, AssetID: 100002}, Coin: "ETH"},
	}
}

func TestParser_DecodesBbo(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	btc := types.MarketKey{DexID: 1, AssetID: 100001}
	subs.Track(btc)
	p := NewParser(testSpecs(), subs, nil)

	var got types.Bbo
	var gotKey types.MarketKey
	p.OnBbo(func(k types.MarketKey, b types.Bbo) {
		gotKey = k
		got = b
	})

	frame := []byte(`{"channel":"bbo","data":{"coin":"BTC","time":1700000000000,"bbo":[{"px":"50000.5","sz":"1.2","n":3},{"px":"50001.0","sz":"0.8","n":2}]}}`)
	p.Parse(frame)

	if gotKey != btc {
		t.Fatalf("expected market %v, got %v", btc, gotKey)
	}
	if got.Bid == nil || got.Ask == nil {
		t.Fatalf("expected both sides populated, got %+v", got)
	}
	if got.State() != types.BboBoth {
		t.Errorf("expected BboBoth state, got %v", got.State())
	}
	if subs.Phase(btc) != types.NotReady {
		t.Errorf("bbo alone should not advance past NotReady, got %v", subs.Phase(btc))
	}
}

func TestParser_RejectsSpotCoin(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	p := NewParser(testSpecs(), subs, nil)

	called := false
	p.OnBbo(func(types.MarketKey, types.Bbo) { called = true })

	frame := []byte(`{"channel":"bbo","data":{"coin":"PURR/USDC","time":1,"bbo":[{"px":"1","sz":"1","n":1},{"px":"1.1","sz":"1","n":1}]}}`)
	p.Parse(frame)

	if called {
		t.Error("a coin outside the configured perp universe must not emit a bbo event")
	}
	if p.RejectedSpotCount() != 1 {
		t.Errorf("expected rejected-spot counter to increment, got %d", p.RejectedSpotCount())
	}
}

func TestParser_DecodesAssetCtx(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	eth := types.MarketKey{DexID: 1, AssetID: 100002}
	p := NewParser(testSpecs(), subs, nil)

	var got types.AssetCtx
	p.OnAssetCtx(func(k types.MarketKey, c types.AssetCtx) {
		if k != eth {
			t.Errorf("expected market %v, got %v", eth, k)
		}
		got = c
	})

	frame := []byte(`{"channel":"activeAssetCtx","data":{"coin":"ETH","time":1700000000000,"ctx":{"funding":"0.0001","openInterest":"1234.5","oraclePx":"3000.25","markPx":"3000.10","dayNtlVlm":"999999.0"}}}`)
	p.Parse(frame)

	if got.OraclePx.String() != "3000.25" {
		t.Errorf("expected oracle px 3000.25, got %s", got.OraclePx.String())
	}
}

func TestParser_OrderUpdatesArrayAndSingleObject(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	p := NewParser(testSpecs(), subs, nil)

	var events []OrderUpdateEvent
	p.OnOrderUpdate(func(e OrderUpdateEvent) { events = append(events, e) })

	arrayFrame := []byte(`{"channel":"orderUpdates","data":[
		{"order":{"coin":"BTC","side":"B","limitPx":"50000","sz":"1","oid":1,"cloid":"c1"},"status":"open","statusTimestamp":1},
		{"order":{"coin":"ETH","side":"A","limitPx":"3000","sz":"2","oid":2,"cloid":"c2"},"status":"filled","statusTimestamp":2}
	]}`)
	p.Parse(arrayFrame)
	if len(events) != 2 {
		t.Fatalf("expected 2 decoded order-update events, got %d", len(events))
	}
	if events[0].Status != types.StatusOpen || events[1].Status != types.StatusFilled {
		t.Errorf("unexpected statuses: %+v", events)
	}

	events = nil
	singleFrame := []byte(`{"channel":"orderUpdates","data":{"order":{"coin":"BTC","side":"B","limitPx":"51000","sz":"1","oid":3,"cloid":"c3"},"status":"canceled","statusTimestamp":3}}`)
	p.Parse(singleFrame)
	if len(events) != 1 || events[0].Status != types.StatusCanceled {
		t.Fatalf("expected legacy single-object orderUpdates to decode, got %+v", events)
	}
}

func TestParser_OrderUpdates_PartialFailureDoesNotDropBatch(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	p := NewParser(testSpecs(), subs, nil)

	var events []OrderUpdateEvent
	p.OnOrderUpdate(func(e OrderUpdateEvent) { events = append(events, e) })

	frame := []byte(`{"channel":"orderUpdates","data":[
		{"order":{"coin":"BTC","side":"B","limitPx":"not-a-number","sz":"1","oid":1,"cloid":"bad"},"status":"open","statusTimestamp":1},
		{"order":{"coin":"BTC","side":"B","limitPx":"50000","sz":"1","oid":2,"cloid":"good"},"status":"open","statusTimestamp":2}
	]}`)
	p.Parse(frame)

	if len(events) != 1 || events[0].Cloid != "good" {
		t.Fatalf("expected the malformed element skipped and the good one delivered, got %+v", events)
	}
	if p.OrderUpdateFailureCount() != 1 {
		t.Errorf("expected 1 recorded order-update failure, got %d", p.OrderUpdateFailureCount())
	}
}

func TestParser_UserFillsSnapshotFlag(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	p := NewParser(testSpecs(), subs, nil)

	var fills []FillEvent
	p.OnFill(func(f FillEvent) { fills = append(fills, f) })

	frame := []byte(`{"channel":"userFills","data":{"isSnapshot":true,"fills":[{"coin":"BTC","side":"B","px":"50000","sz":"0.1","time":1700000000000,"cloid":"c1","oid":9}]}}`)
	p.Parse(frame)

	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].Fill.IsSnapshot {
		t.Error("expected IsSnapshot to propagate from the wire frame")
	}
}

func TestParser_UnknownChannelIgnoredNotFatal(t *testing.T) {
	t.Parallel()

	subs := NewSubscriptionManager("", nil)
	p := NewParser(testSpecs(), subs, nil)
	p.Parse([]byte(`{"channel":"someFutureChannel","data":{}}`))
	// No panic, no callback invoked: success is simply not crashing.
}

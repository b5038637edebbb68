package ws

import (
	"testing"

	"hip3-taker/pkg/types"
)

func TestSubscriptionManager_ReachesReadyMDOnBboAndCtx(t *testing.T) {
	t.Parallel()

	key := types.MarketKey{DexID: 1, AssetID: 1}
	m := NewSubscriptionManager("", nil)
	m.Track(key)

	if m.Phase(key) != types.NotReady {
		t.Fatalf("expected NotReady before any data, got %v", m.Phase(key))
	}

	m.OnBbo(key)
	if m.Phase(key) != types.NotReady {
		t.Fatalf("expected still NotReady with only BBO, got %v", m.Phase(key))
	}

	m.OnAssetCtx(key)
	if m.Phase(key) != types.ReadyMD {
		t.Fatalf("expected ReadyMD once both BBO and ctx observed, got %v", m.Phase(key))
	}
}

func TestSubscriptionManager_ReachesReadyTradingOnAllPrereqs(t *testing.T) {
	t.Parallel()

	key := types.MarketKey{DexID: 1, AssetID: 2}
	m := NewSubscriptionManager("", nil)
	m.Track(key)
	m.OnBbo(key)
	m.OnAssetCtx(key)

	m.OnOrderSnapshot(key)
	if m.Phase(key) != types.ReadyMD {
		t.Fatalf("expected still ReadyMD with partial prereqs, got %v", m.Phase(key))
	}

	m.OnFillsSnapshot(key)
	m.OnReconciled(key)
	if m.Phase(key) != types.ReadyTrading {
		t.Fatalf("expected ReadyTrading once all prereqs met, got %v", m.Phase(key))
	}
}

func TestSubscriptionManager_UnknownMarketDefaultsNotReady(t *testing.T) {
	t.Parallel()

	m := NewSubscriptionManager("", nil)
	key := types.MarketKey{DexID: 9, AssetID: 9}
	if m.Phase(key) != types.NotReady {
		t.Errorf("untracked market should report NotReady, got %v", m.Phase(key))
	}
	if m.IsDegraded(key) {
		t.Error("untracked market should not be degraded")
	}
}

func TestIsSubscriptionResponse_BothShapes(t *testing.T) {
	t.Parallel()

	official := []byte(`{"channel":"subscriptionResponse","data":{"subscription":{"type":"bbo","coin":"BTC"}}}`)
	if !IsSubscriptionResponse(official) {
		t.Error("expected the official {subscription:{type}} shape to be recognized")
	}

	fallback := []byte(`{"channel":"subscriptionResponse","data":{"type":"bbo","coin":"BTC"}}`)
	if !IsSubscriptionResponse(fallback) {
		t.Error("expected the fallback {type} shape to be recognized")
	}

	other := []byte(`{"channel":"bbo","data":{"coin":"BTC"}}`)
	if IsSubscriptionResponse(other) {
		t.Error("a non-ack frame must not be classified as a subscription response")
	}
}

func TestMatchesOrderUpdatesChannel(t *testing.T) {
	t.Parallel()

	m := NewSubscriptionManager("0xABCDEF", nil)

	if !m.matchesOrderUpdatesChannel("orderUpdates") {
		t.Error("exact orderUpdates must match")
	}
	if !m.matchesOrderUpdatesChannel("orderUpdates:0xabcdef") {
		t.Error("orderUpdates:<user> must match case-insensitively")
	}
	if m.matchesOrderUpdatesChannel("orderUpdates:0xdeadbeef") {
		t.Error("orderUpdates:<other user> must not match")
	}
	if m.matchesOrderUpdatesChannel("userFills") {
		t.Error("unrelated channel must not match")
	}
}

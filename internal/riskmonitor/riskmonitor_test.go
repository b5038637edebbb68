package riskmonitor

import (
	"sync"
	"testing"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/types"
)

type fakeTrigger struct {
	mu      sync.Mutex
	tripped []string
}

func (f *fakeTrigger) TripHardStop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripped = append(f.tripped, reason)
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tripped)
}

func testKey() types.MarketKey { return types.MarketKey{DexID: 1, AssetID: 100001} }

func TestOnPositionClosed_TracksCumulativePnLAndConsecutiveLosses(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{}, trigger, nil)

	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -10})
	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -5})
	m.handle(PositionClosed{Market: testKey(), RealizedPnL: 20})

	snap := m.Snapshot()
	if snap.CumulativeRealizedPnL != 5 {
		t.Fatalf("expected cumulative PnL 5, got %v", snap.CumulativeRealizedPnL)
	}
	if snap.ConsecutiveLosses != 0 {
		t.Fatalf("expected consecutive losses reset to 0 after a winning close, got %d", snap.ConsecutiveLosses)
	}
}

func TestOnPositionClosed_MaxDrawdownTripsHardStop(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{MaxDrawdownUSD: 100}, trigger, nil)

	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -60})
	if trigger.count() != 0 {
		t.Fatalf("expected no trip before the drawdown threshold")
	}
	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -50})
	if trigger.count() != 1 {
		t.Fatalf("expected exactly one trip once cumulative loss crosses the drawdown threshold, got %d", trigger.count())
	}
}

func TestOnPositionClosed_MaxConsecutiveLossesTripsHardStop(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{MaxConsecutiveLosses: 3}, trigger, nil)

	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -1})
	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -1})
	if trigger.count() != 0 {
		t.Fatalf("expected no trip before 3 consecutive losses")
	}
	m.handle(PositionClosed{Market: testKey(), RealizedPnL: -1})
	if trigger.count() != 1 {
		t.Fatalf("expected a trip on the 3rd consecutive loss, got %d", trigger.count())
	}
}

func TestOnFlattenFailure_MaxFlattenFailuresTripsHardStop(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{MaxFlattenFailures: 2}, trigger, nil)

	m.handle(FlattenFailure{Market: testKey(), Reason: "rejected"})
	if trigger.count() != 0 {
		t.Fatalf("expected no trip after a single flatten failure")
	}
	m.handle(FlattenFailure{Market: testKey(), Reason: "rejected"})
	if trigger.count() != 1 {
		t.Fatalf("expected a trip on the 2nd flatten failure, got %d", trigger.count())
	}

	snap := m.Snapshot()
	if snap.FlattenFailures != 2 {
		t.Fatalf("expected flatten failure count 2, got %d", snap.FlattenFailures)
	}
}

func TestOnSignalOutcome_HourlyRejectionRateTripsHardStop(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{MaxHourlyRejectionRate: 0.5}, trigger, nil)

	m.handle(SignalOutcome{Market: testKey(), Rejected: false})
	m.handle(SignalOutcome{Market: testKey(), Rejected: false})
	if trigger.count() != 0 {
		t.Fatalf("expected no trip while rejection rate is 0")
	}

	m.handle(SignalOutcome{Market: testKey(), Rejected: true})
	m.handle(SignalOutcome{Market: testKey(), Rejected: true})
	// 2 rejections / 4 outcomes = 0.5, at the configured threshold.
	if trigger.count() != 1 {
		t.Fatalf("expected a trip once the rejection rate reaches the threshold, got %d", trigger.count())
	}
}

func TestOnSlippage_NeverTripsHardStop(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{}, trigger, nil)

	for i := 0; i < slippageRingSize+10; i++ {
		m.handle(Slippage{Market: testKey(), Bps: 5})
	}
	if trigger.count() != 0 {
		t.Fatalf("expected slippage tracking to never trip hard-stop on its own")
	}
	snap := m.Snapshot()
	if snap.SlippageSampleCount != slippageRingSize {
		t.Fatalf("expected the ring to cap at %d samples, got %d", slippageRingSize, snap.SlippageSampleCount)
	}
	if snap.SlippageAverageBps != 5 {
		t.Fatalf("expected average slippage of 5bps, got %v", snap.SlippageAverageBps)
	}
}

func TestWSDisconnect_AlwaysTripsHardStop(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{}, trigger, nil)

	m.handle(WSDisconnect{Reason: "connection reset"})
	if trigger.count() != 1 {
		t.Fatalf("expected WS disconnect to trip hard-stop unconditionally, got %d trips", trigger.count())
	}
}

func TestSend_NonBlockingDropsOnFullQueue(t *testing.T) {
	trigger := &fakeTrigger{}
	m := New(config.RiskConfig{}, trigger, nil)
	m.msgCh = make(chan any, 1)

	if !m.Send(WSDisconnect{Reason: "x"}) {
		t.Fatalf("first send into an empty buffered channel should succeed")
	}
	if m.Send(WSDisconnect{Reason: "y"}) {
		t.Fatalf("second send into a full channel should report failure, not block")
	}
}

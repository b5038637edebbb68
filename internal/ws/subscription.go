package ws

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hip3-taker/pkg/types"
)

// initialBBOTimeout bounds how long a market may wait for its first
// non-null BBO and first assetCtx before it is flagged degraded.
const initialBBOTimeout = 10 * time.Second

// marketState tracks one market's progress through NotReady -> ReadyMD -> ReadyTrading.
type marketState struct {
	phase types.ReadyPhase

	gotBbo    bool
	gotCtx    bool
	subscribedAt time.Time

	gotOrderSnapshot bool
	gotFillsSnapshot bool
	reconciled       bool

	degraded bool
}

// SubscriptionManager drives the per-market readiness phases and filters
// subscriptionResponse acknowledgement frames out of the downstream
// event stream.
type SubscriptionManager struct {
	mu     sync.RWMutex
	states map[types.MarketKey]*marketState
	user   string // lowercased account address, for the orderUpdates:<user> variant
	logger *zap.Logger
}

func NewSubscriptionManager(user string, logger *zap.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		states: make(map[types.MarketKey]*marketState),
		user:   strings.ToLower(user),
		logger: logger,
	}
}

// Track registers a market as NotReady and records the subscribe time,
// starting the initial-BBO timeout clock.
func (m *SubscriptionManager) Track(key types.MarketKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = &marketState{phase: types.NotReady, subscribedAt: time.Now()}
}

// Phase returns the current readiness phase for a market.
func (m *SubscriptionManager) Phase(key types.MarketKey) types.ReadyPhase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	if !ok {
		return types.NotReady
	}
	return st.phase
}

// IsDegraded reports whether a market missed its initial-BBO timeout.
func (m *SubscriptionManager) IsDegraded(key types.MarketKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	return ok && st.degraded
}

// OnBbo advances a market toward ReadyMD once both a BBO and an assetCtx
// have been observed.
func (m *SubscriptionManager) OnBbo(key types.MarketKey) { m.observe(key, true, false) }

// OnAssetCtx advances a market toward ReadyMD once both a BBO and an
// assetCtx have been observed.
func (m *SubscriptionManager) OnAssetCtx(key types.MarketKey) { m.observe(key, false, true) }

func (m *SubscriptionManager) observe(key types.MarketKey, bbo, ctx bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		st = &marketState{phase: types.NotReady, subscribedAt: time.Now()}
		m.states[key] = st
	}
	if bbo {
		st.gotBbo = true
	}
	if ctx {
		st.gotCtx = true
	}
	if st.phase == types.NotReady && st.gotBbo && st.gotCtx {
		st.phase = types.ReadyMD
	}
}

// CheckInitialTimeout promotes a market to degraded if it has not reached
// ReadyMD within initialBBOTimeout of being tracked. Intended to be polled
// periodically by the orchestrator.
func (m *SubscriptionManager) CheckInitialTimeout(key types.MarketKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok || st.phase != types.NotReady || st.degraded {
		return
	}
	if time.Since(st.subscribedAt) > initialBBOTimeout {
		st.degraded = true
		if m.logger != nil {
			m.logger.Warn("market missed initial-BBO timeout, degraded", zap.Stringer("market", key))
		}
	}
}

// OnOrderSnapshot, OnFillsSnapshot and OnReconciled mark the three
// additional prerequisites for ReadyTrading beyond ReadyMD.
func (m *SubscriptionManager) OnOrderSnapshot(key types.MarketKey) { m.markAndPromote(key, func(st *marketState) { st.gotOrderSnapshot = true }) }
func (m *SubscriptionManager) OnFillsSnapshot(key types.MarketKey) { m.markAndPromote(key, func(st *marketState) { st.gotFillsSnapshot = true }) }
func (m *SubscriptionManager) OnReconciled(key types.MarketKey)    { m.markAndPromote(key, func(st *marketState) { st.reconciled = true }) }

func (m *SubscriptionManager) markAndPromote(key types.MarketKey, mark func(*marketState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return
	}
	mark(st)
	if st.phase == types.ReadyMD && st.gotOrderSnapshot && st.gotFillsSnapshot && st.reconciled {
		st.phase = types.ReadyTrading
		if m.logger != nil {
			m.logger.Info("market reached ReadyTrading", zap.Stringer("market", key))
		}
	}
}

// subscriptionResponseEnvelope matches both the documented
// {"channel":"subscriptionResponse","data":{"subscription":{"type":...}}}
// shape and the fallback {"channel":"subscriptionResponse","data":{"type":...}}
// shape some deployments emit.
type subscriptionResponseEnvelope struct {
	Channel string `json:"channel"`
	Data    struct {
		Subscription *struct {
			Type string `json:"type"`
			Coin string `json:"coin"`
		} `json:"subscription"`
		Type string `json:"type"`
		Coin string `json:"coin"`
	} `json:"data"`
}

// IsSubscriptionResponse reports whether a frame is a subscription ack,
// which must be filtered out of the downstream event stream rather than
// handed to the parser.
func IsSubscriptionResponse(data []byte) bool {
	var env subscriptionResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Channel == "subscriptionResponse"
}

// matchesOrderUpdatesChannel accepts both the exact "orderUpdates" name and
// the "orderUpdates:<user>" variant some gateways emit.
func (m *SubscriptionManager) matchesOrderUpdatesChannel(channel string) bool {
	if channel == "orderUpdates" {
		return true
	}
	prefix := "orderUpdates:"
	if strings.HasPrefix(channel, prefix) {
		suffix := strings.ToLower(strings.TrimPrefix(channel, prefix))
		return m.user == "" || suffix == m.user
	}
	return false
}

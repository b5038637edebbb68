// Package riskmonitor is the account-wide risk actor: it consumes
// execution events (fills, flatten failures, signal outcomes, WS
// disconnects) and trips the shared hard-stop latch on any threshold
// breach. Grounded on the teacher's internal/risk/manager.go — same
// actor shape (reportCh + periodic ticker in one Run loop, non-blocking
// Report try-send, cooldown-gated re-arm) — generalized from the
// teacher's per-market-exposure/kill-switch checks to spec §4.14's
// cumulative-PnL/consecutive-loss/rejection-rate/flatten-failure set.
package riskmonitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/types"
)

const (
	msgQueueCap      = 256
	slippageRingSize = 64
	rejectionWindow  = time.Hour
)

// HardStopTrigger is the subset of *executor.Executor the monitor needs,
// so tests can substitute a fake instead of a live executor.
type HardStopTrigger interface {
	TripHardStop(reason string)
}

// PositionClosed reports a position fully flattened, with its realized
// PnL for this round-trip (cumulative-PnL and consecutive-loss input).
type PositionClosed struct {
	Market      types.MarketKey
	RealizedPnL float64
}

// FlattenFailure reports a reduce-only that did not clear the position
// (rejected by the exchange, or timed out without a fill).
type FlattenFailure struct {
	Market types.MarketKey
	Reason string
}

// SignalOutcome reports the result of one SubmitSignal call, whether
// accepted or gate-rejected, so the monitor can compute a true
// rejection rate (rejections over attempts), not just a raw count.
type SignalOutcome struct {
	Market   types.MarketKey
	Rejected bool
}

// Slippage reports measured execution slippage in bps for one fill,
// fed into a small fixed-size ring for dashboard exposure; spec §4.14
// tracks this but names no slippage threshold, so it never trips
// hard-stop on its own.
type Slippage struct {
	Market types.MarketKey
	Bps    float64
}

// WSDisconnect is a direct hard-stop trigger: spec §4.14 treats a
// socket disconnect as "safe side" regardless of any other threshold.
type WSDisconnect struct{ Reason string }

type rejectionRecord struct {
	at       time.Time
	rejected bool
}

// Monitor is the risk actor. All mutation happens inside Run's goroutine;
// Snapshot is the only cross-goroutine read path, guarded like the
// teacher's RWMutex-guarded RiskSnapshot.
type Monitor struct {
	cfg    config.RiskConfig
	exec   HardStopTrigger
	logger *zap.Logger

	msgCh chan any

	mu sync.RWMutex // guards the fields below, read by Snapshot from other goroutines

	cumulativeRealizedPnL float64
	consecutiveLosses     int
	flattenFailures       int

	outcomes []rejectionRecord // pruned to rejectionWindow lazily

	slippageRing [slippageRingSize]float64
	slippagePos  int
	slippageN    int
}

func New(cfg config.RiskConfig, exec HardStopTrigger, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		exec:   exec,
		logger: logger,
		msgCh:  make(chan any, msgQueueCap),
	}
}

// Send submits an event non-blockingly, dropping (and logging) on a
// full queue, matching the teacher's Report()'s try-send discipline.
func (m *Monitor) Send(msg any) bool {
	select {
	case m.msgCh <- msg:
		return true
	default:
		if m.logger != nil {
			m.logger.Warn("risk monitor queue full, dropping event")
		}
		return false
	}
}

// Run is the monitor's task: handles events and periodically prunes
// the rolling rejection window even when no events arrive, so a
// breach computed purely from elapsed time (the window aging out)
// still clears promptly.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.msgCh:
			m.handle(msg)
		case <-ticker.C:
			m.pruneOutcomes(time.Now())
		}
	}
}

func (m *Monitor) handle(msg any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := msg.(type) {
	case PositionClosed:
		m.onPositionClosed(v)
	case FlattenFailure:
		m.onFlattenFailure(v)
	case SignalOutcome:
		m.onSignalOutcome(v)
	case Slippage:
		m.onSlippage(v)
	case WSDisconnect:
		m.trip("ws_disconnect: " + v.Reason)
	}
}

func (m *Monitor) onPositionClosed(v PositionClosed) {
	m.cumulativeRealizedPnL += v.RealizedPnL
	if v.RealizedPnL < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}

	if m.cfg.MaxDrawdownUSD > 0 && m.cumulativeRealizedPnL <= -m.cfg.MaxDrawdownUSD {
		m.trip("max_drawdown_breached")
		return
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		m.trip("max_consecutive_losses_breached")
	}
}

func (m *Monitor) onFlattenFailure(v FlattenFailure) {
	m.flattenFailures++
	if m.logger != nil {
		m.logger.Warn("flatten failure recorded",
			zap.Int("asset_id", v.Market.AssetID), zap.String("reason", v.Reason))
	}
	if m.cfg.MaxFlattenFailures > 0 && m.flattenFailures >= m.cfg.MaxFlattenFailures {
		m.trip("max_flatten_failures_breached")
	}
}

func (m *Monitor) onSignalOutcome(v SignalOutcome) {
	now := time.Now()
	m.outcomes = append(m.outcomes, rejectionRecord{at: now, rejected: v.Rejected})
	m.pruneOutcomes(now)

	if m.cfg.MaxHourlyRejectionRate <= 0 || len(m.outcomes) == 0 {
		return
	}
	rejected := 0
	for _, o := range m.outcomes {
		if o.rejected {
			rejected++
		}
	}
	rate := float64(rejected) / float64(len(m.outcomes))
	if rate >= m.cfg.MaxHourlyRejectionRate {
		m.trip("max_hourly_rejection_rate_breached")
	}
}

func (m *Monitor) pruneOutcomes(now time.Time) {
	cutoff := now.Add(-rejectionWindow)
	i := 0
	for i < len(m.outcomes) && m.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.outcomes = append([]rejectionRecord(nil), m.outcomes[i:]...)
	}
}

func (m *Monitor) onSlippage(v Slippage) {
	m.slippageRing[m.slippagePos] = v.Bps
	m.slippagePos = (m.slippagePos + 1) % slippageRingSize
	if m.slippageN < slippageRingSize {
		m.slippageN++
	}
}

func (m *Monitor) trip(reason string) {
	if m.logger != nil {
		m.logger.Error("risk monitor tripping hard-stop", zap.String("reason", reason))
	}
	m.exec.TripHardStop(reason)
}

// Snapshot is a point-in-time read of the monitor's tracked metrics,
// for the dashboard. Guarded by a plain RWMutex rather than
// position.Tracker's atomic-publish scheme: the dashboard is not a
// hot path, so there's no need for a lock-free read side here.
type Snapshot struct {
	CumulativeRealizedPnL float64
	ConsecutiveLosses     int
	FlattenFailures       int
	RecentOutcomeCount    int
	RecentRejectionRate   float64
	SlippageSampleCount   int
	SlippageAverageBps    float64
}

// Snapshot returns the monitor's current tracked metrics.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rejected := 0
	for _, o := range m.outcomes {
		if o.rejected {
			rejected++
		}
	}
	var rate float64
	if len(m.outcomes) > 0 {
		rate = float64(rejected) / float64(len(m.outcomes))
	}

	var sum float64
	for i := 0; i < m.slippageN; i++ {
		sum += m.slippageRing[i]
	}
	var avg float64
	if m.slippageN > 0 {
		avg = sum / float64(m.slippageN)
	}

	return Snapshot{
		CumulativeRealizedPnL: m.cumulativeRealizedPnL,
		ConsecutiveLosses:     m.consecutiveLosses,
		FlattenFailures:       m.flattenFailures,
		RecentOutcomeCount:    len(m.outcomes),
		RecentRejectionRate:   rate,
		SlippageSampleCount:   m.slippageN,
		SlippageAverageBps:    avg,
	}
}

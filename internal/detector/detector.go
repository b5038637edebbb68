// Package detector implements the dislocation detector: it turns a fresh
// market snapshot into a signed trade signal with cost-adjusted edge,
// confidence, and sizing. Per-tick shape (pull state → compute signal →
// return a decision) and the EWMA/rolling-window bookkeeping generalize
// the teacher's strategy.Maker.computeQuotes and strategy.FlowTracker.
package detector

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/internal/marketcache"
	"hip3-taker/internal/riskgate"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

// velocityWindow bounds how far back oracle samples are kept for the
// velocity estimate used in confidence scoring.
const velocityWindow = 5 * time.Second

// defaultEWMAHalfLife is used when config leaves EWMAHalfLife unset.
const defaultEWMAHalfLife = 30 * time.Second

// minConsecutiveTicksForFullConfidence is how many same-direction ticks
// in a row are needed before the consecutive-tick component saturates.
const minConsecutiveTicksForFullConfidence = 3

// Reason explains why Evaluate produced no signal.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonGateBlocked      Reason = "gate_blocked"
	ReasonBookIncomplete   Reason = "book_incomplete"
	ReasonQuoteLagTooFresh Reason = "quote_lag_too_fresh"
	ReasonQuoteLagTooStale Reason = "quote_lag_too_stale"
	ReasonBelowThreshold   Reason = "below_threshold"
	ReasonSizeZero         Reason = "size_zero"
)

// oracleSample is one observation kept for the velocity estimate.
type oracleSample struct {
	px float64
	at time.Time
}

// marketState is the detector's rolling per-market bookkeeping.
type marketState struct {
	mu sync.Mutex

	samples []oracleSample

	spreadEWMA     float64
	haveSpreadEWMA bool
	lastEWMAUpdate time.Time

	lastOraclePx     float64
	lastOracleMoveAt time.Time
	haveOracle       bool

	lastSide    types.Side
	sameSideRun int
}

// observe records a new oracle sample and spread reading, updating the
// velocity window and the spread EWMA (half-life weighted, so irregular
// tick spacing doesn't distort the average).
func (s *marketState) observe(oraclePx, spreadBps float64, halfLife time.Duration, now time.Time) {
	s.samples = append(s.samples, oracleSample{px: oraclePx, at: now})
	cutoff := now.Add(-velocityWindow)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = s.samples[i:]
	}

	if !s.haveOracle {
		s.haveOracle = true
		s.lastOraclePx = oraclePx
		s.lastOracleMoveAt = now
	} else if oraclePx != s.lastOraclePx {
		s.lastOraclePx = oraclePx
		s.lastOracleMoveAt = now
	}

	if !s.haveSpreadEWMA {
		s.spreadEWMA = spreadBps
		s.haveSpreadEWMA = true
	} else {
		dt := now.Sub(s.lastEWMAUpdate)
		if dt > 0 && halfLife > 0 {
			lambda := 1 - math.Pow(0.5, dt.Seconds()/halfLife.Seconds())
			s.spreadEWMA = lambda*spreadBps + (1-lambda)*s.spreadEWMA
		} else {
			s.spreadEWMA = spreadBps
		}
	}
	s.lastEWMAUpdate = now
}

// velocityBpsPerSec is the absolute rate of change of the oracle price
// over the tracked window, in bps/second.
func (s *marketState) velocityBpsPerSec() float64 {
	if len(s.samples) < 2 {
		return 0
	}
	first := s.samples[0]
	last := s.samples[len(s.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 || first.px == 0 {
		return 0
	}
	deltaBps := math.Abs(last.px-first.px) / first.px * 10000
	return deltaBps / elapsed
}

// recordSide updates the consecutive-same-direction run counter.
func (s *marketState) recordSide(side types.Side) int {
	if s.sameSideRun > 0 && s.lastSide == side {
		s.sameSideRun++
	} else {
		s.sameSideRun = 1
		s.lastSide = side
	}
	return s.sameSideRun
}

// quoteLag is the elapsed time since the oracle price last changed value.
func (s *marketState) quoteLag(now time.Time) time.Duration {
	if !s.haveOracle {
		return 0
	}
	return now.Sub(s.lastOracleMoveAt)
}

// Detector computes dislocation signals for a set of markets, pulling the
// risk-gate pipeline's decision before doing any edge math.
type Detector struct {
	cfg      config.DetectorConfig
	cache    *marketcache.Cache
	gates    *riskgate.Pipeline
	halfLife time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	states map[types.MarketKey]*marketState
}

func New(cfg config.DetectorConfig, cache *marketcache.Cache, gates *riskgate.Pipeline, logger *zap.Logger) *Detector {
	halfLife := cfg.EWMAHalfLife
	if halfLife <= 0 {
		halfLife = defaultEWMAHalfLife
	}
	return &Detector{
		cfg:      cfg,
		cache:    cache,
		gates:    gates,
		halfLife: halfLife,
		logger:   logger,
		states:   make(map[types.MarketKey]*marketState),
	}
}

// SpreadEWMABps returns the detector's current spread EWMA for a market,
// for the risk-gate pipeline's spread-shock check. ok is false until the
// market's first tick has been observed.
func (d *Detector) SpreadEWMABps(key types.MarketKey) (float64, bool) {
	d.mu.Lock()
	s, ok := d.states[key]
	d.mu.Unlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spreadEWMA, s.haveSpreadEWMA
}

func (d *Detector) stateFor(key types.MarketKey) *marketState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[key]
	if !ok {
		s = &marketState{}
		d.states[key] = s
	}
	return s
}

// Evaluate runs the risk-gate pipeline, then the cost/threshold/quote-lag
// filters, and returns a Signal (plus ReasonNone) on an admissible
// dislocation, or nil and the reason no signal was produced.
func (d *Detector) Evaluate(key types.MarketKey, spec types.MarketSpec, now time.Time, evalCtx *riskgate.EvalContext) (*types.Signal, Reason) {
	if gateRes := d.gates.Evaluate(d.cache, key, evalCtx); !gateRes.Pass {
		return nil, ReasonGateBlocked
	}

	snap, ok := d.cache.Snapshot(key)
	if !ok || snap.Bbo.State() != types.BboBoth {
		return nil, ReasonBookIncomplete
	}

	oracle := snap.Ctx.OraclePx.InexactFloat64()
	if oracle <= 0 {
		return nil, ReasonBookIncomplete
	}

	bestBid := snap.Bbo.Bid.Price.InexactFloat64()
	bestAsk := snap.Bbo.Ask.Price.InexactFloat64()
	spreadBps := (bestAsk - bestBid) / oracle * 10000

	state := d.stateFor(key)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.observe(oracle, spreadBps, d.halfLife, now)

	lagMs := state.quoteLag(now).Milliseconds()
	if d.cfg.MinQuoteLagMs > 0 && lagMs < d.cfg.MinQuoteLagMs {
		return nil, ReasonQuoteLagTooFresh
	}
	if d.cfg.MaxQuoteLagMs > 0 && lagMs > d.cfg.MaxQuoteLagMs {
		return nil, ReasonQuoteLagTooStale
	}

	minEdgeBps := d.cfg.MinEdgeBps
	if spec.ThresholdBpsOvr != nil {
		minEdgeBps = *spec.ThresholdBpsOvr
	}
	// TakerFeeBps in config is the effective, already-HIP3-doubled rate
	// (operators fill it in as base-taker-fee × 2 per §4.6); the formula
	// here just sums the three cost components.
	totalCostBps := float64(d.cfg.TakerFeeBps) + float64(d.cfg.SlippageBps) + float64(minEdgeBps)
	if d.cfg.AdaptiveThreshold && state.haveSpreadEWMA {
		if widening := spreadBps - state.spreadEWMA; widening > 0 {
			totalCostBps += widening
		}
	}

	maxNotional := d.cfg.MaxNotional
	if spec.MaxNotionalOvr != nil {
		maxNotional = *spec.MaxNotionalOvr
	}

	rawEdgeBuyBps := (oracle - bestAsk) / oracle * 10000
	rawEdgeSellBps := (bestBid - oracle) / oracle * 10000

	var side types.Side
	var rawEdgeBps, bestSz float64
	var bestPrice dec.Price
	var bestSize dec.Size

	switch {
	case rawEdgeBuyBps > totalCostBps && rawEdgeBuyBps >= rawEdgeSellBps:
		side = types.BUY
		rawEdgeBps = rawEdgeBuyBps
		bestPrice = snap.Bbo.Ask.Price
		bestSize = snap.Bbo.Ask.Size
	case rawEdgeSellBps > totalCostBps:
		side = types.SELL
		rawEdgeBps = rawEdgeSellBps
		bestPrice = snap.Bbo.Bid.Price
		bestSize = snap.Bbo.Bid.Size
	default:
		return nil, ReasonBelowThreshold
	}
	bestSz = bestSize.InexactFloat64()

	netEdgeBps := rawEdgeBps - totalCostBps

	run := state.recordSide(side)

	confidence := d.confidence(rawEdgeBps, totalCostBps, state.velocityBpsPerSec(), run, bestSz, spec)

	mid := snap.Bbo.Mid().InexactFloat64()
	sizeFromBook := d.cfg.SizingAlpha * bestSz
	sizeFromNotional := math.MaxFloat64
	if mid > 0 {
		sizeFromNotional = maxNotional / mid
	}
	suggestedSize := math.Min(sizeFromBook, sizeFromNotional)
	if d.cfg.ConfidenceSizing {
		suggestedSize *= confidence
	}
	if suggestedSize <= 0 {
		return nil, ReasonSizeZero
	}

	signal := &types.Signal{
		Market:        key,
		Side:          side,
		OraclePrice:   snap.Ctx.OraclePx,
		BestPrice:     bestPrice,
		BestSize:      bestSize,
		RawEdgeBps:    rawEdgeBps,
		NetEdgeBps:    netEdgeBps,
		SuggestedSize: dec.SizeFromFloat(suggestedSize),
		Confidence:    confidence,
		Intensity:     intensityBucket(netEdgeBps),
		SignalID:      signalID(key, side, now),
		T0Ms:          now.UnixMilli(),
	}
	return signal, ReasonNone
}

// confidence is a weighted 0..1 score over edge magnitude, oracle
// velocity, the consecutive-tick run, book depth at best, and a
// market-liquidity profile factor derived from the market's configured
// notional override (a market sized for more notional is treated as
// deeper / more reliable).
func (d *Detector) confidence(rawEdgeBps, totalCostBps, velocityBpsPerSec float64, consecutiveRun int, bestSizeUnits float64, spec types.MarketSpec) float64 {
	edgeScore := clamp01(rawEdgeBps / (totalCostBps*2 + 1))

	velocityScore := 1.0
	if d.cfg.VelocityFilter {
		// Calmer oracle movement (low velocity after the initial move) is
		// scored higher: a still-moving oracle means the dislocation may
		// not have finished opening or closing.
		velocityScore = clamp01(1 - velocityBpsPerSec/50)
	}

	consecutiveScore := clamp01(float64(consecutiveRun) / minConsecutiveTicksForFullConfidence)

	// Book depth saturates rather than growing unbounded: a few multiples
	// of the configured sizing alpha already means "plenty of size here".
	depthScore := 0.5
	if d.cfg.SizingAlpha > 0 {
		depthScore = clamp01(bestSizeUnits * d.cfg.SizingAlpha / (bestSizeUnits*d.cfg.SizingAlpha + 1))
	}

	profileScore := 0.5
	if spec.MaxNotionalOvr != nil && d.cfg.MaxNotional > 0 {
		profileScore = clamp01(*spec.MaxNotionalOvr / d.cfg.MaxNotional)
	}

	return clamp01(0.35*edgeScore + 0.15*velocityScore + 0.2*consecutiveScore + 0.15*depthScore + 0.15*profileScore)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// intensityBucket buckets the cost-adjusted edge for downstream analytics.
func intensityBucket(netEdgeBps float64) types.SignalIntensity {
	switch {
	case netEdgeBps >= 25:
		return types.IntensityStrong
	case netEdgeBps >= 10:
		return types.IntensityMedium
	default:
		return types.IntensityWeak
	}
}

// signalID is deterministic in market, side, and timestamp so the same
// dislocation observed twice (e.g. replayed from persisted state) yields
// the same id.
func signalID(key types.MarketKey, side types.Side, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", key.String(), side, now.UnixMilli())
}

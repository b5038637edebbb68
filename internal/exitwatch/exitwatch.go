// Package exitwatch implements the cheap, synchronous exit check that
// rides every BBO/ctx update plus the periodic time-stop sweep. The
// teacher never intentionally exits a position (it is a two-sided market
// maker); this module's shape is grounded instead on
// internal/strategy/inventory.go's UpdateMarkToMarket-style derived-value
// computation, generalized into an exit decision per spec §4.13.
package exitwatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/internal/executor"
	"hip3-taker/internal/marketcache"
	"hip3-taker/internal/position"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

// SpecSource resolves a market's wire-format spec, needed to round an
// exit order's price/size to the market's tick/lot grid.
type SpecSource interface {
	Spec(key types.MarketKey) (types.MarketSpec, bool)
}

// Watcher owns no goroutine of its own for the per-update path: the
// parser calls OnMarketUpdate synchronously, per spec §5's "exit-watcher
// (synchronous under the parser task)" scheduling note. SweepTimeStops
// is driven by a separate periodic task in the orchestrator, since a
// quiet market must still time out even without fresh BBO/ctx traffic.
type Watcher struct {
	cfg       config.RiskConfig
	cache     *marketcache.Cache
	specs     SpecSource
	positions *position.Tracker
	exec      *executor.Executor
	logger    *zap.Logger
}

func New(cfg config.RiskConfig, cache *marketcache.Cache, specs SpecSource, positions *position.Tracker, exec *executor.Executor, logger *zap.Logger) *Watcher {
	return &Watcher{cfg: cfg, cache: cache, specs: specs, positions: positions, exec: exec, logger: logger}
}

// OnMarketUpdate runs the cheap check for one market right after its BBO
// or ctx update lands in the cache. Latency from WS arrival to a
// reduce-only enqueue is sub-millisecond: a single map read for the
// position, a spec lookup, a cache snapshot, and arithmetic.
func (w *Watcher) OnMarketUpdate(key types.MarketKey, now time.Time) {
	pos, ok := w.positions.PositionSnapshot()[key]
	if !ok || pos.IsFlat() {
		return
	}
	if w.exec.IsFlattening(key) {
		return
	}
	spec, ok := w.specs.Spec(key)
	if !ok {
		return
	}
	snap, ok := w.cache.Snapshot(key)
	if !ok {
		return
	}

	if reason, exit := w.evaluateExit(pos, snap, now); exit {
		w.flatten(key, pos, spec, snap, reason)
	}
}

// SweepTimeStops forces a flatten for every position whose age (derived
// from EntryTimestampMs, so it survives a restart) exceeds the
// configured threshold, and raises a critical alert past the higher one.
func (w *Watcher) SweepTimeStops(now time.Time) {
	if w.cfg.TimeStopMs <= 0 {
		return
	}
	for key, pos := range w.positions.PositionSnapshot() {
		if pos.IsFlat() || w.exec.IsFlattening(key) {
			continue
		}
		ageMs := now.UnixMilli() - pos.EntryTimestampMs
		if ageMs < w.cfg.TimeStopMs {
			continue
		}
		spec, ok := w.specs.Spec(key)
		if !ok {
			continue
		}
		snap, ok := w.cache.Snapshot(key)
		if !ok {
			continue
		}

		reason := "time_stop"
		if w.cfg.TimeStopCriticalMs > 0 && ageMs >= w.cfg.TimeStopCriticalMs {
			reason = "time_stop_critical"
			w.logger.Error("position past critical time-stop threshold",
				zap.Int("asset_id", key.AssetID), zap.Int64("age_ms", ageMs))
		}
		w.flatten(key, pos, spec, snap, reason)
	}
}

// FlattenAll forces a reduce-only exit for every open position,
// regardless of the usual exit conditions. Called after a hard-stop
// trip, per spec §8 scenario 4 ("2 reduce-only IOCs enqueued for the
// open positions"): the executor's own purge only cancels resting
// orders and marks positions flattening, since it has no spec/snapshot
// access to price an exit — that's this watcher's job. Positions already
// marked flattening are exited too, since the purge marks all of them.
func (w *Watcher) FlattenAll(reason string) {
	for key, pos := range w.positions.PositionSnapshot() {
		if pos.IsFlat() {
			continue
		}
		spec, ok := w.specs.Spec(key)
		if !ok {
			continue
		}
		snap, ok := w.cache.Snapshot(key)
		if !ok {
			continue
		}
		w.flatten(key, pos, spec, snap, reason)
	}
}

// evaluateExit checks the two BBO/ctx-driven exit conditions: mark
// regression against entry, and the oracle/best dislocation that
// originally justified entry closing back below the required edge.
func (w *Watcher) evaluateExit(pos types.Position, snap types.MarketSnapshot, now time.Time) (string, bool) {
	ageMs := now.UnixMilli() - pos.EntryTimestampMs

	if threshold := w.requiredMarkRegressionBps(ageMs); threshold > 0 {
		if regressionBps, ok := markRegressionBps(pos, snap); ok && regressionBps >= threshold {
			return "mark_regression", true
		}
	}
	// Oracle-catch-up has its own, non-decaying band: it asks whether the
	// dislocation that justified entry has closed, independent of how
	// long the position has been open.
	if edgeBps, ok := oracleEdgeBps(pos, snap); ok && edgeBps <= w.cfg.OracleCatchUpBps {
		return "oracle_caught_up", true
	}
	return "", false
}

// requiredMarkRegressionBps is the mark-regression exit threshold. It
// decays linearly from the configured start time to MarkRegressionMinFactor
// of the base threshold, floored there; the decay completes over a
// window equal to the start offset itself, since the spec names a
// start and a floor but not an explicit end.
func (w *Watcher) requiredMarkRegressionBps(ageMs int64) int64 {
	base := float64(w.cfg.MarkRegressionBps)
	if base <= 0 {
		return 0
	}
	start := w.cfg.MarkRegressionDecayStartMs
	if start <= 0 || ageMs <= start {
		return int64(base)
	}
	minFactor := w.cfg.MarkRegressionMinFactor
	if minFactor <= 0 {
		minFactor = 1
	}
	elapsed := float64(ageMs - start)
	factor := 1 - (1-minFactor)*elapsed/float64(start)
	if factor < minFactor {
		factor = minFactor
	}
	return int64(base * factor)
}

// markRegressionBps is the adverse move of mark price vs. entry, in
// bps, direction-aware (a BUY position regresses as mark falls; a SELL
// position regresses as mark rises).
func markRegressionBps(pos types.Position, snap types.MarketSnapshot) (int64, bool) {
	if snap.Ctx.MarkPx.IsZero() || pos.EntryPrice.IsZero() {
		return 0, false
	}
	mark := snap.Ctx.MarkPx.InexactFloat64()
	entry := pos.EntryPrice.InexactFloat64()
	var moveBps float64
	if pos.Side == types.BUY {
		moveBps = (entry - mark) / entry * 10000
	} else {
		moveBps = (mark - entry) / entry * 10000
	}
	return int64(moveBps), true
}

// oracleEdgeBps is the current oracle/best dislocation in the
// direction that would have justified the original entry: for a BUY
// (entered because oracle > ask), it's oracle vs. the current ask; for
// a SELL, oracle vs. the current bid. A value at or below the required
// threshold means the dislocation has closed.
func oracleEdgeBps(pos types.Position, snap types.MarketSnapshot) (int64, bool) {
	if snap.Ctx.OraclePx.IsZero() {
		return 0, false
	}
	oracle := snap.Ctx.OraclePx.InexactFloat64()
	if pos.Side == types.BUY {
		if snap.Bbo.Ask == nil {
			return 0, false
		}
		ask := snap.Bbo.Ask.Price.InexactFloat64()
		return int64((oracle - ask) / oracle * 10000), true
	}
	if snap.Bbo.Bid == nil {
		return 0, false
	}
	bid := snap.Bbo.Bid.Price.InexactFloat64()
	return int64((bid - oracle) / oracle * 10000), true
}

// flatten builds a reduce-only IOC at an aggressive price and hands it
// to the executor non-blockingly; IsFlattening(key) prevents a second
// concurrent exit attempt until this one resolves.
func (w *Watcher) flatten(key types.MarketKey, pos types.Position, spec types.MarketSpec, snap types.MarketSnapshot, reason string) {
	exitSide := types.SELL
	if pos.Side == types.SELL {
		exitSide = types.BUY
	}

	price := w.aggressivePrice(spec, snap, exitSide)
	order := types.PendingOrder{
		Cloid:      w.nextExitCloid(reason),
		Market:     key,
		Side:       exitSide,
		Price:      price,
		Size:       pos.Size,
		ReduceOnly: true,
		Tif:        types.TifIOC,
		CreatedAt:  time.Now(),
	}

	if result := w.exec.SubmitReduceOnly(key, order, spec); result != executor.RejectNone {
		w.logger.Warn("exit-watcher reduce-only rejected",
			zap.String("reject_reason", string(result)), zap.String("exit_reason", reason))
		return
	}
	w.logger.Info("exit-watcher flattening position", zap.String("exit_reason", reason))
}

// aggressivePrice prices the exit to clear as an IOC: below best bid by
// ExitSlippageBps when selling to close a long, above best ask when
// buying to close a short. Falls back to mark price if the relevant
// book side is unknown.
func (w *Watcher) aggressivePrice(spec types.MarketSpec, snap types.MarketSnapshot, side types.Side) dec.Price {
	var base dec.Price
	if side == types.SELL {
		if snap.Bbo.Bid != nil {
			base = snap.Bbo.Bid.Price
		} else {
			base = snap.Ctx.MarkPx
		}
	} else {
		if snap.Bbo.Ask != nil {
			base = snap.Bbo.Ask.Price
		} else {
			base = snap.Ctx.MarkPx
		}
	}

	f := base.InexactFloat64()
	adj := f * float64(w.cfg.ExitSlippageBps) / 10000
	if side == types.SELL {
		f -= adj
	} else {
		f += adj
	}
	return dec.PriceFromFloat(f).RoundToTick(spec.Tick, side == types.BUY)
}

func (w *Watcher) nextExitCloid(reason string) string {
	return fmt.Sprintf("exit-%s-%s", reason, uuid.NewString())
}

// Package riskgate implements the composable gate pipeline that decides
// whether a market is safe to trade before the detector is allowed to
// emit a signal on it. Each gate is an independent predicate over a
// MarketSnapshot (and, for a few gates, externally supplied derived
// state); composition is ordered, and the first failing gate names
// itself in the rejection. Generalizes the teacher's risk.Manager
// threshold checks — a handful of if-statements in one function — into
// the spec's list-of-predicates design.
package riskgate

import (
	"time"

	"hip3-taker/internal/marketcache"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

// Reason names the gate that blocked a market.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonBboNull               Reason = "BboNull"
	ReasonNoBboUpdate            Reason = "NoBboUpdate"
	ReasonNoAssetCtxUpdate       Reason = "NoAssetCtxUpdate"
	ReasonTimeRegression         Reason = "TimeRegression"
	ReasonMarkMidDivergence      Reason = "MarkMidDivergence"
	ReasonSpreadShock            Reason = "SpreadShock"
	ReasonOiCap                  Reason = "OiCap"
	ReasonParamChange            Reason = "ParamChange"
	ReasonHalt                   Reason = "Halt"
	ReasonMaxDrawdown            Reason = "MaxDrawdown"
	ReasonCorrelationCooldown    Reason = "CorrelationCooldown"
	ReasonMaxPositionPerMarket   Reason = "MaxPositionPerMarket"
	ReasonMaxPositionTotal       Reason = "MaxPositionTotal"
	ReasonFlattenInProgress      Reason = "FlattenInProgress"
)

// Result is the outcome of running the gate pipeline over one market.
type Result struct {
	Pass   bool
	Reason Reason
}

func pass() Result             { return Result{Pass: true} }
func block(r Reason) Result    { return Result{Pass: false, Reason: r} }

// Gate is a single predicate in the pipeline.
type Gate interface {
	Name() Reason
	Check(snap types.MarketSnapshot, ctx *EvalContext) Result
}

// EvalContext carries the externally-derived state a few gates need
// beyond the raw MarketSnapshot: correlated-close counts, drawdown,
// halt flags, position sizes, and so on. All fields are read-only
// snapshots taken by the caller immediately before evaluation.
type EvalContext struct {
	Now time.Time

	Halted bool

	RealizedPnLLastHour dec.Price
	MaxDrawdownUSD      dec.Price

	RecentClosesInGroup int
	CorrelationGroupMin int
	InCooldown          bool

	ProspectiveNotional  dec.Price
	CurrentMarketNotional dec.Price
	CurrentTotalNotional  dec.Price
	MaxPositionPerMarket  dec.Price
	MaxPositionTotal      dec.Price

	FlattenInProgress bool

	SpreadEWMA          float64
	SpreadShockMultiple float64

	MarkMidDivergenceBps float64

	OiCapUSD dec.Price

	SpecHashChanged bool

	BboMaxAge time.Duration
	CtxMaxAge time.Duration
}

// Pipeline runs an ordered list of gates, stopping at the first block.
type Pipeline struct {
	gates []Gate
}

// New builds the pipeline in the catalogue order from §4.5. Gates whose
// corresponding threshold is zero/none are expected to be omitted by the
// caller (disabled-by-configuration is how gates are rolled out
// progressively) rather than included and always passing.
func New(gates ...Gate) *Pipeline {
	return &Pipeline{gates: gates}
}

// Evaluate runs every gate in order against the cache's current snapshot
// for key, returning the first block or Pass if every gate passes.
func (p *Pipeline) Evaluate(cache *marketcache.Cache, key types.MarketKey, ctx *EvalContext) Result {
	snap, ok := cache.Snapshot(key)
	if !ok {
		return block(ReasonBboNull)
	}
	for _, g := range p.gates {
		if r := g.Check(snap, ctx); !r.Pass {
			return r
		}
	}
	return pass()
}

// --- Gate implementations ---

type bboNullGate struct{}

func (bboNullGate) Name() Reason { return ReasonBboNull }
func (bboNullGate) Check(snap types.MarketSnapshot, _ *EvalContext) Result {
	if snap.Bbo.State() == types.BboNull {
		return block(ReasonBboNull)
	}
	return pass()
}

// NewBboNullGate blocks when either side of the book is missing.
func NewBboNullGate() Gate { return bboNullGate{} }

type noBboUpdateGate struct{ maxAge time.Duration }

func (noBboUpdateGate) Name() Reason { return ReasonNoBboUpdate }
func (g noBboUpdateGate) Check(snap types.MarketSnapshot, ctx *EvalContext) Result {
	maxAge := g.maxAge
	if ctx != nil && ctx.BboMaxAge > 0 {
		maxAge = ctx.BboMaxAge
	}
	if snap.BboRecvMono.IsZero() || time.Since(snap.BboRecvMono) > maxAge {
		return block(ReasonNoBboUpdate)
	}
	return pass()
}

// NewNoBboUpdateGate blocks when the BBO's monotonic age exceeds maxAge
// (2s recommended default per §4.5).
func NewNoBboUpdateGate(maxAge time.Duration) Gate { return noBboUpdateGate{maxAge: maxAge} }

type noAssetCtxUpdateGate struct{ maxAge time.Duration }

func (noAssetCtxUpdateGate) Name() Reason { return ReasonNoAssetCtxUpdate }
func (g noAssetCtxUpdateGate) Check(snap types.MarketSnapshot, ctx *EvalContext) Result {
	maxAge := g.maxAge
	if ctx != nil && ctx.CtxMaxAge > 0 {
		maxAge = ctx.CtxMaxAge
	}
	if snap.CtxRecvMono.IsZero() || time.Since(snap.CtxRecvMono) > maxAge {
		return block(ReasonNoAssetCtxUpdate)
	}
	return pass()
}

// NewNoAssetCtxUpdateGate blocks when ctx age exceeds maxAge (8s
// recommended default); this subsumes "oracle stale".
func NewNoAssetCtxUpdateGate(maxAge time.Duration) Gate { return noAssetCtxUpdateGate{maxAge: maxAge} }

type timeRegressionGate struct{ cache *marketcache.Cache }

func (timeRegressionGate) Name() Reason { return ReasonTimeRegression }
func (g timeRegressionGate) Check(snap types.MarketSnapshot, _ *EvalContext) Result {
	if g.cache.BboRegressed(snap.Key) || g.cache.CtxRegressed(snap.Key) {
		return block(ReasonTimeRegression)
	}
	return pass()
}

// NewTimeRegressionGate blocks when the cache has observed a server
// time strictly earlier than a previously seen one on either channel.
func NewTimeRegressionGate(cache *marketcache.Cache) Gate { return timeRegressionGate{cache: cache} }

type markMidDivergenceGate struct{ maxBps float64 }

func (markMidDivergenceGate) Name() Reason { return ReasonMarkMidDivergence }
func (g markMidDivergenceGate) Check(snap types.MarketSnapshot, _ *EvalContext) Result {
	if g.maxBps <= 0 {
		return pass()
	}
	if snap.Bbo.State() != types.BboBoth {
		return pass()
	}
	mid := snap.Bbo.Mid()
	if mid.IsZero() {
		return pass()
	}
	diff := snap.Ctx.MarkPx.Sub(mid.Decimal).Abs()
	bps := diff.Div(mid.Decimal).Mul(bps10000).InexactFloat64()
	if bps > g.maxBps {
		return block(ReasonMarkMidDivergence)
	}
	return pass()
}

// NewMarkMidDivergenceGate blocks when mark and BBO mid differ by more
// than maxBps. A maxBps <= 0 disables the gate.
func NewMarkMidDivergenceGate(maxBps float64) Gate { return markMidDivergenceGate{maxBps: maxBps} }

type spreadShockGate struct{}

func (spreadShockGate) Name() Reason { return ReasonSpreadShock }
func (spreadShockGate) Check(snap types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx == nil || ctx.SpreadShockMultiple <= 0 || ctx.SpreadEWMA <= 0 {
		return pass()
	}
	if snap.Bbo.State() != types.BboBoth {
		return pass()
	}
	spread := snap.Bbo.Ask.Price.Sub(snap.Bbo.Bid.Price.Decimal).InexactFloat64()
	if spread > ctx.SpreadEWMA*ctx.SpreadShockMultiple {
		return block(ReasonSpreadShock)
	}
	return pass()
}

// NewSpreadShockGate blocks when the current spread exceeds N times the
// caller-supplied recent EWMA of spread (via EvalContext).
func NewSpreadShockGate() Gate { return spreadShockGate{} }

type oiCapGate struct{}

func (oiCapGate) Name() Reason { return ReasonOiCap }
func (oiCapGate) Check(snap types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx == nil || ctx.OiCapUSD.IsZero() {
		return pass()
	}
	oiUSD := snap.Ctx.OpenInterest.Mul(snap.Ctx.MarkPx.Decimal)
	if oiUSD.GreaterThan(ctx.OiCapUSD.Decimal) {
		return block(ReasonOiCap)
	}
	return pass()
}

// NewOiCapGate blocks when open-interest (in USD) exceeds the configured cap.
func NewOiCapGate() Gate { return oiCapGate{} }

type paramChangeGate struct{}

func (paramChangeGate) Name() Reason { return ReasonParamChange }
func (paramChangeGate) Check(_ types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx != nil && ctx.SpecHashChanged {
		return block(ReasonParamChange)
	}
	return pass()
}

// NewParamChangeGate blocks for one tick after the market-spec hash changes.
func NewParamChangeGate() Gate { return paramChangeGate{} }

type haltGate struct{}

func (haltGate) Name() Reason { return ReasonHalt }
func (haltGate) Check(_ types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx != nil && ctx.Halted {
		return block(ReasonHalt)
	}
	return pass()
}

// NewHaltGate blocks while an operator-triggered or exchange-signalled halt is active.
func NewHaltGate() Gate { return haltGate{} }

type maxDrawdownGate struct{}

func (maxDrawdownGate) Name() Reason { return ReasonMaxDrawdown }
func (maxDrawdownGate) Check(_ types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx == nil || ctx.MaxDrawdownUSD.IsZero() {
		return pass()
	}
	if ctx.RealizedPnLLastHour.LessThan(ctx.MaxDrawdownUSD.Decimal.Neg()) {
		return block(ReasonMaxDrawdown)
	}
	return pass()
}

// NewMaxDrawdownGate blocks when realized loss in the rolling hour
// exceeds the configured floor.
func NewMaxDrawdownGate() Gate { return maxDrawdownGate{} }

type correlationCooldownGate struct{}

func (correlationCooldownGate) Name() Reason { return ReasonCorrelationCooldown }
func (correlationCooldownGate) Check(_ types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx == nil {
		return pass()
	}
	if ctx.InCooldown || (ctx.CorrelationGroupMin > 0 && ctx.RecentClosesInGroup >= ctx.CorrelationGroupMin) {
		return block(ReasonCorrelationCooldown)
	}
	return pass()
}

// NewCorrelationCooldownGate blocks when N or more closes have occurred
// within a short window within a correlation group.
func NewCorrelationCooldownGate() Gate { return correlationCooldownGate{} }

type maxPositionGate struct{}

func (maxPositionGate) Name() Reason { return ReasonMaxPositionPerMarket }
func (maxPositionGate) Check(_ types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx == nil {
		return pass()
	}
	if !ctx.MaxPositionPerMarket.IsZero() {
		prospective := ctx.CurrentMarketNotional.Add(ctx.ProspectiveNotional.Decimal)
		if prospective.GreaterThan(ctx.MaxPositionPerMarket.Decimal) {
			return block(ReasonMaxPositionPerMarket)
		}
	}
	if !ctx.MaxPositionTotal.IsZero() {
		prospectiveTotal := ctx.CurrentTotalNotional.Add(ctx.ProspectiveNotional.Decimal)
		if prospectiveTotal.GreaterThan(ctx.MaxPositionTotal.Decimal) {
			return block(ReasonMaxPositionTotal)
		}
	}
	return pass()
}

// NewMaxPositionGate blocks when the prospective notional would exceed
// either the per-market or the total position cap.
func NewMaxPositionGate() Gate { return maxPositionGate{} }

type flattenInProgressGate struct{}

func (flattenInProgressGate) Name() Reason { return ReasonFlattenInProgress }
func (flattenInProgressGate) Check(_ types.MarketSnapshot, ctx *EvalContext) Result {
	if ctx != nil && ctx.FlattenInProgress {
		return block(ReasonFlattenInProgress)
	}
	return pass()
}

// NewFlattenInProgressGate blocks new entries while a reduce-only is
// outstanding for this market.
func NewFlattenInProgressGate() Gate { return flattenInProgressGate{} }

var bps10000 = dec.PriceFromFloat(10000).Decimal

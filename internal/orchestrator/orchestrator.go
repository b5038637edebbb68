// Package orchestrator wires every subsystem into the running bot:
// session, parser, subscription manager, market cache, detector, risk
// gates, position tracker, executor, exit-watcher, risk monitor,
// persistence, and the optional dashboard. Generalizes the teacher's
// engine.Engine "New() -> Start() -> Stop()" lifecycle — one goroutine
// per concern, wired by channels and callbacks, a context.CancelFunc-
// driven Stop — from its per-market-slot bookkeeping to this bot's one
// shared graph over a statically configured market list.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/internal/dashboard"
	"hip3-taker/internal/detector"
	"hip3-taker/internal/errs"
	"hip3-taker/internal/executor"
	"hip3-taker/internal/exitwatch"
	"hip3-taker/internal/infoclient"
	"hip3-taker/internal/marketcache"
	"hip3-taker/internal/nonce"
	"hip3-taker/internal/persist"
	"hip3-taker/internal/position"
	"hip3-taker/internal/posttracker"
	"hip3-taker/internal/riskgate"
	"hip3-taker/internal/riskmonitor"
	"hip3-taker/internal/scheduler"
	"hip3-taker/internal/signer"
	"hip3-taker/internal/ws"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

const (
	subscriptionTimeoutPoll = 2 * time.Second
	timeStopSweepInterval   = time.Second
	defaultPostTimeout      = 5 * time.Second
	defaultActionBudgetPerSec = 5.0
	defaultActionBudgetBurst  = 10.0
)

// Orchestrator owns the lifecycle of every subsystem. It implements
// dashboard.Provider and exitwatch.SpecSource directly, since it's the
// one place that holds both the static spec table and the live state
// other components publish.
type Orchestrator struct {
	cfg    config.Config
	logger *zap.Logger

	specs    []types.MarketSpec
	specByKey map[types.MarketKey]types.MarketSpec
	specByCoin map[string]types.MarketSpec

	info   *infoclient.Client
	cache  *marketcache.Cache
	gates  *riskgate.Pipeline
	det    *detector.Detector
	nonces *nonce.Manager
	sched  *scheduler.Scheduler
	posts  *posttracker.Tracker
	subs   *ws.SubscriptionManager
	parser *ws.Parser
	sess   *ws.Session
	sgn    *signer.Signer
	positions *position.Tracker
	exec   *executor.Executor
	risk   *riskmonitor.Monitor
	watcher *exitwatch.Watcher
	sigWriter *persist.SignalWriter
	followups *persist.FollowupScheduler
	dash   *dashboard.Server

	vault *common.Address

	hardStop *atomic.Bool

	dashEvents chan dashboard.Event

	// correlation-cooldown bookkeeping: every configured market is
	// treated as a single correlation group (config has no per-market
	// grouping), so one rolling window of close timestamps is shared.
	closeMu     sync.Mutex
	recentCloses []time.Time

	// firstReconcileOnce guards the one-shot ReadyTrading prerequisites
	// fired from the first successful reconciliation pass.
	firstReconcileOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds and wires every component. It does not start any
// goroutine; call Start for that.
func New(cfg config.Config, logger *zap.Logger) (*Orchestrator, error) {
	keyHex, err := cfg.PrivateKeyHex()
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	expectedAddr := common.HexToAddress(cfg.Wallet.ExpectedAddress)
	sgn, err := signer.New(keyHex, expectedAddr, cfg.Wallet.Testnet)
	if err != nil {
		return nil, fmt.Errorf("%w: signer init: %v", errs.ErrSigning, err)
	}

	var vault *common.Address
	if cfg.Wallet.VaultAddress != "" {
		v := common.HexToAddress(cfg.Wallet.VaultAddress)
		vault = &v
	}

	info := infoclient.NewClient(cfg.API, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	meta, err := info.Meta(ctx, cfg.API.DexName)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch meta(dex=%s): %w", cfg.API.DexName, err)
	}

	specs, err := infoclient.BuildMarketSpecs(cfg.API.PerpDexID, meta, cfg.Markets)
	if err != nil {
		return nil, fmt.Errorf("build market specs: %w", err)
	}

	specByKey := make(map[types.MarketKey]types.MarketSpec, len(specs))
	specByCoin := make(map[string]types.MarketSpec, len(specs))
	for _, s := range specs {
		specByKey[s.Key] = s
		specByCoin[s.Coin] = s
	}

	cache := marketcache.New()
	gates := buildGatePipeline(cfg.Risk, cache)
	det := detector.New(cfg.Detector, cache, gates, logger.With(zap.String("component", "detector")))

	nonces := nonce.New(nonce.SystemClock{}, logger.With(zap.String("component", "nonce")))
	hardStop := &atomic.Bool{}
	sched := scheduler.New(cfg.Executor.MaxOrdersPerBatch, hardStop, logger.With(zap.String("component", "scheduler")))

	postTimeout := time.Duration(cfg.Executor.PostTimeoutMs) * time.Millisecond
	if postTimeout <= 0 {
		postTimeout = defaultPostTimeout
	}
	posts := posttracker.New(postTimeout)

	positions := position.New(cfg.Position, logger.With(zap.String("component", "position")))

	subs := ws.NewSubscriptionManager(cfg.Wallet.ExpectedAddress, logger.With(zap.String("component", "subscription")))
	parser := ws.NewParser(specs, subs, logger.With(zap.String("component", "parser")))

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		specs:      specs,
		specByKey:  specByKey,
		specByCoin: specByCoin,
		info:       info,
		cache:      cache,
		gates:      gates,
		det:        det,
		nonces:     nonces,
		sched:      sched,
		posts:      posts,
		subs:       subs,
		parser:     parser,
		sgn:        sgn,
		positions:  positions,
		vault:      vault,
		hardStop:   hardStop,
	}

	if cfg.Dashboard.Enabled {
		o.dashEvents = make(chan dashboard.Event, 256)
	}

	sess := ws.New(cfg.API.WSURL, logger.With(zap.String("component", "ws")), parser.Parse)
	o.sess = sess

	exec := executor.New(
		cfg.Executor,
		sched,
		positions,
		subs,
		nonces,
		posts,
		sgn,
		sess,
		vault,
		hardStop,
		defaultActionBudgetPerSec,
		defaultActionBudgetBurst,
		logger.With(zap.String("component", "executor")),
	)
	o.exec = exec

	watcher := exitwatch.New(cfg.Risk, cache, o, positions, exec, logger.With(zap.String("component", "exitwatch")))
	o.watcher = watcher

	risk := riskmonitor.New(cfg.Risk, o, logger.With(zap.String("component", "riskmonitor")))
	o.risk = risk

	sigWriter, err := persist.NewSignalWriter(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open signal writer: %w", err)
	}
	o.sigWriter = sigWriter

	followups, err := persist.NewFollowupScheduler(cfg.Store, cache, logger.With(zap.String("component", "followups")))
	if err != nil {
		return nil, fmt.Errorf("open followup scheduler: %w", err)
	}
	o.followups = followups

	if cfg.Dashboard.Enabled {
		o.dash = dashboard.NewServer(cfg.Dashboard, o, cfg, logger.With(zap.String("component", "dashboard")))
	}

	parser.OnBbo(o.onBbo)
	parser.OnAssetCtx(o.onAssetCtx)
	parser.OnOrderUpdate(o.onOrderUpdate)
	parser.OnFill(o.onFill)
	parser.OnPostResponse(o.onPostResponse)

	return o, nil
}

// buildGatePipeline includes only the gates whose configured threshold
// is non-zero, per riskgate.New's doc comment: disabled-by-configuration
// gates are omitted, not included and always passing.
func buildGatePipeline(cfg config.RiskConfig, cache *marketcache.Cache) *riskgate.Pipeline {
	gates := []riskgate.Gate{
		riskgate.NewBboNullGate(),
		riskgate.NewTimeRegressionGate(cache),
		riskgate.NewParamChangeGate(),
		riskgate.NewHaltGate(),
		riskgate.NewFlattenInProgressGate(),
	}
	if cfg.BboMaxAgeMs > 0 {
		gates = append(gates, riskgate.NewNoBboUpdateGate(time.Duration(cfg.BboMaxAgeMs)*time.Millisecond))
	}
	if cfg.CtxMaxAgeMs > 0 {
		gates = append(gates, riskgate.NewNoAssetCtxUpdateGate(time.Duration(cfg.CtxMaxAgeMs)*time.Millisecond))
	}
	if cfg.MarkMidDivergenceBps > 0 {
		gates = append(gates, riskgate.NewMarkMidDivergenceGate(float64(cfg.MarkMidDivergenceBps)))
	}
	if cfg.SpreadShockMultiple > 0 {
		gates = append(gates, riskgate.NewSpreadShockGate())
	}
	if cfg.OiCapUSD > 0 {
		gates = append(gates, riskgate.NewOiCapGate())
	}
	if cfg.MaxDrawdownUSD > 0 {
		gates = append(gates, riskgate.NewMaxDrawdownGate())
	}
	if cfg.CorrelationGroupSize > 0 {
		gates = append(gates, riskgate.NewCorrelationCooldownGate())
	}
	// MaxPositionPerMarket/MaxPositionTotal are required > 0 by
	// config.Validate, so this gate is always active.
	gates = append(gates, riskgate.NewMaxPositionGate())
	return riskgate.New(gates...)
}

// Spec implements exitwatch.SpecSource.
func (o *Orchestrator) Spec(key types.MarketKey) (types.MarketSpec, bool) {
	s, ok := o.specByKey[key]
	return s, ok
}

// TripHardStop implements riskmonitor.HardStopTrigger. It runs the
// executor's own purge (drain new-orders, cancel open orders, mark
// positions flattening) and then has the exit-watcher actually price
// and enqueue the reduce-only exits the executor has no spec/snapshot
// access to build, per spec §8 scenario 4.
func (o *Orchestrator) TripHardStop(reason string) {
	o.exec.TripHardStop(reason)
	o.watcher.FlattenAll(reason)
	o.emitEvent(dashboard.NewKillEvent(reason))
}

// Start launches every background task.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.positions.Run(o.ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.risk.Run(o.ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.exec.Run(o.ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sess.Run(o.ctx, o.onConnect); err != nil && o.ctx.Err() == nil {
			o.logger.Error("ws session terminated", zap.Error(err))
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSubscriptionTimeoutPoller()
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runTimeStopSweeper()
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runReconciliationLoop()
	}()

	if o.dash != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.dash.Start(); err != nil {
				o.logger.Error("dashboard server stopped", zap.Error(err))
			}
		}()
	}

	o.logger.Info("orchestrator started",
		zap.Int("markets", len(o.specs)), zap.String("mode", string(o.cfg.Mode)))
	return nil
}

// Stop flattens every open position before tearing the system down,
// per spec §7: the bot never exits voluntarily while holding one.
func (o *Orchestrator) Stop() {
	o.logger.Info("shutting down, flattening open positions first")
	o.watcher.FlattenAll("shutdown")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if allFlat(o.positions.PositionSnapshot()) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	o.cancel()
	o.wg.Wait()

	if o.dash != nil {
		if err := o.dash.Stop(); err != nil {
			o.logger.Error("dashboard stop failed", zap.Error(err))
		}
		close(o.dashEvents)
	}
	if err := o.sigWriter.Close(); err != nil {
		o.logger.Error("signal writer close failed", zap.Error(err))
	}
	if err := o.followups.Close(); err != nil {
		o.logger.Error("followup scheduler close failed", zap.Error(err))
	}
	o.sgn.Close()
	o.logger.Info("shutdown complete")
}

func allFlat(snap map[types.MarketKey]types.Position) bool {
	for _, p := range snap {
		if !p.IsFlat() {
			return false
		}
	}
	return true
}

// onConnect re-subscribes every configured market and the user streams
// on (re)connect, and starts tracking each market's readiness phase
// from scratch — a fresh socket means a fresh snapshot cycle.
func (o *Orchestrator) onConnect() error {
	for _, spec := range o.specs {
		o.subs.Track(spec.Key)
		if err := o.sess.Send(subscribeMsg("bbo", spec.Coin, "")); err != nil {
			return err
		}
		if err := o.sess.Send(subscribeMsg("activeAssetCtx", spec.Coin, "")); err != nil {
			return err
		}
	}
	if err := o.sess.Send(subscribeMsg("orderUpdates", "", o.cfg.Wallet.ExpectedAddress)); err != nil {
		return err
	}
	if err := o.sess.Send(subscribeMsg("userFills", "", o.cfg.Wallet.ExpectedAddress)); err != nil {
		return err
	}
	return nil
}

type subscribeSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

type subscribeFrame struct {
	Method       string                `json:"method"`
	Subscription subscribeSubscription `json:"subscription"`
}

func subscribeMsg(typ, coin, user string) subscribeFrame {
	return subscribeFrame{
		Method: "subscribe",
		Subscription: subscribeSubscription{Type: typ, Coin: coin, User: user},
	}
}

// onBbo updates the cache, runs the exit-watcher's cheap synchronous
// check, then the detector.
func (o *Orchestrator) onBbo(key types.MarketKey, bbo types.Bbo) {
	o.cache.UpdateBbo(key, bbo)
	o.afterMarketUpdate(key)
}

func (o *Orchestrator) onAssetCtx(key types.MarketKey, ctx types.AssetCtx) {
	o.cache.UpdateAssetCtx(key, ctx)
	o.afterMarketUpdate(key)
}

func (o *Orchestrator) afterMarketUpdate(key types.MarketKey) {
	now := time.Now()
	o.watcher.OnMarketUpdate(key, now)
	o.evaluateSignal(key, now)
}

// evaluateSignal builds a fresh EvalContext and runs the detector; on
// an admissible signal it persists, schedules followups, and, in
// trading mode, submits to the executor and reports the outcome to the
// risk monitor. In observation mode the signal is only logged.
func (o *Orchestrator) evaluateSignal(key types.MarketKey, now time.Time) {
	spec, ok := o.specByKey[key]
	if !ok {
		return
	}

	evalCtx := o.buildEvalContext(key)
	signal, reason := o.det.Evaluate(key, spec, now, evalCtx)
	if signal == nil {
		_ = reason // gate/threshold misses are expected and are not logged
		return
	}

	if err := o.sigWriter.Write(*signal, now); err != nil {
		o.logger.Warn("signal persist failed", zap.Error(err))
	}
	o.followups.Schedule(*signal)
	o.emitEvent(dashboard.NewSignalEvent(*signal))

	if o.cfg.Mode == config.ModeObservation {
		o.logger.Info("observation mode: signal not submitted",
			zap.String("signal_id", signal.SignalID),
			zap.String("side", string(signal.Side)))
		return
	}

	order := types.PendingOrder{
		Cloid:     signal.SignalID,
		Market:    key,
		Side:      signal.Side,
		Price:     signal.BestPrice,
		Size:      signal.SuggestedSize,
		Tif:       types.TifIOC,
		CreatedAt: now,
	}
	limits := executor.PositionLimits{
		MaxPositionPerMarket: o.positions.MaxNotionalFor(o.cfg.Risk.MaxPositionPerMarket),
		MaxPositionTotal:     o.cfg.Risk.MaxPositionTotal,
	}

	result := o.exec.SubmitSignal(key, order, limits, spec)
	rejected := result != executor.RejectNone
	o.risk.Send(riskmonitor.SignalOutcome{Market: key, Rejected: rejected})
	if rejected {
		o.logger.Debug("signal rejected by executor", zap.String("reject_reason", string(result)))
	}
}

// buildEvalContext assembles the risk-gate pipeline's externally-derived
// state, reading fresh from every producer immediately before use.
func (o *Orchestrator) buildEvalContext(key types.MarketKey) *riskgate.EvalContext {
	riskCfg := o.cfg.Risk

	spreadEWMA, _ := o.det.SpreadEWMABps(key)

	snap := o.risk.Snapshot()
	var maxDrawdown dec.Price
	if riskCfg.MaxDrawdownUSD > 0 {
		maxDrawdown = dec.PriceFromFloat(riskCfg.MaxDrawdownUSD)
	}

	positions := o.positions.PositionSnapshot()
	var currentTotalNotional float64
	var currentMarketNotional float64
	for k, p := range positions {
		notional := p.Size.Mul(p.EntryPrice.Decimal).InexactFloat64()
		currentTotalNotional += notional
		if k == key {
			currentMarketNotional = notional
		}
	}

	recentCloses, groupMin := o.correlationState()

	specHashChanged := false
	if spec, ok := o.specByKey[key]; ok {
		specHashChanged = o.cache.SpecChanged(key, spec.SpecHash)
	}

	return &riskgate.EvalContext{
		Now:                   time.Now(),
		Halted:                o.hardStop.Load(),
		RealizedPnLLastHour:   dec.PriceFromFloat(snap.CumulativeRealizedPnL),
		MaxDrawdownUSD:        maxDrawdown,
		RecentClosesInGroup:   recentCloses,
		CorrelationGroupMin:   groupMin,
		InCooldown:            false,
		ProspectiveNotional:   dec.Zero(),
		CurrentMarketNotional: dec.PriceFromFloat(currentMarketNotional),
		CurrentTotalNotional:  dec.PriceFromFloat(currentTotalNotional),
		MaxPositionPerMarket:  dec.PriceFromFloat(riskCfg.MaxPositionPerMarket),
		MaxPositionTotal:      dec.PriceFromFloat(riskCfg.MaxPositionTotal),
		FlattenInProgress:     o.exec.IsFlattening(key),
		SpreadEWMA:            spreadEWMA,
		SpreadShockMultiple:   riskCfg.SpreadShockMultiple,
		MarkMidDivergenceBps:  float64(riskCfg.MarkMidDivergenceBps),
		OiCapUSD:              dec.PriceFromFloat(riskCfg.OiCapUSD),
		SpecHashChanged:       specHashChanged,
		BboMaxAge:             time.Duration(riskCfg.BboMaxAgeMs) * time.Millisecond,
		CtxMaxAge:             time.Duration(riskCfg.CtxMaxAgeMs) * time.Millisecond,
	}
}

// correlationState prunes and reads the rolling close-timestamp window
// shared across every configured market (config carries no per-market
// correlation grouping, so all markets fall into one group).
func (o *Orchestrator) correlationState() (count int, groupMin int) {
	o.closeMu.Lock()
	defer o.closeMu.Unlock()

	cutoff := time.Now().Add(-o.cfg.Risk.CorrelationCooldown)
	i := 0
	for i < len(o.recentCloses) && o.recentCloses[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		o.recentCloses = o.recentCloses[i:]
	}
	return len(o.recentCloses), o.cfg.Risk.CorrelationGroupSize
}

func (o *Orchestrator) recordClose() {
	o.closeMu.Lock()
	o.recentCloses = append(o.recentCloses, time.Now())
	o.closeMu.Unlock()
}

// onOrderUpdate forwards a decoded order-update to the position
// tracker and the dashboard. The order-snapshot prerequisite is not
// set here; runReconciliationLoop sets it, independent of traffic.
func (o *Orchestrator) onOrderUpdate(ev ws.OrderUpdateEvent) {
	o.positions.Send(position.OrderUpdate{
		Market:       ev.Market,
		Cloid:        ev.Cloid,
		ExchangeOID:  ev.ExchangeOID,
		Side:         ev.Side,
		Status:       ev.Status,
		Price:        ev.Price,
		OriginalSize: ev.OriginalSize,
		IsSnapshot:   ev.IsSnapshot,
	})
	o.emitEvent(dashboard.NewOrderEvent(types.TrackedOrder{
		Cloid: ev.Cloid, Market: ev.Market, Side: ev.Side, Status: ev.Status,
		Price: ev.Price, OriginalSize: ev.OriginalSize,
	}))
}

// onFill forwards a fill to the position tracker, detects a close-to-
// flat transition to report realized PnL to the risk monitor, reports
// slippage against the signal's expected price isn't tracked here (no
// per-fill reference price survives to this callback), and feeds the
// dashboard.
func (o *Orchestrator) onFill(ev ws.FillEvent) {
	before, hadBefore := o.positions.PositionSnapshot()[ev.Market]

	o.positions.Send(position.UserFill{Fill: ev.Fill})

	if hadBefore && !before.IsFlat() {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.reportCloseIfFlattened(ev.Market, before, ev.Fill.Price)
		}()
	}

	o.emitEvent(dashboard.NewFillEvent(ev.Fill))
}

// reportCloseIfFlattened polls briefly for the tracker to apply the
// fill (it's an async actor) and, if the position went flat, computes
// the round-trip's realized PnL by diffing entry vs. exit notional
// (the closing fill's price against the entry price, over the size held
// before that fill) and reports it to the risk monitor plus the
// correlation-cooldown window.
func (o *Orchestrator) reportCloseIfFlattened(key types.MarketKey, before types.Position, exitPx dec.Price) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		after, ok := o.positions.PositionSnapshot()[key]
		if !ok || after.IsFlat() {
			realized := exitPx.Sub(before.EntryPrice.Decimal).Mul(before.Size.Decimal).InexactFloat64()
			if before.Side == types.SELL {
				realized = -realized
			}
			o.risk.Send(riskmonitor.PositionClosed{Market: key, RealizedPnL: realized})
			o.recordClose()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (o *Orchestrator) onPostResponse(ev ws.PostResponseEvent) {
	o.exec.OnPostResponse(ev.PostID, ev.Ok, ev.Err)
	if !ev.Ok && ev.Err != nil {
		o.logger.Warn("post rejected by exchange", zap.Uint64("post_id", ev.PostID), zap.Error(ev.Err))
	}
}

// runSubscriptionTimeoutPoller flags markets that missed their initial
// BBO/ctx within the subscription manager's own timeout window.
func (o *Orchestrator) runSubscriptionTimeoutPoller() {
	ticker := time.NewTicker(subscriptionTimeoutPoll)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			for _, spec := range o.specs {
				o.subs.CheckInitialTimeout(spec.Key)
			}
		}
	}
}

func (o *Orchestrator) runTimeStopSweeper() {
	ticker := time.NewTicker(timeStopSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.watcher.SweepTimeStops(time.Now())
		}
	}
}

// runReconciliationLoop periodically pulls the authoritative
// clearinghouse state and feeds it to the position tracker. The first
// successful pass also satisfies the three ReadyTrading prerequisites
// beyond ReadyMD (order snapshot, fills snapshot, reconciled) for every
// configured market: reconciliation is the one signal guaranteed to
// fire regardless of whether a given market has any order/fill traffic.
func (o *Orchestrator) runReconciliationLoop() {
	interval := time.Duration(o.cfg.Position.ResyncIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.reconcileOnce()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.reconcileOnce()
		}
	}
}

func (o *Orchestrator) reconcileOnce() {
	ctx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
	defer cancel()

	state, err := o.info.ClearinghouseState(ctx, o.cfg.Wallet.ExpectedAddress, o.cfg.API.DexName)
	if err != nil {
		o.logger.Warn("clearinghouse reconciliation failed", zap.Error(err))
		return
	}

	nowMs := time.Now().UnixMilli()
	positions, err := infoclient.ToPositions(o.specByCoin, state, nowMs)
	if err != nil {
		o.logger.Error("decode clearinghouse positions failed", zap.Error(err))
		return
	}
	o.positions.Send(position.SyncPositions{Dex: o.cfg.API.DexName, Positions: positions})

	if cents, err := infoclient.AccountValueCents(state); err == nil {
		o.positions.Send(position.BalanceUpdate{Cents: cents})
	} else {
		o.logger.Warn("decode clearinghouse account value failed", zap.Error(err))
	}

	o.firstReconcileOnce.Do(func() {
		o.positions.Send(position.OrderSnapshotDone{})
		o.positions.Send(position.FillsSnapshotDone{})
		for _, spec := range o.specs {
			o.subs.OnOrderSnapshot(spec.Key)
			o.subs.OnFillsSnapshot(spec.Key)
		}
	})
	for _, spec := range o.specs {
		o.subs.OnReconciled(spec.Key)
	}

	anyReady := false
	for _, spec := range o.specs {
		if o.subs.Phase(spec.Key) == types.ReadyTrading {
			anyReady = true
			break
		}
	}
	o.sess.MarkReadyTrading(anyReady)
}

// --- dashboard.Provider ---

func (o *Orchestrator) MarketsSnapshot() []dashboard.MarketStatus {
	positions := o.positions.PositionSnapshot()
	out := make([]dashboard.MarketStatus, 0, len(o.specs))
	for _, spec := range o.specs {
		snap, ok := o.cache.Snapshot(spec.Key)
		status := dashboard.MarketStatus{
			MarketKey: spec.Key.String(),
			Coin:      spec.Coin,
			Phase:     o.subs.Phase(spec.Key).String(),
		}
		if ok {
			status.OraclePx = snap.Ctx.OraclePx.InexactFloat64()
			status.MarkPx = snap.Ctx.MarkPx.InexactFloat64()
			if snap.Bbo.Bid != nil {
				status.BestBid = snap.Bbo.Bid.Price.InexactFloat64()
			}
			if snap.Bbo.Ask != nil {
				status.BestAsk = snap.Bbo.Ask.Price.InexactFloat64()
			}
			if snap.Bbo.State() == types.BboBoth {
				status.MidPrice = snap.Bbo.Mid().InexactFloat64()
				if status.MidPrice > 0 {
					status.SpreadBps = (status.BestAsk - status.BestBid) / status.MidPrice * 10000
				}
			}
			status.LastUpdated = snap.BboRecvMono
		}
		if pos, ok := positions[spec.Key]; ok && !pos.IsFlat() {
			status.Position = dashboard.PositionStatus{
				Side:          string(pos.Side),
				Size:          pos.Size.InexactFloat64(),
				EntryPrice:    pos.EntryPrice.InexactFloat64(),
				UnrealizedPnl: pos.UnrealisedPnl.InexactFloat64(),
			}
		}
		out = append(out, status)
	}
	return out
}

func (o *Orchestrator) RiskSnapshot() dashboard.RiskStatus {
	snap := o.risk.Snapshot()
	return dashboard.RiskStatus{
		HardStopActive:        o.hardStop.Load(),
		CumulativeRealizedPnL: snap.CumulativeRealizedPnL,
		ConsecutiveLosses:     snap.ConsecutiveLosses,
		FlattenFailures:       snap.FlattenFailures,
		RecentRejectionRate:   snap.RecentRejectionRate,
		SlippageAverageBps:    snap.SlippageAverageBps,
	}
}

func (o *Orchestrator) Events() <-chan dashboard.Event {
	return o.dashEvents
}

func (o *Orchestrator) emitEvent(ev dashboard.Event) {
	if o.dashEvents == nil {
		return
	}
	select {
	case o.dashEvents <- ev:
	default:
		if o.logger != nil {
			o.logger.Debug("dashboard event queue full, dropping event")
		}
	}
}


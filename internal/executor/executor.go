// Package executor fuses scheduler ticks, WS post responses, timeout
// sweeps and hard-stop transitions into the single task that actually
// puts signed actions on the wire. Generalizes the teacher's
// engine.Engine "one goroutine per concern, wired by channels" shape
// into the spec's explicit 10-step signal-submission gate order.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/internal/errs"
	"hip3-taker/internal/nonce"
	"hip3-taker/internal/position"
	"hip3-taker/internal/posttracker"
	"hip3-taker/internal/scheduler"
	"hip3-taker/internal/signer"
	"hip3-taker/internal/ws"
	"hip3-taker/pkg/types"
)

// notifyCoalesceWindow is the cooldown on event-driven wakeups, so a
// burst of signals/exits ticks the executor once rather than per-event.
const notifyCoalesceWindow = 5 * time.Millisecond

// Wire price/size formatting budgets, per the exchange's 5-significant-
// digit price rule; size's significant-digit budget is generous since
// spec.SzDecimals already caps fractional precision per market.
const (
	priceSigDigits   = 5
	priceMaxDecimals = 6
	sizeSigDigits    = 8
)

// Sender is the subset of *ws.Session the executor needs, so tests can
// substitute a fake instead of a live socket.
type Sender interface {
	Post(req ws.PostRequest) error
	ReleasePost()
}

// RejectReason names why a signal-submission attempt did not reach the wire.
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectHardStop          RejectReason = "hard_stop"
	RejectNotReady          RejectReason = "not_ready"
	RejectMaxPosition       RejectReason = "max_position"
	RejectAlreadyHasPosition RejectReason = "already_has_position"
	RejectFlattenInProgress RejectReason = "flatten_in_progress"
	RejectPendingOrderExists RejectReason = "pending_order_exists"
	RejectActionBudget      RejectReason = "action_budget_empty"
	RejectSizeZero          RejectReason = "size_zero"
	RejectQueueFull         RejectReason = "queue_full"
	RejectInflightFull      RejectReason = "inflight_full"
)

// ReadinessSource reports a market's subscription-phase readiness,
// implemented by *ws.SubscriptionManager in production.
type ReadinessSource interface {
	Phase(key types.MarketKey) types.ReadyPhase
}

// PositionLimits is the subset of risk config the executor needs to
// enforce gate 3, read fresh each call so operators can retune live.
type PositionLimits struct {
	MaxPositionPerMarket float64
	MaxPositionTotal     float64
}

// Executor is the single task that owns admission, signing, and wire
// submission for every action the bot issues.
type Executor struct {
	cfg config.ExecutorConfig

	sched     *scheduler.Scheduler
	positions *position.Tracker
	readiness ReadinessSource
	nonces    *nonce.Manager
	posts     *posttracker.Tracker
	signerImpl *signer.Signer
	sender    Sender
	vault     *common.Address

	hardStop *atomic.Bool
	budget   *tokenBucket

	// flattening marks markets with an outstanding reduce-only, so new
	// entries are refused (gate 5) until it clears.
	flattening sync.Map // types.MarketKey -> struct{}

	postIDSeq atomic.Uint64

	notifyCh      chan struct{}
	lastNotifyTick atomic.Int64 // unix nano of last coalesced tick

	logger *zap.Logger
}

// New builds an Executor. hardStop is the shared latch that TripHardStop
// sets; vault may be nil for a non-vault wallet.
func New(
	cfg config.ExecutorConfig,
	sched *scheduler.Scheduler,
	positions *position.Tracker,
	readiness ReadinessSource,
	nonces *nonce.Manager,
	posts *posttracker.Tracker,
	signerImpl *signer.Signer,
	sender Sender,
	vault *common.Address,
	hardStop *atomic.Bool,
	actionBudgetPerSec float64,
	actionBudgetBurst float64,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		cfg:        cfg,
		sched:      sched,
		positions:  positions,
		readiness:  readiness,
		nonces:     nonces,
		posts:      posts,
		signerImpl: signerImpl,
		sender:     sender,
		vault:      vault,
		hardStop:   hardStop,
		budget:     newTokenBucket(actionBudgetBurst, actionBudgetPerSec),
		notifyCh:   make(chan struct{}, 1),
		logger:     logger,
	}
}

// Notify wakes the executor loop for an event-driven tick, coalescing
// bursts within notifyCoalesceWindow.
func (e *Executor) Notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

// IsFlattening reports whether a reduce-only is currently outstanding
// for key. Exposed for the exit-watcher, which must not double-submit.
func (e *Executor) IsFlattening(key types.MarketKey) bool {
	_, ok := e.flattening.Load(key)
	return ok
}

func (e *Executor) markFlattening(key types.MarketKey)  { e.flattening.Store(key, struct{}{}) }
func (e *Executor) clearFlattening(key types.MarketKey) { e.flattening.Delete(key) }

// SubmitSignal runs the full 10-step gate order for a new-order signal.
// The caller (the orchestrator's signal-handling path) is responsible
// for turning a *types.Signal into a types.PendingOrder beforehand
// (price/size already tick/lot-rounded to the market's raw grid; final
// lot-size zero-check happens here too, after rounding).
func (e *Executor) SubmitSignal(key types.MarketKey, order types.PendingOrder, limits PositionLimits, spec types.MarketSpec) RejectReason {
	if e.hardStop != nil && e.hardStop.Load() {
		return RejectHardStop
	}
	if e.readiness != nil && e.readiness.Phase(key) != types.ReadyTrading {
		return RejectNotReady
	}
	if reason := e.checkPositionLimits(key, order, limits); reason != RejectNone {
		return reason
	}
	if e.positions.HasPosition(key) {
		return RejectAlreadyHasPosition
	}
	if e.IsFlattening(key) {
		return RejectFlattenInProgress
	}
	if !e.positions.TryMarkPendingMarket(key) {
		return RejectPendingOrderExists
	}

	if !e.budget.TryTake() {
		e.positions.ReleasePendingMarket(key)
		return RejectActionBudget
	}

	price := order.Price.RoundToTick(spec.Tick, order.Side == types.BUY)
	size := order.Size.RoundToLot(spec.Lot)
	if size.IsZero() {
		e.positions.ReleasePendingMarket(key)
		return RejectSizeZero
	}
	order.Price = price
	order.Size = size

	wire := signer.OrderWire{
		Asset:      key.AssetID,
		IsBuy:      order.Side == types.BUY,
		Price:      price.FormatPrice(priceSigDigits, priceMaxDecimals),
		Size:       size.FormatSize(sizeSigDigits, spec.SzDecimals),
		ReduceOnly: order.ReduceOnly,
		Tif:        string(order.Tif),
		Cloid:      order.Cloid,
	}

	result := e.sched.EnqueueNewOrder(scheduler.QueuedOrder{Wire: wire, Market: key})
	switch result {
	case scheduler.QueueFull:
		e.positions.ReleasePendingMarket(key)
		return RejectQueueFull
	case scheduler.InflightFull:
		e.positions.ReleasePendingMarket(key)
		return RejectInflightFull
	}

	tracked := types.TrackedOrder{
		Cloid:        order.Cloid,
		Market:       key,
		Side:         order.Side,
		OriginalSize: size,
		Price:        price,
		ReduceOnly:   order.ReduceOnly,
		Status:       types.StatusPending,
		CreatedAtMs:  order.CreatedAt.UnixMilli(),
	}
	if !e.positions.Send(position.RegisterOrder{Order: tracked}) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if e.hardStop != nil && e.hardStop.Load() {
				return
			}
			_ = e.positions.SendBlocking(ctx, position.RegisterOrder{Order: tracked})
		}()
	}

	e.Notify()
	return RejectNone
}

// SubmitReduceOnly enqueues a flatten/exit order, bypassing gates 2-6
// (reduce-only is admissible even during hard-stop, by design) but still
// consuming action budget and respecting lot-size truncation.
func (e *Executor) SubmitReduceOnly(key types.MarketKey, order types.PendingOrder, spec types.MarketSpec) RejectReason {
	size := order.Size.RoundToLot(spec.Lot)
	if size.IsZero() {
		return RejectSizeZero
	}
	if !e.budget.TryTake() {
		return RejectActionBudget
	}
	order.Size = size
	order.ReduceOnly = true

	wire := signer.OrderWire{
		Asset:      key.AssetID,
		IsBuy:      order.Side == types.BUY,
		Price:      order.Price.FormatPrice(priceSigDigits, priceMaxDecimals),
		Size:       size.FormatSize(sizeSigDigits, spec.SzDecimals),
		ReduceOnly: true,
		Tif:        string(order.Tif),
		Cloid:      order.Cloid,
	}

	result := e.sched.EnqueueReduceOnly(scheduler.QueuedOrder{Wire: wire, Market: key})
	switch result {
	case scheduler.QueueFull:
		return RejectQueueFull
	case scheduler.InflightFull:
		return RejectInflightFull
	}

	e.markFlattening(key)
	tracked := types.TrackedOrder{
		Cloid:        order.Cloid,
		Market:       key,
		Side:         order.Side,
		OriginalSize: size,
		Price:        order.Price,
		ReduceOnly:   true,
		Status:       types.StatusPending,
		CreatedAtMs:  order.CreatedAt.UnixMilli(),
	}
	e.positions.Send(position.RegisterOrder{Order: tracked})
	e.Notify()
	return RejectNone
}

// checkPositionLimits enforces gate 3 directly against the position
// tracker's published snapshot, independent of the detector's own
// riskgate pass (which ran before the signal existed).
func (e *Executor) checkPositionLimits(key types.MarketKey, order types.PendingOrder, limits PositionLimits) RejectReason {
	if limits.MaxPositionPerMarket <= 0 && limits.MaxPositionTotal <= 0 {
		return RejectNone
	}
	prospective := order.Price.Mul(order.Size.Decimal).InexactFloat64()

	snap := e.positions.PositionSnapshot()
	var marketNotional, totalNotional float64
	for k, p := range snap {
		notional := p.Size.Mul(p.EntryPrice.Decimal).InexactFloat64()
		totalNotional += notional
		if k == key {
			marketNotional = notional
		}
	}

	if limits.MaxPositionPerMarket > 0 && marketNotional+prospective > limits.MaxPositionPerMarket {
		return RejectMaxPosition
	}
	if limits.MaxPositionTotal > 0 && totalNotional+prospective > limits.MaxPositionTotal {
		return RejectMaxPosition
	}
	return RejectNone
}

// Run is the executor's main task: ticks on a timer or an event-driven
// notification (coalesced), sweeps timeouts, and handles hard-stop
// purge. It owns all WS write serialization for post requests.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.BatchIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(500 * time.Millisecond)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		case <-e.notifyCh:
			if e.coalesce() {
				e.tick()
			}
		case <-sweepTicker.C:
			e.sweepTimeouts()
		}
	}
}

func (e *Executor) coalesce() bool {
	now := time.Now().UnixNano()
	last := e.lastNotifyTick.Load()
	if now-last < int64(notifyCoalesceWindow) {
		return false
	}
	e.lastNotifyTick.Store(now)
	return true
}

// tick pulls one ActionBatch, re-checks hard-stop (races between
// dequeue and a concurrent latch trip), signs it, and writes it.
func (e *Executor) tick() {
	batch := e.sched.Tick()
	if batch.IsEmpty() {
		return
	}
	if e.hardStop != nil && e.hardStop.Load() && !batch.IsCancel() {
		// A hard-stop tripped between enqueue and dequeue: only cancels
		// and reduce-only survive this far (new-order enqueue already
		// checks hard-stop before this point, but a batch may have been
		// built from the new-order queue just before the latch tripped).
		kept := batch.Orders[:0]
		for _, o := range batch.Orders {
			if o.Wire.ReduceOnly {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			return
		}
		batch.Orders = kept
	}

	var action signer.Action
	if batch.IsCancel() {
		action = signer.CancelAction{Cancels: batch.Cancels}
	} else {
		orders := make([]signer.OrderWire, len(batch.Orders))
		for i, o := range batch.Orders {
			orders[i] = o.Wire
		}
		action = signer.OrderAction{Orders: orders}
	}

	n := e.nonces.Next()
	var expiresAfterMs *int64
	_, wire, err := e.signerImpl.SignAction(action, n, e.vault, expiresAfterMs)
	if err != nil {
		e.logger.Error("sign action failed", zap.Error(err))
		return
	}

	payload := map[string]any{
		"action":    action,
		"nonce":     n,
		"signature": wire,
	}
	if e.vault != nil {
		payload["vaultAddress"] = e.vault.Hex()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal post payload failed", zap.Error(err))
		return
	}

	postID := e.postIDSeq.Add(1)
	e.posts.Register(postID, action, n)

	if err := e.sender.Post(ws.PostRequest{PostID: postID, Payload: raw}); err != nil {
		e.logger.Warn("ws post write failed", zap.Error(err), zap.Uint64("post_id", postID))
		return
	}
	e.posts.MarkSent(postID)
	e.sched.IncrementInflight()
}

func (e *Executor) sweepTimeouts() {
	for _, entry := range e.posts.SweepTimeouts() {
		e.sched.ReleaseInflight()
		e.sender.ReleasePost()
		e.logger.Warn("post timed out", zap.Uint64("post_id", entry.PostID))
	}
}

// OnPostResponse correlates an inbound post response by id and releases
// the in-flight slot it held, both at the scheduler and at the session
// level (the session's in-flight-post cap is a separate safety net from
// the scheduler's own counter).
func (e *Executor) OnPostResponse(postID uint64, ok bool, err error) {
	if e.posts.OnResponse(postID, ok, err) {
		e.sched.ReleaseInflight()
		e.sender.ReleasePost()
	}
}

// TripHardStop runs the purge sequence: latches hard-stop, drains the
// new-order queue, releasing each purged order's pending-market mark,
// enqueues cancels for open orders, and marks every open position
// flattening. It does not build reduce-only exits itself (it has no
// market spec or snapshot to price them); the orchestrator's
// TripHardStop follows it with the exit-watcher's FlattenAll.
func (e *Executor) TripHardStop(reason string) {
	if e.hardStop != nil {
		e.hardStop.Store(true)
	}
	e.logger.Error("hard stop tripped", zap.String("reason", reason))

	for _, rel := range e.sched.PurgeNewOrders() {
		e.positions.ReleasePendingMarket(rel.Market)
	}

	for _, o := range e.positions.PendingOrderSnapshot() {
		if o.ExchangeOID == nil || o.Status.IsTerminal() {
			continue
		}
		e.sched.EnqueueCancel(signer.CancelWire{Asset: o.Market.AssetID, OID: *o.ExchangeOID})
	}

	for key, pos := range e.positions.PositionSnapshot() {
		if pos.IsFlat() || e.IsFlattening(key) {
			continue
		}
		e.markFlattening(key)
	}

	e.Notify()
}

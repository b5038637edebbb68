// Package position implements the position-tracker actor: a single
// goroutine owning canonical order/position/fill state, publishing
// eventually-consistent read-side caches for the hot gate path. The
// actor shape (message channel, try-send submission, periodic ticker
// folded into the same select) generalizes the teacher's risk.Manager.
package position

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

// cloidRingSize bounds the fill-dedup ring; older entries are evicted as
// new ones arrive, per §4.12.
const cloidRingSize = 1000

const msgQueueCap = 1024

// RegisterOrder adds a freshly-enqueued order to pending tracking.
type RegisterOrder struct{ Order types.TrackedOrder }

// RemoveOrder drops an order from pending tracking directly (e.g. a
// locally-known terminal ack that didn't arrive via OrderUpdate).
type RemoveOrder struct {
	Cloid  string
	Market types.MarketKey
}

// OrderUpdate carries one order lifecycle update from the WS stream.
type OrderUpdate struct {
	Market       types.MarketKey
	Cloid        string
	ExchangeOID  int64
	Side         types.Side
	Status       types.OrderStatus
	Price        dec.Price
	OriginalSize dec.Size
	IsSnapshot   bool
}

// OrderSnapshotDone signals that every element of the initial order
// snapshot has been forwarded; buffered increments are replayed after.
type OrderSnapshotDone struct{}

// UserFill carries one fill, deduplicated by Cloid.
type UserFill struct{ Fill types.Fill }

// FillsSnapshotDone is the fills-stream counterpart of OrderSnapshotDone.
type FillsSnapshotDone struct{}

// SyncPositions applies a reconciliation report from the clearinghouse API.
type SyncPositions struct {
	Dex       string
	Positions []types.Position
}

// BalanceUpdate sets the account balance (in cents) used for dynamic sizing.
type BalanceUpdate struct{ Cents int64 }

type entryState struct {
	entryPrice          dec.Price
	entryTimestampMs    int64
	lastFillTimestampMs int64
}

// Tracker is the position-tracker actor. Canonical state (positions,
// orders, fill dedup ring) is touched only from Run's goroutine; the
// published caches below are safe for concurrent lock-free reads.
type Tracker struct {
	cfg    config.PositionConfig
	logger *zap.Logger

	msgCh chan any

	positions map[types.MarketKey]decimal.Decimal
	entryInfo map[types.MarketKey]*entryState
	orders    map[string]types.TrackedOrder

	orderSnapshotSeen bool
	orderBuffer       []OrderUpdate
	fillSnapshotSeen  bool
	fillBuffer        []UserFill

	cloidRing [cloidRingSize]string
	cloidSet  map[string]struct{}
	cloidPos  int

	hasPosition  sync.Map // types.MarketKey -> bool
	pendingCount sync.Map // types.MarketKey -> int
	positionSnap atomic.Pointer[map[types.MarketKey]types.Position]
	pendingSnap  atomic.Pointer[map[string]types.TrackedOrder]
	balanceCents atomic.Int64

	// pendingMarkers closes the one race the executor's gate order
	// depends on: two concurrent signals on the same market must not
	// both proceed to build an order before either is registered.
	pendingMarkers sync.Map // types.MarketKey -> struct{}
}

func New(cfg config.PositionConfig, logger *zap.Logger) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		logger:    logger,
		msgCh:     make(chan any, msgQueueCap),
		positions: make(map[types.MarketKey]decimal.Decimal),
		entryInfo: make(map[types.MarketKey]*entryState),
		orders:    make(map[string]types.TrackedOrder),
		cloidSet:  make(map[string]struct{}, cloidRingSize),
	}
	emptyPos := make(map[types.MarketKey]types.Position)
	t.positionSnap.Store(&emptyPos)
	emptyOrd := make(map[string]types.TrackedOrder)
	t.pendingSnap.Store(&emptyOrd)
	return t
}

// Send enqueues a message non-blockingly, matching the fast-path
// try-send idiom used on every signal/exit submission path elsewhere in
// the system. A full queue drops the message and logs.
func (t *Tracker) Send(msg any) bool {
	select {
	case t.msgCh <- msg:
		return true
	default:
		if t.logger != nil {
			t.logger.Warn("position tracker queue full, dropping message",
				zap.String("msg_type", fmt.Sprintf("%T", msg)))
		}
		return false
	}
}

// SendBlocking is the fallback path for when Send's non-blocking
// enqueue fails: it blocks until there is room or ctx is cancelled.
func (t *Tracker) SendBlocking(ctx context.Context, msg any) error {
	select {
	case t.msgCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes messages until ctx is cancelled. All canonical-state
// mutation happens here, single-threaded.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.msgCh:
			t.handle(msg)
		}
	}
}

func (t *Tracker) handle(msg any) {
	switch m := msg.(type) {
	case RegisterOrder:
		t.registerOrder(m.Order)
	case RemoveOrder:
		t.removeOrder(m.Cloid)
	case OrderUpdate:
		t.applyOrderUpdate(m)
	case OrderSnapshotDone:
		t.orderSnapshotSeen = true
		buf := t.orderBuffer
		t.orderBuffer = nil
		for _, u := range buf {
			t.applyOrderUpdate(u)
		}
	case UserFill:
		t.applyFill(m.Fill)
	case FillsSnapshotDone:
		t.fillSnapshotSeen = true
		buf := t.fillBuffer
		t.fillBuffer = nil
		for _, f := range buf {
			t.applyFill(f.Fill)
		}
	case SyncPositions:
		t.syncPositions(m)
	case BalanceUpdate:
		t.balanceCents.Store(m.Cents)
	}
}

func (t *Tracker) registerOrder(o types.TrackedOrder) {
	t.orders[o.Cloid] = o
	t.publishOrders()
}

func (t *Tracker) removeOrder(cloid string) {
	delete(t.orders, cloid)
	t.publishOrders()
}

func (t *Tracker) applyOrderUpdate(u OrderUpdate) {
	if !t.orderSnapshotSeen && !u.IsSnapshot {
		t.orderBuffer = append(t.orderBuffer, u)
		return
	}
	switch u.Status {
	case types.StatusFilled, types.StatusCanceled, types.StatusRejected:
		delete(t.orders, u.Cloid)
	default:
		existing, ok := t.orders[u.Cloid]
		if !ok {
			existing = types.TrackedOrder{
				Cloid:        u.Cloid,
				Market:       u.Market,
				Side:         u.Side,
				OriginalSize: u.OriginalSize,
				Price:        u.Price,
			}
		}
		oid := u.ExchangeOID
		existing.ExchangeOID = &oid
		existing.Status = u.Status
		t.orders[u.Cloid] = existing
	}
	t.publishOrders()
}

func (t *Tracker) applyFill(f types.Fill) {
	if !t.fillSnapshotSeen && !f.IsSnapshot {
		t.fillBuffer = append(t.fillBuffer, UserFill{Fill: f})
		return
	}
	if _, seen := t.cloidSet[f.Cloid]; seen {
		return
	}
	t.rememberCloid(f.Cloid)

	sign := decimal.NewFromInt(1)
	if f.Side == types.SELL {
		sign = decimal.NewFromInt(-1)
	}
	delta := f.Size.Decimal.Mul(sign)

	wasFlat := true
	if net, ok := t.positions[f.Market]; ok {
		wasFlat = net.IsZero()
	}

	prev := t.positions[f.Market]
	net := prev.Add(delta)
	t.positions[f.Market] = net

	// A fill that crosses through zero opens a new position on the other side.
	flipped := !wasFlat && !net.IsZero() && prev.Sign() != net.Sign()
	es, ok := t.entryInfo[f.Market]
	if !ok || wasFlat || flipped {
		es = &entryState{entryPrice: f.Price, entryTimestampMs: f.TimeMs}
		t.entryInfo[f.Market] = es
	}
	es.lastFillTimestampMs = f.TimeMs

	if net.IsZero() {
		delete(t.positions, f.Market)
		delete(t.entryInfo, f.Market)
	}

	t.publishPositions()
}

func (t *Tracker) rememberCloid(cloid string) {
	if old := t.cloidRing[t.cloidPos]; old != "" {
		delete(t.cloidSet, old)
	}
	t.cloidRing[t.cloidPos] = cloid
	t.cloidSet[cloid] = struct{}{}
	t.cloidPos = (t.cloidPos + 1) % cloidRingSize
}

// syncPositions applies a reconciliation report: upsert every reported
// market first, then remove markets absent from the report. Never
// clear-then-populate — a reader between those two steps would
// otherwise observe a momentarily empty snapshot.
func (t *Tracker) syncPositions(m SyncPositions) {
	reported := make(map[types.MarketKey]struct{}, len(m.Positions))
	for _, p := range m.Positions {
		reported[p.Market] = struct{}{}
		net := p.Size.Decimal
		if p.Side == types.SELL {
			net = net.Neg()
		}
		t.positions[p.Market] = net

		es, ok := t.entryInfo[p.Market]
		if !ok {
			es = &entryState{}
			t.entryInfo[p.Market] = es
		}
		if !p.EntryPrice.IsZero() {
			es.entryPrice = p.EntryPrice
		}
		if p.EntryTimestampMs != 0 {
			es.entryTimestampMs = p.EntryTimestampMs
		}
		if p.LastFillTimestampMs != 0 {
			es.lastFillTimestampMs = p.LastFillTimestampMs
		}
	}
	for key := range t.positions {
		if _, ok := reported[key]; !ok {
			delete(t.positions, key)
			delete(t.entryInfo, key)
		}
	}
	t.publishPositions()
}

func (t *Tracker) publishPositions() {
	prev := t.positionSnap.Load()
	snap := make(map[types.MarketKey]types.Position, len(t.positions))
	for key, net := range t.positions {
		side := types.BUY
		if net.IsNegative() {
			side = types.SELL
		}
		var entryPx dec.Price
		var entryMs, lastMs int64
		if es := t.entryInfo[key]; es != nil {
			entryPx, entryMs, lastMs = es.entryPrice, es.entryTimestampMs, es.lastFillTimestampMs
		}
		snap[key] = types.Position{
			Market:              key,
			Side:                side,
			Size:                dec.Size{Decimal: net.Abs()},
			EntryPrice:          entryPx,
			EntryTimestampMs:    entryMs,
			LastFillTimestampMs: lastMs,
		}
		t.hasPosition.Store(key, true)
	}
	if prev != nil {
		for k := range *prev {
			if _, ok := t.positions[k]; !ok {
				t.hasPosition.Store(k, false)
			}
		}
	}
	t.positionSnap.Store(&snap)
}

func (t *Tracker) publishOrders() {
	snap := make(map[string]types.TrackedOrder, len(t.orders))
	counts := make(map[types.MarketKey]int)
	for cloid, o := range t.orders {
		snap[cloid] = o
		counts[o.Market]++
	}
	t.pendingSnap.Store(&snap)

	t.pendingCount.Range(func(k, _ any) bool {
		key := k.(types.MarketKey)
		if _, ok := counts[key]; !ok {
			t.pendingCount.Store(key, 0)
		}
		return true
	})
	for k, c := range counts {
		t.pendingCount.Store(k, c)
	}
}

// TryMarkPendingMarket is an atomic insert-if-absent: it returns true
// (and marks the market) only if no signal is already being acted on
// for this market.
func (t *Tracker) TryMarkPendingMarket(key types.MarketKey) bool {
	_, loaded := t.pendingMarkers.LoadOrStore(key, struct{}{})
	return !loaded
}

// ReleasePendingMarket clears a mark set by TryMarkPendingMarket, on
// either gate failure after marking or normal order registration.
func (t *Tracker) ReleasePendingMarket(key types.MarketKey) {
	t.pendingMarkers.Delete(key)
}

// HasPosition reports the lock-free cached view of whether a market
// currently has an open position.
func (t *Tracker) HasPosition(key types.MarketKey) bool {
	v, ok := t.hasPosition.Load(key)
	return ok && v.(bool)
}

// PendingOrderCount reports the cached count of non-terminal orders for a market.
func (t *Tracker) PendingOrderCount(key types.MarketKey) int {
	v, ok := t.pendingCount.Load(key)
	if !ok {
		return 0
	}
	return v.(int)
}

// PositionSnapshot returns the most recently published full position snapshot.
func (t *Tracker) PositionSnapshot() map[types.MarketKey]types.Position {
	p := t.positionSnap.Load()
	if p == nil {
		return nil
	}
	return *p
}

// PendingOrderSnapshot returns the most recently published pending-order snapshot.
func (t *Tracker) PendingOrderSnapshot() map[string]types.TrackedOrder {
	p := t.pendingSnap.Load()
	if p == nil {
		return nil
	}
	return *p
}

// BalanceCents returns the cached account balance, in cents.
func (t *Tracker) BalanceCents() int64 {
	return t.balanceCents.Load()
}

// MaxNotionalFor applies the dynamic-sizing rule: when enabled,
// min(configMax, balance × risk_pct); a not-yet-known (zero) balance
// falls back to the static configMax rather than to zero, which would
// halt trading silently.
func (t *Tracker) MaxNotionalFor(configMax float64) float64 {
	if !t.cfg.DynamicSizing {
		return configMax
	}
	cents := t.balanceCents.Load()
	if cents <= 0 {
		return configMax
	}
	balance := float64(cents) / 100
	dynamic := balance * t.cfg.RiskPerMarketPct
	if dynamic < configMax {
		return dynamic
	}
	return configMax
}

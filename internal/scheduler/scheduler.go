// Package scheduler implements the three-queue priority discipline
// (cancel > reduce-only > new-order) and the single in-flight tracker
// that together gate how many signed actions are outstanding with the
// exchange at once. Generalizes the token-bucket shape the predecessor
// codebase used for HTTP rate limiting into a bounded multi-queue
// scheduler with a periodic tick instead of a blocking Wait().
package scheduler

import (
	"sync/atomic"

	"go.uber.org/zap"

	"hip3-taker/internal/signer"
	"hip3-taker/pkg/types"
)

const (
	cancelQueueCap     = 200
	reduceOnlyQueueCap = 500
	newOrderQueueCap   = 1000

	defaultMaxInflight   = 100
	defaultHighWatermark = 80
)

// EnqueueResult reports the outcome of an enqueue attempt.
type EnqueueResult int

const (
	Queued EnqueueResult = iota
	QueuedDegraded
	QueueFull
	InflightFull
)

func (r EnqueueResult) String() string {
	switch r {
	case Queued:
		return "queued"
	case QueuedDegraded:
		return "queued_degraded"
	case QueueFull:
		return "queue_full"
	case InflightFull:
		return "inflight_full"
	default:
		return "unknown"
	}
}

// QueuedOrder carries enough context for the position-tracker to register
// or the purge path to release pending-order bookkeeping.
type QueuedOrder struct {
	Wire   signer.OrderWire
	Market types.MarketKey
}

// PendingRelease identifies a purged new-order entry so the caller can
// release its pending-markets mark.
type PendingRelease struct {
	Cloid  string
	Market types.MarketKey
}

// ActionBatch is what one tick emits: cancels XOR orders, never both, per
// the exchange's L1-action grammar.
type ActionBatch struct {
	Cancels []signer.CancelWire
	Orders  []QueuedOrder
}

func (b *ActionBatch) IsCancel() bool { return b != nil && len(b.Cancels) > 0 }
func (b *ActionBatch) IsEmpty() bool  { return b == nil || (len(b.Cancels) == 0 && len(b.Orders) == 0) }

// Scheduler holds the three priority queues and the in-flight counter.
// The queues themselves are exclusively owned by the scheduler; readers
// only ever see batches emitted by Tick.
type Scheduler struct {
	cancelCh     chan signer.CancelWire
	reduceOnlyCh chan QueuedOrder
	newOrderCh   chan QueuedOrder

	inflight      atomic.Int64
	maxInflight   int64
	highWatermark int64

	maxOrdersPerBatch int

	hardStop *atomic.Bool
	logger   *zap.Logger
}

// New creates a scheduler. hardStop is a shared latch set by the
// executor's TripHardStop; the scheduler only reads it.
func New(maxOrdersPerBatch int, hardStop *atomic.Bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cancelCh:          make(chan signer.CancelWire, cancelQueueCap),
		reduceOnlyCh:      make(chan QueuedOrder, reduceOnlyQueueCap),
		newOrderCh:        make(chan QueuedOrder, newOrderQueueCap),
		maxInflight:       defaultMaxInflight,
		highWatermark:     defaultHighWatermark,
		maxOrdersPerBatch: maxOrdersPerBatch,
		hardStop:          hardStop,
		logger:            logger,
	}
}

// EnqueueCancel admits a cancel. Cancels wait at InflightFull just like
// everything else, but are never degraded.
func (s *Scheduler) EnqueueCancel(c signer.CancelWire) EnqueueResult {
	if s.inflight.Load() >= s.maxInflight {
		return InflightFull
	}
	select {
	case s.cancelCh <- c:
		return Queued
	default:
		return QueueFull
	}
}

// EnqueueReduceOnly admits a reduce-only order. Reduce-only remains
// admissible above the high watermark; only new-order admission degrades.
func (s *Scheduler) EnqueueReduceOnly(o QueuedOrder) EnqueueResult {
	if s.inflight.Load() >= s.maxInflight {
		return InflightFull
	}
	select {
	case s.reduceOnlyCh <- o:
		return Queued
	default:
		return QueueFull
	}
}

// EnqueueNewOrder admits a new-order. At the high watermark it is still
// admitted but flagged QueuedDegraded; at maxInflight it is refused.
func (s *Scheduler) EnqueueNewOrder(o QueuedOrder) EnqueueResult {
	inflight := s.inflight.Load()
	if inflight >= s.maxInflight {
		return InflightFull
	}
	select {
	case s.newOrderCh <- o:
		if inflight >= s.highWatermark {
			return QueuedDegraded
		}
		return Queued
	default:
		return QueueFull
	}
}

// IncrementInflight is called by the caller after a WS write completes
// successfully — the scheduler never touches the counter itself, so that
// send failures cost nothing.
func (s *Scheduler) IncrementInflight() { s.inflight.Add(1) }

// ReleaseInflight is called on response or timeout.
func (s *Scheduler) ReleaseInflight() {
	for {
		cur := s.inflight.Load()
		if cur <= 0 {
			return
		}
		if s.inflight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Inflight returns the current in-flight count, for diagnostics.
func (s *Scheduler) Inflight() int64 { return s.inflight.Load() }

// Tick drains exactly one ActionBatch: all queued cancels if any exist,
// otherwise reduce-only orders followed by new-orders up to
// maxOrdersPerBatch. When hard-stop is latched, new-order dequeues are
// skipped (reduce-only and cancel remain allowed by design).
func (s *Scheduler) Tick() *ActionBatch {
	var cancels []signer.CancelWire
drainCancels:
	for {
		select {
		case c := <-s.cancelCh:
			cancels = append(cancels, c)
		default:
			break drainCancels
		}
	}
	if len(cancels) > 0 {
		return &ActionBatch{Cancels: cancels}
	}

	var orders []QueuedOrder
	for len(orders) < s.maxOrdersPerBatch {
		select {
		case o := <-s.reduceOnlyCh:
			orders = append(orders, o)
		default:
			goto newOrders
		}
	}
newOrders:
	if s.hardStop == nil || !s.hardStop.Load() {
	drainNewOrders:
		for len(orders) < s.maxOrdersPerBatch {
			select {
			case o := <-s.newOrderCh:
				orders = append(orders, o)
			default:
				break drainNewOrders
			}
		}
	}

	if len(orders) == 0 {
		return nil
	}
	return &ActionBatch{Orders: orders}
}

// PurgeNewOrders drains the new-order queue entirely, without touching
// cancels or reduce-only, returning the (cloid, market) pairs so the
// caller can release pending-order bookkeeping. Used on hard-stop.
func (s *Scheduler) PurgeNewOrders() []PendingRelease {
	var released []PendingRelease
	for {
		select {
		case o := <-s.newOrderCh:
			released = append(released, PendingRelease{Cloid: o.Wire.Cloid, Market: o.Market})
		default:
			if s.logger != nil && len(released) > 0 {
				s.logger.Warn("purged new-order queue on hard-stop", zap.Int("count", len(released)))
			}
			return released
		}
	}
}

// QueueDepths reports current queue lengths, for dashboard/metrics.
func (s *Scheduler) QueueDepths() (cancel, reduceOnly, newOrder int) {
	return len(s.cancelCh), len(s.reduceOnlyCh), len(s.newOrderCh)
}

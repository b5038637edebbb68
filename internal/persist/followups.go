package persist

import (
	"time"

	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/types"
)

// followupDeltasMs are the capture points spec §6 names: T+1000, T+3000,
// T+5000 ms after the originating signal.
var followupDeltasMs = [3]int64{1000, 3000, 5000}

// followupRecord is one line of followups_YYYY-MM-DD.jsonl.
type followupRecord struct {
	SignalID      string  `json:"signal_id"`
	MarketKey     string  `json:"market_key"`
	Side          string  `json:"side"`
	DeltaMs       int64   `json:"delta_ms"`
	T0OraclePx    float64 `json:"t0_oracle_px"`
	T0BestPx      float64 `json:"t0_best_px"`
	T0RawEdgeBps  float64 `json:"t0_raw_edge_bps"`
	T0NetEdgeBps  float64 `json:"t0_net_edge_bps"`
	OraclePx      float64 `json:"oracle_px"`
	BestPx        float64 `json:"best_px"`
	EdgeBps       float64 `json:"edge_bps"`
	OraclePxDelta float64 `json:"oracle_px_delta"`
	BestPxDelta   float64 `json:"best_px_delta"`
	EdgeBpsDelta  float64 `json:"edge_bps_delta"`
	TimestampMs   int64   `json:"timestamp_ms"`
}

// SnapshotSource is the subset of *marketcache.Cache the scheduler needs,
// so tests can substitute a fake instead of a live cache.
type SnapshotSource interface {
	Snapshot(key types.MarketKey) (types.MarketSnapshot, bool)
}

// FollowupScheduler fires three delayed captures per signal. It owns no
// goroutine of its own between captures: each capture is a time.AfterFunc
// callback, so cost is proportional to signals actually fired, not to
// elapsed time.
type FollowupScheduler struct {
	w      *dailyWriter
	cache  SnapshotSource
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewFollowupScheduler opens the follow-up log under the same
// <data_dir>/<env>/signals/ directory the signal log uses.
func NewFollowupScheduler(cfg config.StoreConfig, cache SnapshotSource, logger *zap.Logger) (*FollowupScheduler, error) {
	w, err := newDailyWriter(cfg, "followups")
	if err != nil {
		return nil, err
	}
	return &FollowupScheduler{w: w, cache: cache, logger: logger, nowFn: time.Now}, nil
}

// Schedule arms the three delayed captures for one signal.
func (f *FollowupScheduler) Schedule(sig types.Signal) {
	for _, delta := range followupDeltasMs {
		d := delta
		time.AfterFunc(time.Duration(d)*time.Millisecond, func() { f.capture(sig, d) })
	}
}

func (f *FollowupScheduler) capture(sig types.Signal, deltaMs int64) {
	snap, ok := f.cache.Snapshot(sig.Market)
	if !ok {
		if f.logger != nil {
			f.logger.Warn("followup capture skipped: no snapshot", zap.String("signal_id", sig.SignalID))
		}
		return
	}

	oracle := snap.Ctx.OraclePx.InexactFloat64()
	var best float64
	if sig.Side == types.BUY {
		if snap.Bbo.Ask != nil {
			best = snap.Bbo.Ask.Price.InexactFloat64()
		}
	} else if snap.Bbo.Bid != nil {
		best = snap.Bbo.Bid.Price.InexactFloat64()
	}

	var edgeBps float64
	if oracle != 0 {
		if sig.Side == types.BUY {
			edgeBps = (oracle - best) / oracle * 10000
		} else {
			edgeBps = (best - oracle) / oracle * 10000
		}
	}

	t0Oracle := sig.OraclePrice.InexactFloat64()
	t0Best := sig.BestPrice.InexactFloat64()

	rec := followupRecord{
		SignalID:      sig.SignalID,
		MarketKey:     sig.Market.String(),
		Side:          string(sig.Side),
		DeltaMs:       deltaMs,
		T0OraclePx:    t0Oracle,
		T0BestPx:      t0Best,
		T0RawEdgeBps:  sig.RawEdgeBps,
		T0NetEdgeBps:  sig.NetEdgeBps,
		OraclePx:      oracle,
		BestPx:        best,
		EdgeBps:       edgeBps,
		OraclePxDelta: oracle - t0Oracle,
		BestPxDelta:   best - t0Best,
		EdgeBpsDelta:  edgeBps - sig.RawEdgeBps,
		TimestampMs:   f.nowFn().UnixMilli(),
	}

	if err := f.w.writeLine(rec, f.nowFn()); err != nil && f.logger != nil {
		f.logger.Error("followup write failed", zap.String("signal_id", sig.SignalID), zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (f *FollowupScheduler) Close() error { return f.w.Close() }

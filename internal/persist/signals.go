package persist

import (
	"time"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/types"
)

// signalRecord is one line of signals_YYYY-MM-DD.jsonl, per spec §6.
type signalRecord struct {
	TimestampMs   int64   `json:"timestamp_ms"`
	MarketKey     string  `json:"market_key"`
	Side          string  `json:"side"`
	RawEdgeBps    float64 `json:"raw_edge_bps"`
	NetEdgeBps    float64 `json:"net_edge_bps"`
	OraclePx      float64 `json:"oracle_px"`
	BestPx        float64 `json:"best_px"`
	BestSize      float64 `json:"best_size"`
	SuggestedSize float64 `json:"suggested_size"`
	SignalID      string  `json:"signal_id"`
}

// SignalWriter appends one record per detector signal.
type SignalWriter struct {
	w *dailyWriter
}

// NewSignalWriter opens the signal log under <data_dir>/<env>/signals/.
func NewSignalWriter(cfg config.StoreConfig) (*SignalWriter, error) {
	w, err := newDailyWriter(cfg, "signals")
	if err != nil {
		return nil, err
	}
	return &SignalWriter{w: w}, nil
}

// Write appends one signal record, stamped with the signal's T0Ms, to
// the file for now's UTC day.
func (s *SignalWriter) Write(sig types.Signal, now time.Time) error {
	rec := signalRecord{
		TimestampMs:   sig.T0Ms,
		MarketKey:     sig.Market.String(),
		Side:          string(sig.Side),
		RawEdgeBps:    sig.RawEdgeBps,
		NetEdgeBps:    sig.NetEdgeBps,
		OraclePx:      sig.OraclePrice.InexactFloat64(),
		BestPx:        sig.BestPrice.InexactFloat64(),
		BestSize:      sig.BestSize.InexactFloat64(),
		SuggestedSize: sig.SuggestedSize.InexactFloat64(),
		SignalID:      sig.SignalID,
	}
	return s.w.writeLine(rec, now)
}

// Close flushes and closes the underlying file.
func (s *SignalWriter) Close() error { return s.w.Close() }

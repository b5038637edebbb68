package dashboard

import (
	"time"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/types"
)

// EventType discriminates the payload carried in Data.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventFill     EventType = "fill"
	EventOrder    EventType = "order"
	EventSignal   EventType = "signal"
	EventKill     EventType = "kill"
)

// Event is the wrapper every message broadcast to dashboard clients shares.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	MarketKey string    `json:"market_key,omitempty"`
	Data      any       `json:"data"`
}

// FillEvent reports one execution.
type FillEvent struct {
	Cloid  string  `json:"cloid"`
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	TimeMs int64   `json:"time_ms"`
}

// NewFillEvent wraps a fill for broadcast.
func NewFillEvent(f types.Fill) Event {
	return Event{
		Type:      EventFill,
		Timestamp: time.Now(),
		MarketKey: f.Market.String(),
		Data: FillEvent{
			Cloid:  f.Cloid,
			Side:   string(f.Side),
			Price:  f.Price.InexactFloat64(),
			Size:   f.Size.InexactFloat64(),
			TimeMs: f.TimeMs,
		},
	}
}

// OrderEvent reports an order lifecycle transition.
type OrderEvent struct {
	Cloid      string  `json:"cloid"`
	Status     string  `json:"status"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	ReduceOnly bool    `json:"reduce_only"`
}

// NewOrderEvent wraps a tracked order for broadcast.
func NewOrderEvent(o types.TrackedOrder) Event {
	return Event{
		Type:      EventOrder,
		Timestamp: time.Now(),
		MarketKey: o.Market.String(),
		Data: OrderEvent{
			Cloid:      o.Cloid,
			Status:     string(o.Status),
			Side:       string(o.Side),
			Price:      o.Price.InexactFloat64(),
			Size:       o.OriginalSize.InexactFloat64(),
			ReduceOnly: o.ReduceOnly,
		},
	}
}

// SignalEvent reports one detector signal, whether or not the executor
// ultimately admitted it.
type SignalEvent struct {
	SignalID   string  `json:"signal_id"`
	Side       string  `json:"side"`
	RawEdgeBps float64 `json:"raw_edge_bps"`
	NetEdgeBps float64 `json:"net_edge_bps"`
	Confidence float64 `json:"confidence"`
	Intensity  string  `json:"intensity"`
}

// NewSignalEvent wraps a detector signal for broadcast.
func NewSignalEvent(s types.Signal) Event {
	return Event{
		Type:      EventSignal,
		Timestamp: time.Now(),
		MarketKey: s.Market.String(),
		Data: SignalEvent{
			SignalID:   s.SignalID,
			Side:       string(s.Side),
			RawEdgeBps: s.RawEdgeBps,
			NetEdgeBps: s.NetEdgeBps,
			Confidence: s.Confidence,
			Intensity:  string(s.Intensity),
		},
	}
}

// KillEvent reports a hard-stop trip.
type KillEvent struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NewKillEvent wraps a hard-stop trip reason for broadcast.
func NewKillEvent(reason string) Event {
	return Event{
		Type:      EventKill,
		Timestamp: time.Now(),
		Data:      KillEvent{Reason: reason, At: time.Now()},
	}
}

// PositionStatus is the per-market position view in a Snapshot.
type PositionStatus struct {
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// MarketStatus is the per-market view assembled into a Snapshot.
type MarketStatus struct {
	MarketKey   string         `json:"market_key"`
	Coin        string         `json:"coin"`
	Phase       string         `json:"phase"`
	MidPrice    float64        `json:"mid_price"`
	BestBid     float64        `json:"best_bid"`
	BestAsk     float64        `json:"best_ask"`
	SpreadBps   float64        `json:"spread_bps"`
	OraclePx    float64        `json:"oracle_px"`
	MarkPx      float64        `json:"mark_px"`
	Position    PositionStatus `json:"position"`
	LastUpdated time.Time      `json:"last_updated"`
}

// RiskStatus mirrors riskmonitor.Snapshot plus the hard-stop latch state,
// which the monitor itself does not own a read path for.
type RiskStatus struct {
	HardStopActive        bool    `json:"hard_stop_active"`
	CumulativeRealizedPnL float64 `json:"cumulative_realized_pnl"`
	ConsecutiveLosses     int     `json:"consecutive_losses"`
	FlattenFailures       int     `json:"flatten_failures"`
	RecentRejectionRate   float64 `json:"recent_rejection_rate"`
	SlippageAverageBps    float64 `json:"slippage_average_bps"`
}

// ConfigSummary is the read-only subset of config surfaced to operators.
type ConfigSummary struct {
	Mode                 string   `json:"mode"`
	Coins                []string `json:"coins"`
	MinEdgeBps           int64    `json:"min_edge_bps"`
	MaxPositionPerMarket float64  `json:"max_position_per_market"`
	MaxPositionTotal     float64  `json:"max_position_total"`
}

// NewConfigSummary extracts the dashboard-visible fields from Config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	coins := make([]string, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		coins = append(coins, m.Coin)
	}
	return ConfigSummary{
		Mode:                 string(cfg.Mode),
		Coins:                coins,
		MinEdgeBps:           cfg.Detector.MinEdgeBps,
		MaxPositionPerMarket: cfg.Risk.MaxPositionPerMarket,
		MaxPositionTotal:     cfg.Risk.MaxPositionTotal,
	}
}

// Snapshot is the complete dashboard state served over /api/snapshot and
// as the first message on every new WebSocket connection.
type Snapshot struct {
	Timestamp       time.Time      `json:"timestamp"`
	Markets         []MarketStatus `json:"markets"`
	TotalUnrealized float64        `json:"total_unrealized"`
	Risk            RiskStatus     `json:"risk"`
	Config          ConfigSummary  `json:"config"`
}

// Provider is the subset of *orchestrator.Orchestrator the dashboard
// needs, so tests can substitute a fake instead of a live orchestrator.
type Provider interface {
	MarketsSnapshot() []MarketStatus
	RiskSnapshot() RiskStatus
	Events() <-chan Event
}

// BuildSnapshot aggregates current state from provider into a Snapshot.
func BuildSnapshot(provider Provider, cfg config.Config) Snapshot {
	markets := provider.MarketsSnapshot()
	var totalUnrealized float64
	for _, m := range markets {
		totalUnrealized += m.Position.UnrealizedPnl
	}
	return Snapshot{
		Timestamp:       time.Now(),
		Markets:         markets,
		TotalUnrealized: totalUnrealized,
		Risk:            provider.RiskSnapshot(),
		Config:          NewConfigSummary(cfg),
	}
}

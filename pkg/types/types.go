// Package types defines shared data structures used across all packages.
//
// This is the common vocabulary for the taker — market identifiers, order
// and signal shapes, and position/order lifecycle state. It has no
// dependencies on internal packages so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"hip3-taker/pkg/dec"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side, used when building a flattening order.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Tif enumerates the order time-in-force the signer/executor may submit.
type Tif string

const (
	TifIOC Tif = "Ioc"
	TifGTC Tif = "Gtc"
	TifALO Tif = "Alo"
)

// OrderStatus is the lifecycle state of a TrackedOrder. Filled, Canceled
// and Rejected are terminal; no further transitions are valid from them.
type OrderStatus string

const (
	StatusPending       OrderStatus = "Pending"
	StatusOpen          OrderStatus = "Open"
	StatusPartialFilled OrderStatus = "PartialFilled"
	StatusFilled        OrderStatus = "Filled"
	StatusCanceled      OrderStatus = "Canceled"
	StatusRejected      OrderStatus = "Rejected"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// ReadyPhase is the per-market subscription readiness state machine.
type ReadyPhase int

const (
	NotReady ReadyPhase = iota
	ReadyMD
	ReadyTrading
)

func (p ReadyPhase) String() string {
	switch p {
	case NotReady:
		return "NotReady"
	case ReadyMD:
		return "ReadyMD"
	case ReadyTrading:
		return "ReadyTrading"
	default:
		return "Unknown"
	}
}

// BboState classifies how complete the top-of-book is.
type BboState int

const (
	BboNull BboState = iota
	BboPartial
	BboBoth
)

// ————————————————————————————————————————————————————————————————————————
// Market identity
// ————————————————————————————————————————————————————————————————————————

// MarketKey uniquely identifies a market by its perp-dex and wire asset id.
// On HIP-3 the wire asset id is 100000 + perp_dex_id*10000 + index_in_meta;
// index_in_meta must be read from meta(dex=<name>), not perpDexs, because
// the orderings differ between the two endpoints.
type MarketKey struct {
	DexID   int
	AssetID int
}

func (k MarketKey) String() string {
	return fmt.Sprintf("dex%d/asset%d", k.DexID, k.AssetID)
}

// WireAssetID computes the HIP-3 wire asset id from a perp-dex id and the
// asset's index in the meta(dex=<name>) universe array.
func WireAssetID(perpDexID, indexInMeta int) int {
	return 100000 + perpDexID*10000 + indexInMeta
}

// MarketSpec is the static, per-market configuration and exchange metadata.
type MarketSpec struct {
	Key             MarketKey
	Coin            string // e.g. "BTC"
	IndexInMeta     int
	SzDecimals      int
	MaxLeverage     int
	Isolated        bool
	Tick            dec.Price
	Lot             dec.Size // derived: 10^-SzDecimals
	ThresholdBpsOvr *int64   // per-market edge-threshold override, nil = use global
	MaxNotionalOvr  *float64 // per-market max-notional override, nil = use global
	SpecHash        string   // hash of the mutable fields above, for ParamChange detection
}

// ————————————————————————————————————————————————————————————————————————
// Market state
// ————————————————————————————————————————————————————————————————————————

// BookSide is one side of the best bid/ask.
type BookSide struct {
	Price      dec.Price
	Size       dec.Size
	OrderCount int
}

// Bbo is the best bid and best ask, with dual receive-time tracking.
type Bbo struct {
	Bid          *BookSide
	Ask          *BookSide
	ServerTimeMs int64
	RecvMono     time.Time
}

// State classifies completeness of this Bbo.
func (b Bbo) State() BboState {
	switch {
	case b.Bid == nil && b.Ask == nil:
		return BboNull
	case b.Bid == nil || b.Ask == nil:
		return BboPartial
	default:
		return BboBoth
	}
}

// Mid returns the midpoint price. Callers must check State() == BboBoth first.
func (b Bbo) Mid() dec.Price {
	sum := b.Bid.Price.Add(b.Ask.Price.Decimal)
	two := dec.PriceFromFloat(2)
	return dec.Price{Decimal: sum.Div(two.Decimal)}
}

// AssetCtx holds per-asset context published on a coarser cadence than Bbo:
// oracle price, mark price, funding, open interest, day volume.
type AssetCtx struct {
	OraclePx     dec.Price
	MarkPx       dec.Price
	Funding      dec.Price
	OpenInterest dec.Size
	DayNtlVlm    dec.Size
	ServerTimeMs int64
	RecvMono     time.Time
}

// MarketSnapshot is the compact view returned by the market-state cache.
type MarketSnapshot struct {
	Key           MarketKey
	Bbo           Bbo
	Ctx           AssetCtx
	BboRecvMono   time.Time
	CtxRecvMono   time.Time
	BboServerTime int64
	CtxServerTime int64
}

// ————————————————————————————————————————————————————————————————————————
// Signals and orders
// ————————————————————————————————————————————————————————————————————————

// SignalIntensity buckets the edge-minus-cost margin for downstream analytics.
type SignalIntensity string

const (
	IntensityWeak   SignalIntensity = "weak"
	IntensityMedium SignalIntensity = "medium"
	IntensityStrong SignalIntensity = "strong"
)

// Signal is a detector output: a candidate trade with sizing and confidence.
type Signal struct {
	Market        MarketKey
	Side          Side
	OraclePrice   dec.Price
	BestPrice     dec.Price
	BestSize      dec.Size
	RawEdgeBps    float64
	NetEdgeBps    float64
	SuggestedSize dec.Size
	Confidence    float64
	Intensity     SignalIntensity
	SignalID      string
	T0Ms          int64
}

// PendingOrder is a client-side order awaiting a fill or cancel response.
// cloid is generated once and never regenerated on retry.
type PendingOrder struct {
	Cloid      string
	Market     MarketKey
	Side       Side
	Price      dec.Price
	Size       dec.Size
	ReduceOnly bool
	Tif        Tif
	CreatedAt  time.Time
}

// TrackedOrder is the position tracker's view of an order's lifecycle.
type TrackedOrder struct {
	Cloid        string
	ExchangeOID  *int64
	Market       MarketKey
	Side         Side
	OriginalSize dec.Size
	FilledSize   dec.Size
	Price        dec.Price
	ReduceOnly   bool
	Status       OrderStatus
	CreatedAtMs  int64
}

// Position is an open (or just-closed) holding in one market. Zero size
// is "flat". EntryTimestampMs is taken from the earliest fill so that
// position age survives a process restart.
type Position struct {
	Market              MarketKey
	Side                Side
	Size                dec.Size
	EntryPrice          dec.Price
	EntryTimestampMs    int64
	LastFillTimestampMs int64
	UnrealisedPnl       dec.Price
}

// IsFlat reports whether the position has zero size.
func (p Position) IsFlat() bool { return p.Size.IsZero() }

// Fill is a single execution report from the userFills stream; the
// position tracker deduplicates fills by Cloid.
type Fill struct {
	Cloid      string
	Market     MarketKey
	Side       Side
	Price      dec.Price
	Size       dec.Size
	TimeMs     int64
	IsSnapshot bool
}

package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

// OrderUpdateEvent is the parser's typed view of one orderUpdates element.
type OrderUpdateEvent struct {
	Market       types.MarketKey
	Cloid        string
	ExchangeOID  int64
	Side         types.Side
	Status       types.OrderStatus
	Price        dec.Price
	OriginalSize dec.Size
	IsSnapshot   bool
}

// FillEvent is the parser's typed view of one userFills element.
type FillEvent struct {
	Fill   types.Fill
	Market types.MarketKey
}

// PostResponseEvent correlates an inbound "post" channel frame back to
// the post-id the executor assigned when it sent the action.
type PostResponseEvent struct {
	PostID uint64
	Ok     bool
	Err    error
}

// wsEnvelope is the outer shape every Hyperliquid-style channel frame shares.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type levelWire struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type bboDataWire struct {
	Coin string      `json:"coin"`
	Time int64       `json:"time"`
	Bbo  []levelWire `json:"bbo"`
}

type assetCtxWire struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	OraclePx     string `json:"oraclePx"`
	MarkPx       string `json:"markPx"`
	DayNtlVlm    string `json:"dayNtlVlm"`
}

type activeAssetCtxDataWire struct {
	Coin string       `json:"coin"`
	Time int64        `json:"time"`
	Ctx  assetCtxWire `json:"ctx"`
}

type orderWire struct {
	Coin  string `json:"coin"`
	Side  string `json:"side"` // "B" or "A"
	LimitPx string `json:"limitPx"`
	Sz    string `json:"sz"`
	OID   int64  `json:"oid"`
	Cloid string `json:"cloid"`
}

type orderUpdateElemWire struct {
	Order           orderWire `json:"order"`
	Status          string    `json:"status"`
	StatusTimestamp int64     `json:"statusTimestamp"`
}

type fillWire struct {
	Coin  string `json:"coin"`
	Side  string `json:"side"`
	Px    string `json:"px"`
	Sz    string `json:"sz"`
	Time  int64  `json:"time"`
	Cloid string `json:"cloid"`
	Oid   int64  `json:"oid"`
}

type userFillsDataWire struct {
	IsSnapshot bool       `json:"isSnapshot"`
	Fills      []fillWire `json:"fills"`
}

type postResponseDataWire struct {
	ID       uint64 `json:"id"`
	Response struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"response"`
}

// Parser decodes channel frames into typed events, rejecting spot markets
// and tracking per-element decode failures without discarding a whole batch.
type Parser struct {
	subs      *SubscriptionManager
	coinIndex map[string]types.MarketKey

	rejectedSpot        atomic.Int64
	orderUpdateFailures atomic.Int64

	logger *zap.Logger

	onBbo          func(types.MarketKey, types.Bbo)
	onAssetCtx     func(types.MarketKey, types.AssetCtx)
	onOrderUpdate  func(OrderUpdateEvent)
	onFill         func(FillEvent)
	onPostResponse func(PostResponseEvent)
}

// NewParser builds a parser keyed on the set of configured perp markets.
// Any coin not present in specs is treated as a rejected/unsupported
// market (in practice: a spot pair) rather than a fatal error.
func NewParser(specs []types.MarketSpec, subs *SubscriptionManager, logger *zap.Logger) *Parser {
	idx := make(map[string]types.MarketKey, len(specs))
	for _, spec := range specs {
		idx[spec.Coin] = spec.Key
	}
	return &Parser{subs: subs, coinIndex: idx, logger: logger}
}

// OnBbo, OnAssetCtx, OnOrderUpdate, OnFill and OnPostResponse register the
// sinks the parser delivers decoded events to. Call before Parse starts
// running.
func (p *Parser) OnBbo(f func(types.MarketKey, types.Bbo))           { p.onBbo = f }
func (p *Parser) OnAssetCtx(f func(types.MarketKey, types.AssetCtx)) { p.onAssetCtx = f }
func (p *Parser) OnOrderUpdate(f func(OrderUpdateEvent))             { p.onOrderUpdate = f }
func (p *Parser) OnFill(f func(FillEvent))                           { p.onFill = f }
func (p *Parser) OnPostResponse(f func(PostResponseEvent))           { p.onPostResponse = f }

// RejectedSpotCount returns the number of frames rejected for referring to
// a coin outside the configured perp universe.
func (p *Parser) RejectedSpotCount() int64 { return p.rejectedSpot.Load() }

// OrderUpdateFailureCount returns the number of individual orderUpdates
// elements that failed to decode (the surrounding batch is still applied).
func (p *Parser) OrderUpdateFailureCount() int64 { return p.orderUpdateFailures.Load() }

// Parse dispatches one inbound frame. subscriptionResponse frames must
// already have been filtered out by the caller via IsSubscriptionResponse.
func (p *Parser) Parse(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if p.logger != nil {
			p.logger.Debug("ignoring non-envelope ws frame", zap.Error(err))
		}
		return
	}

	switch {
	case env.Channel == "bbo":
		p.parseBbo(env.Data)
	case env.Channel == "activeAssetCtx":
		p.parseAssetCtx(env.Data)
	case env.Channel == "orderUpdates" || p.subs.matchesOrderUpdatesChannel(env.Channel):
		p.parseOrderUpdates(env.Data)
	case env.Channel == "userFills":
		p.parseUserFills(env.Data)
	case env.Channel == "post":
		p.parsePostResponse(env.Data)
	default:
		if p.logger != nil {
			p.logger.Debug("unknown channel, ignoring", zap.String("channel", env.Channel))
		}
	}
}

func (p *Parser) resolveMarket(coin string) (types.MarketKey, bool) {
	key, ok := p.coinIndex[coin]
	if !ok {
		p.rejectedSpot.Add(1)
		if p.logger != nil {
			p.logger.Warn("rejected frame for market outside configured perp universe", zap.String("coin", coin))
		}
	}
	return key, ok
}

func (p *Parser) parseBbo(raw json.RawMessage) {
	var w bboDataWire
	if err := json.Unmarshal(raw, &w); err != nil {
		if p.logger != nil {
			p.logger.Error("decode bbo frame", zap.Error(err))
		}
		return
	}
	key, ok := p.resolveMarket(w.Coin)
	if !ok {
		return
	}

	bbo := types.Bbo{ServerTimeMs: w.Time}
	if len(w.Bbo) > 0 && w.Bbo[0].Px != "" {
		side, err := decodeBookSide(w.Bbo[0])
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("decode bbo bid level", zap.Error(err))
			}
		} else {
			bbo.Bid = side
		}
	}
	if len(w.Bbo) > 1 && w.Bbo[1].Px != "" {
		side, err := decodeBookSide(w.Bbo[1])
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("decode bbo ask level", zap.Error(err))
			}
		} else {
			bbo.Ask = side
		}
	}

	if p.subs != nil {
		p.subs.OnBbo(key)
	}
	if p.onBbo != nil {
		p.onBbo(key, bbo)
	}
}

func decodeBookSide(l levelWire) (*types.BookSide, error) {
	px, err := dec.NewPrice(l.Px)
	if err != nil {
		return nil, err
	}
	sz, err := dec.NewSize(l.Sz)
	if err != nil {
		return nil, err
	}
	return &types.BookSide{Price: px, Size: sz, OrderCount: l.N}, nil
}

func (p *Parser) parseAssetCtx(raw json.RawMessage) {
	var w activeAssetCtxDataWire
	if err := json.Unmarshal(raw, &w); err != nil {
		if p.logger != nil {
			p.logger.Error("decode activeAssetCtx frame", zap.Error(err))
		}
		return
	}
	key, ok := p.resolveMarket(w.Coin)
	if !ok {
		return
	}

	oraclePx, err := dec.NewPrice(w.Ctx.OraclePx)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("decode activeAssetCtx oraclePx", zap.Error(err))
		}
		return
	}
	markPx, err := dec.NewPrice(w.Ctx.MarkPx)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("decode activeAssetCtx markPx", zap.Error(err))
		}
		return
	}
	openInterest, err := dec.NewSize(w.Ctx.OpenInterest)
	if err != nil {
		openInterest = dec.SizeFromFloat(0)
	}
	dayNtlVlm, err := dec.NewSize(w.Ctx.DayNtlVlm)
	if err != nil {
		dayNtlVlm = dec.SizeFromFloat(0)
	}

	ctx := types.AssetCtx{
		OraclePx:     oraclePx,
		MarkPx:       markPx,
		Funding:      dec.PriceFromFloat(parseFloatOrZero(w.Ctx.Funding)),
		OpenInterest: openInterest,
		DayNtlVlm:    dayNtlVlm,
		ServerTimeMs: w.Time,
	}

	if p.subs != nil {
		p.subs.OnAssetCtx(key)
	}
	if p.onAssetCtx != nil {
		p.onAssetCtx(key, ctx)
	}
}

// parseOrderUpdates handles both the array shape and the legacy single-
// object shape, decoding element-wise so one bad element does not
// discard the rest of the batch.
func (p *Parser) parseOrderUpdates(raw json.RawMessage) {
	var elems []orderUpdateElemWire
	if err := json.Unmarshal(raw, &elems); err != nil {
		var single orderUpdateElemWire
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			p.orderUpdateFailures.Add(1)
			if p.logger != nil {
				p.logger.Error("decode orderUpdates frame", zap.Error(err))
			}
			return
		}
		elems = []orderUpdateElemWire{single}
	}

	for _, elem := range elems {
		evt, err := p.decodeOrderUpdateElem(elem)
		if err != nil {
			p.orderUpdateFailures.Add(1)
			if p.logger != nil {
				p.logger.Warn("skipping malformed orderUpdates element", zap.Error(err))
			}
			continue
		}
		if p.onOrderUpdate != nil {
			p.onOrderUpdate(evt)
		}
	}
}

func (p *Parser) decodeOrderUpdateElem(elem orderUpdateElemWire) (OrderUpdateEvent, error) {
	key, ok := p.resolveMarket(elem.Order.Coin)
	if !ok {
		return OrderUpdateEvent{}, fmt.Errorf("order for unresolved coin %q", elem.Order.Coin)
	}
	side := types.BUY
	if elem.Order.Side == "A" {
		side = types.SELL
	}
	price, err := dec.NewPrice(elem.Order.LimitPx)
	if err != nil {
		return OrderUpdateEvent{}, fmt.Errorf("order limitPx: %w", err)
	}
	size, err := dec.NewSize(elem.Order.Sz)
	if err != nil {
		return OrderUpdateEvent{}, fmt.Errorf("order sz: %w", err)
	}
	return OrderUpdateEvent{
		Market:       key,
		Cloid:        elem.Order.Cloid,
		ExchangeOID:  elem.Order.OID,
		Side:         side,
		Status:       orderStatusFromWire(elem.Status),
		Price:        price,
		OriginalSize: size,
	}, nil
}

func orderStatusFromWire(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "open":
		return types.StatusOpen
	case "filled":
		return types.StatusFilled
	case "canceled", "cancelled":
		return types.StatusCanceled
	case "rejected":
		return types.StatusRejected
	case "partialfilled", "partially_filled":
		return types.StatusPartialFilled
	default:
		return types.StatusPending
	}
}

func (p *Parser) parseUserFills(raw json.RawMessage) {
	var w userFillsDataWire
	if err := json.Unmarshal(raw, &w); err != nil {
		if p.logger != nil {
			p.logger.Error("decode userFills frame", zap.Error(err))
		}
		return
	}

	for _, f := range w.Fills {
		key, ok := p.resolveMarket(f.Coin)
		if !ok {
			continue
		}
		side := types.BUY
		if f.Side == "A" {
			side = types.SELL
		}
		price, err := dec.NewPrice(f.Px)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("skipping malformed userFills element", zap.Error(err))
			}
			continue
		}
		size, err := dec.NewSize(f.Sz)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("skipping malformed userFills element", zap.Error(err))
			}
			continue
		}
		evt := FillEvent{
			Market: key,
			Fill: types.Fill{
				Cloid:      f.Cloid,
				Market:     key,
				Side:       side,
				Price:      price,
				Size:       size,
				TimeMs:     f.Time,
				IsSnapshot: w.IsSnapshot,
			},
		}
		if p.onFill != nil {
			p.onFill(evt)
		}
	}
}

// parsePostResponse decodes the exchange's acknowledgement for one posted
// action, correlating it back to the post-id the executor assigned when it
// sent the action over the write side of the same connection.
func (p *Parser) parsePostResponse(raw json.RawMessage) {
	var w postResponseDataWire
	if err := json.Unmarshal(raw, &w); err != nil {
		if p.logger != nil {
			p.logger.Error("decode post response frame", zap.Error(err))
		}
		return
	}

	evt := PostResponseEvent{PostID: w.ID}
	switch w.Response.Type {
	case "ok":
		evt.Ok = true
	case "error":
		var msg string
		if err := json.Unmarshal(w.Response.Payload, &msg); err != nil || msg == "" {
			msg = string(w.Response.Payload)
		}
		evt.Ok = false
		evt.Err = fmt.Errorf("exchange rejected post %d: %s", w.ID, msg)
	default:
		evt.Ok = false
		evt.Err = fmt.Errorf("post %d: unknown response type %q", w.ID, w.Response.Type)
	}

	if p.onPostResponse != nil {
		p.onPostResponse(evt)
	}
}

func parseFloatOrZero(s string) float64 {
	var f float64
	if s == "" {
		return 0
	}
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0
	}
	return f
}

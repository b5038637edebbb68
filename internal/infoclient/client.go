// Package infoclient is the REST client for Hyperliquid's info endpoint:
// perpDexs (the list of deployed perp-dexes), meta(dex=<name>) (the
// authoritative per-dex asset universe, including each asset's index —
// the piece WireAssetID needs), and clearinghouseState(user, dex) (account
// margin summary and open positions, dex-scoped). Grounded on the
// teacher's internal/exchange/client.go: a resty client with retry-on-5xx,
// plus a per-category token bucket Wait() before each request; repurposed
// from CLOB order endpoints to Hyperliquid's single POST /info endpoint
// discriminated by a "type" field in the request body.
package infoclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hip3-taker/internal/config"
	"hip3-taker/pkg/dec"
	"hip3-taker/pkg/types"
)

// PerpDexInfo is one entry of the perpDexs response.
type PerpDexInfo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

// AssetMeta is one entry of meta(dex=<name>)'s universe array. Index is
// this entry's position in the array — HIP-3's index_in_meta.
type AssetMeta struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
}

// MetaResponse is the meta(dex=<name>) response shape.
type MetaResponse struct {
	Universe []AssetMeta `json:"universe"`
}

// rawPosition is one assetPositions[].position entry of clearinghouseState.
type rawPosition struct {
	Coin          string `json:"coin"`
	Szi           string `json:"szi"` // signed size; negative = short
	EntryPx       string `json:"entryPx"`
	UnrealizedPnl string `json:"unrealizedPnl"`
}

type rawAssetPosition struct {
	Position rawPosition `json:"position"`
}

type marginSummary struct {
	AccountValue string `json:"accountValue"`
}

// ClearinghouseStateResponse is the clearinghouseState(user, dex) response.
type ClearinghouseStateResponse struct {
	AssetPositions []rawAssetPosition `json:"assetPositions"`
	MarginSummary  marginSummary      `json:"marginSummary"`
}

// Client is the HTTP client for the info endpoint.
type Client struct {
	http   *resty.Client
	rl     *tokenBucket
	logger *zap.Logger
}

// NewClient builds an info-endpoint client pointed at cfg.InfoBaseURL.
func NewClient(cfg config.APIConfig, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.InfoBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     newTokenBucket(20, 10), // info endpoint has generous but non-zero limits
		logger: logger,
	}
}

func (c *Client) post(ctx context.Context, body any, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		if c.logger != nil {
			c.logger.Error("info request failed", zap.Int("status", resp.StatusCode()))
		}
		return fmt.Errorf("info request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// PerpDexs lists every deployed HIP-3 perp-dex.
func (c *Client) PerpDexs(ctx context.Context) ([]PerpDexInfo, error) {
	var out []PerpDexInfo
	if err := c.post(ctx, map[string]string{"type": "perpDexs"}, &out); err != nil {
		return nil, fmt.Errorf("perpDexs: %w", err)
	}
	return out, nil
}

// Meta fetches the authoritative asset universe for one dex. Callers must
// use this, not PerpDexs, for index_in_meta — the two endpoints order
// assets differently.
func (c *Client) Meta(ctx context.Context, dex string) (MetaResponse, error) {
	var out MetaResponse
	if err := c.post(ctx, map[string]string{"type": "meta", "dex": dex}, &out); err != nil {
		return MetaResponse{}, fmt.Errorf("meta(dex=%s): %w", dex, err)
	}
	return out, nil
}

// ClearinghouseState fetches one user's margin summary and open positions
// on one dex. dex is mandatory: omitting it returns the user's L1-main
// positions instead, which would read as a spurious zero for HIP-3 markets.
func (c *Client) ClearinghouseState(ctx context.Context, user, dex string) (ClearinghouseStateResponse, error) {
	if dex == "" {
		return ClearinghouseStateResponse{}, fmt.Errorf("clearinghouseState: dex is required")
	}
	var out ClearinghouseStateResponse
	if err := c.post(ctx, map[string]string{"type": "clearinghouseState", "user": user, "dex": dex}, &out); err != nil {
		return ClearinghouseStateResponse{}, fmt.Errorf("clearinghouseState(dex=%s): %w", dex, err)
	}
	return out, nil
}

// BuildMarketSpecs resolves each configured market's index_in_meta against
// the dex's meta response and derives tick/lot from szDecimals, producing
// the MarketSpec set the rest of the bot keys off of.
func BuildMarketSpecs(dexID int, meta MetaResponse, markets []config.MarketConfig) ([]types.MarketSpec, error) {
	byCoin := make(map[string]int, len(meta.Universe)) // coin -> index_in_meta
	decimalsByCoin := make(map[string]int, len(meta.Universe))
	for i, a := range meta.Universe {
		byCoin[a.Name] = i
		decimalsByCoin[a.Name] = a.SzDecimals
	}

	specs := make([]types.MarketSpec, 0, len(markets))
	for _, mkt := range markets {
		idx, ok := byCoin[mkt.Coin]
		if !ok {
			return nil, fmt.Errorf("coin %q not found in meta(dex) universe", mkt.Coin)
		}
		szDecimals := decimalsByCoin[mkt.Coin]
		lot, err := dec.NewSize(fmt.Sprintf("%.*f", szDecimals, pow10Neg(szDecimals)))
		if err != nil {
			return nil, fmt.Errorf("coin %q: lot: %w", mkt.Coin, err)
		}
		tick, err := tickFromSzDecimals(szDecimals)
		if err != nil {
			return nil, fmt.Errorf("coin %q: %w", mkt.Coin, err)
		}
		key := types.MarketKey{DexID: dexID, AssetID: types.WireAssetID(dexID, idx)}
		specs = append(specs, types.MarketSpec{
			Key:             key,
			Coin:            mkt.Coin,
			IndexInMeta:     idx,
			SzDecimals:      szDecimals,
			Tick:            tick,
			Lot:             lot,
			ThresholdBpsOvr: mkt.ThresholdBps,
			MaxNotionalOvr:  mkt.MaxNotionalOvr,
		})
	}
	return specs, nil
}

// pow10Neg returns 10^-n as a float64, used to express one lot at n
// decimals of size precision (e.g. szDecimals=3 -> 0.001).
func pow10Neg(n int) float64 {
	f := 1.0
	for i := 0; i < n; i++ {
		f /= 10
	}
	return f
}

// tickFromSzDecimals mirrors Hyperliquid's perp tick-size rule: prices
// carry up to (6 - szDecimals) significant decimal places.
func tickFromSzDecimals(szDecimals int) (dec.Price, error) {
	decimals := 6 - szDecimals
	if decimals < 0 {
		decimals = 0
	}
	return dec.NewPrice(fmt.Sprintf("%.*f", decimals, pow10Neg(decimals)))
}

// ToPositions maps a clearinghouseState response into the tracker's
// reconciliation report shape, skipping flat (zero-size) entries.
func ToPositions(specByCoin map[string]types.MarketSpec, state ClearinghouseStateResponse, nowMs int64) ([]types.Position, error) {
	positions := make([]types.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		spec, ok := specByCoin[ap.Position.Coin]
		if !ok {
			continue // position on a market we don't track/trade
		}
		szi, err := dec.NewSize(ap.Position.Szi)
		if err != nil {
			return nil, fmt.Errorf("position %s: parse szi: %w", ap.Position.Coin, err)
		}
		if szi.IsZero() {
			continue
		}
		side := types.BUY
		size := szi
		if szi.Sign() < 0 {
			side = types.SELL
			size = dec.Size{Decimal: szi.Neg()}
		}
		entry, err := dec.NewPrice(ap.Position.EntryPx)
		if err != nil {
			return nil, fmt.Errorf("position %s: parse entryPx: %w", ap.Position.Coin, err)
		}
		unrl, err := dec.NewPrice(defaultZero(ap.Position.UnrealizedPnl))
		if err != nil {
			return nil, fmt.Errorf("position %s: parse unrealizedPnl: %w", ap.Position.Coin, err)
		}
		positions = append(positions, types.Position{
			Market:              spec.Key,
			Side:                side,
			Size:                size,
			EntryPrice:          entry,
			EntryTimestampMs:    nowMs,
			LastFillTimestampMs: nowMs,
			UnrealisedPnl:       unrl,
		})
	}
	return positions, nil
}

// AccountValueCents parses marginSummary.accountValue into integer cents,
// the unit position.Tracker's BalanceUpdate uses for lock-free atomic reads.
func AccountValueCents(state ClearinghouseStateResponse) (int64, error) {
	v, err := dec.NewPrice(defaultZero(state.MarginSummary.AccountValue))
	if err != nil {
		return 0, fmt.Errorf("parse accountValue: %w", err)
	}
	return v.Mul(decimal.NewFromInt(100)).IntPart(), nil
}

func defaultZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

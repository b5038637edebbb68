// Package marketcache is the shared concurrent map of per-market BBO and
// asset-context state, written only by the WS parser pipeline. Freshness
// is judged on a monotonic receive clock; wall-clock server times are
// retained only to detect regression (a clock jump or out-of-order
// delivery), never to compute age. Generalizes the teacher's single-market
// Book (RWMutex-guarded struct, IsStale/LastUpdated) to the dual
// BBO+assetCtx, dual-timestamp shape the detector and risk gates need.
package marketcache

import (
	"sync"
	"time"

	"hip3-taker/pkg/types"
)

type entry struct {
	bbo types.Bbo
	ctx types.AssetCtx

	bboRecvMono time.Time
	ctxRecvMono time.Time

	bboServerTimeMs int64
	ctxServerTimeMs int64

	bboRegressed bool
	ctxRegressed bool

	specHash string
}

// Cache is the shared market-state map. Safe for concurrent use; reads
// take the read lock and return consistent per-market copies.
type Cache struct {
	mu      sync.RWMutex
	entries map[types.MarketKey]*entry
}

func New() *Cache {
	return &Cache{entries: make(map[types.MarketKey]*entry)}
}

func (c *Cache) entryFor(key types.MarketKey) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// UpdateBbo records a new BBO for a market. A wall-clock server time
// strictly less than the previously seen one flags regression; the
// monotonic receive instant always advances regardless.
func (c *Cache) UpdateBbo(key types.MarketKey, bbo types.Bbo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if e.bboServerTimeMs != 0 && bbo.ServerTimeMs < e.bboServerTimeMs {
		e.bboRegressed = true
	} else {
		e.bboRegressed = false
	}
	e.bbo = bbo
	e.bboServerTimeMs = bbo.ServerTimeMs
	e.bboRecvMono = time.Now()
}

// UpdateAssetCtx records a new asset-context for a market, with the same
// regression-detection rule as UpdateBbo.
func (c *Cache) UpdateAssetCtx(key types.MarketKey, ctx types.AssetCtx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if e.ctxServerTimeMs != 0 && ctx.ServerTimeMs < e.ctxServerTimeMs {
		e.ctxRegressed = true
	} else {
		e.ctxRegressed = false
	}
	e.ctx = ctx
	e.ctxServerTimeMs = ctx.ServerTimeMs
	e.ctxRecvMono = time.Now()
}

// SetSpecHash records the current market-spec hash, for ParamChange
// detection by the risk-gate pipeline.
func (c *Cache) SetSpecHash(key types.MarketKey, hash string) {
	e := c.entryFor(key)
	c.mu.Lock()
	e.specHash = hash
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of a market's cached state. ok is
// false if the market has never been observed.
func (c *Cache) Snapshot(key types.MarketKey) (types.MarketSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return types.MarketSnapshot{}, false
	}
	return types.MarketSnapshot{
		Key:           key,
		Bbo:           e.bbo,
		Ctx:           e.ctx,
		BboRecvMono:   e.bboRecvMono,
		CtxRecvMono:   e.ctxRecvMono,
		BboServerTime: e.bboServerTimeMs,
		CtxServerTime: e.ctxServerTimeMs,
	}, true
}

// BboAge returns the time since the last BBO was received, measured on
// the monotonic clock only. ok is false if no BBO has ever been received.
func (c *Cache) BboAge(key types.MarketKey) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.bboRecvMono.IsZero() {
		return 0, false
	}
	return time.Since(e.bboRecvMono), true
}

// CtxAge returns the time since the last asset-context was received.
func (c *Cache) CtxAge(key types.MarketKey) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.ctxRecvMono.IsZero() {
		return 0, false
	}
	return time.Since(e.ctxRecvMono), true
}

// BboRegressed reports whether the most recent BBO update carried a
// server time earlier than a previously seen one.
func (c *Cache) BboRegressed(key types.MarketKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && e.bboRegressed
}

// CtxRegressed reports the same regression condition for asset-context updates.
func (c *Cache) CtxRegressed(key types.MarketKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && e.ctxRegressed
}

// SpecChanged reports whether hash differs from the last recorded
// spec hash for this market, and records hash as current either way.
func (c *Cache) SpecChanged(key types.MarketKey, hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	changed := e.specHash != "" && e.specHash != hash
	e.specHash = hash
	return changed
}

// Package nonce supplies the monotone, server-time-aligned 64-bit nonce
// the signer stamps onto every L1 action. It is lock-free: a single
// atomic.Int64 advanced by compare-and-swap, matching the CAS-bounded
// counter idiom used elsewhere in this codebase for the in-flight tracker.
package nonce

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts wall-clock time so tests can inject a deterministic
// source instead of time.Now.
type Clock interface {
	NowMs() int64
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) NowMs() int64 { return time.Now().UnixMilli() }

const (
	driftWarnMs  = 2000
	driftErrorMs = 5000
)

// Manager issues strictly increasing nonces aligned to approximate server
// time. next() returns max(lastIssued+1, approximateServerTimeMs).
type Manager struct {
	clock     Clock
	lastIssued atomic.Int64
	serverOffsetMs atomic.Int64 // serverTime - localTime, updated by Sync
	logger    *zap.Logger
}

// New creates a nonce manager, fast-forwarding the counter to current
// Unix time on startup (zero-origin nonces are forbidden).
func New(clock Clock, logger *zap.Logger) *Manager {
	m := &Manager{clock: clock, logger: logger}
	m.lastIssued.Store(clock.NowMs())
	return m
}

// Sync records the offset between exchange server time and local time.
// A drift beyond driftWarnMs logs a warning; beyond driftErrorMs logs an
// error; either way the offset is recorded and Next keeps issuing nonces
// from local time plus that offset.
func (m *Manager) Sync(serverTimeMs int64) {
	localMs := m.clock.NowMs()
	offset := serverTimeMs - localMs
	m.serverOffsetMs.Store(offset)

	abs := offset
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > driftErrorMs:
		m.logger.Error("nonce server time drift exceeds error threshold", zap.Int64("drift_ms", offset))
	case abs > driftWarnMs:
		m.logger.Warn("nonce server time drift exceeds warn threshold", zap.Int64("drift_ms", offset))
	}
}

// Next returns the next nonce to use, strictly greater than every
// previously issued nonce, via a CAS loop.
func (m *Manager) Next() int64 {
	approxServerMs := m.clock.NowMs() + m.serverOffsetMs.Load()
	for {
		last := m.lastIssued.Load()
		candidate := last + 1
		if approxServerMs > candidate {
			candidate = approxServerMs
		}
		if m.lastIssued.CompareAndSwap(last, candidate) {
			return candidate
		}
	}
}

// Package errs defines the sentinel error kinds shared across the taker's
// components, so call sites can classify a failure with errors.Is rather
// than string-matching, while still wrapping with fmt.Errorf("...: %w").
package errs

import "errors"

var (
	// ErrTransport covers network / TLS / websocket failures.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers malformed or unexpected wire frames.
	ErrProtocol = errors.New("protocol error")
	// ErrSpotRejected marks a spot-market frame; counted, never propagated.
	ErrSpotRejected = errors.New("spot market rejected")
	// ErrSigning covers key/address mismatch or encoding failure.
	ErrSigning = errors.New("signing error")
	// ErrGateBlocked is an expected, informational risk-gate rejection.
	ErrGateBlocked = errors.New("gate blocked")
	// ErrQueueFull is scheduler backpressure, recoverable.
	ErrQueueFull = errors.New("queue full")
	// ErrInflightFull is executor backpressure, recoverable.
	ErrInflightFull = errors.New("inflight full")
	// ErrRejectedByExchange is terminal for the affected action.
	ErrRejectedByExchange = errors.New("rejected by exchange")
	// ErrTimeout covers a post response that never arrived.
	ErrTimeout = errors.New("post response timeout")
	// ErrDrift flags nonce/server-time drift beyond tolerance.
	ErrDrift = errors.New("nonce time drift")
	// ErrReconcileMismatch flags an observed position divergence.
	ErrReconcileMismatch = errors.New("reconcile mismatch")
	// ErrHardStop rejects a new-order signal while the hard-stop latch is tripped.
	ErrHardStop = errors.New("hard stop active")
	// ErrNotReady rejects a signal on a market not yet ReadyTrading.
	ErrNotReady = errors.New("market not ready")
)

// Package ws implements the exchange WebSocket session: connection
// lifecycle with heartbeat and reconnect, a rate-limited multi-producer
// send path, the subscription-phase state machine, and the frame
// parser. Generalizes the predecessor codebase's single market/user
// WSFeed into one session that carries both market data and trading
// traffic, as the Hyperliquid-style exchange multiplexes both over a
// single socket.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hip3-taker/internal/errs"
)

const (
	pingInterval     = 45 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 5 * time.Second
	writeTimeout     = 10 * time.Second

	sendQueueCap = 1024

	// Message-per-minute ceiling and in-flight post ceiling: a safety net
	// separate from the executor's own in-flight tracker, which remains
	// authoritative for admission decisions.
	messagesPerMinute = 2000
	inflightPostCap   = 100
)

// PostRequest is a typed outbound post: an already-signed action ready
// to go over the wire, tagged with the client post-id used to
// correlate the async response.
type PostRequest struct {
	PostID  uint64
	Payload json.RawMessage
}

// postEnvelope is the exchange's post-request frame: method:"post" with
// a caller-chosen id the response is correlated against, wrapping the
// action/nonce/signature payload under request.payload.
type postEnvelope struct {
	Method  string          `json:"method"`
	ID      uint64          `json:"id"`
	Request postRequestBody `json:"request"`
}

type postRequestBody struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Session owns one WebSocket connection and its reconnect loop.
type Session struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	sendCh  chan []byte
	limiter *rate.Limiter

	ready     atomic.Bool // true once the session has ReadyTrading for at least one market
	connected atomic.Bool

	inflightPosts atomic.Int64

	logger *zap.Logger

	onFrame func(data []byte)
}

// New creates a Session. onFrame is invoked for every inbound text frame
// after subscriptionResponse frames have been filtered by the caller's
// SubscriptionManager wiring (the session itself does not interpret frames).
func New(url string, logger *zap.Logger, onFrame func(data []byte)) *Session {
	return &Session{
		url:     url,
		sendCh:  make(chan []byte, sendQueueCap),
		limiter: rate.NewLimiter(rate.Limit(messagesPerMinute)/60, messagesPerMinute/10),
		logger:  logger,
		onFrame: onFrame,
	}
}

// MarkReadyTrading flips the session-level readiness flag used by Post's
// synchronous rejection path. The orchestrator sets this once at least
// one market reaches ReadyTrading; Post still rejects per
// in-flight-post-cap regardless of this flag.
func (s *Session) MarkReadyTrading(ready bool) { s.ready.Store(ready) }

// Run connects and maintains the connection with exponential backoff,
// capped at a few seconds per spec. Blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context, onConnect func() error) error {
	backoff := 250 * time.Millisecond

	for {
		err := s.connectAndServe(ctx, onConnect)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.connected.Store(false)
		s.logger.Warn("ws session disconnected, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context, onConnect func() error) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext:   (&netDialer{}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", errs.ErrTransport, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.connected.Store(true)

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if onConnect != nil {
		if err := onConnect(); err != nil {
			return fmt.Errorf("resubscribe on connect: %w", err)
		}
	}

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	go s.sendLoop(sendCtx)

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", errs.ErrTransport, err)
		}
		if s.onFrame != nil {
			s.onFrame(msg)
		}
	}
}

// sendLoop drains the multi-producer outbound channel, rate-limited by
// a message-per-minute token bucket that acts as a safety net alongside
// the executor's own in-flight budget.
func (s *Session) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.sendCh:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.writeMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("ws send failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Send enqueues an arbitrary outbound frame (subscriptions, unauthenticated
// control messages). Non-blocking; returns an error if the queue is full.
func (s *Session) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", errs.ErrQueueFull)
	}
}

// Post sends a typed, already-signed post request. Returns a synchronous
// error, rather than buffering indefinitely, when not connected or when
// no market has yet reached ReadyTrading — matching the session's failure
// semantics for post requests under §4.1.
func (s *Session) Post(req PostRequest) error {
	if !s.connected.Load() {
		return fmt.Errorf("%w: post while disconnected", errs.ErrTransport)
	}
	if !s.ready.Load() {
		return fmt.Errorf("%w: post before ready-trading", errs.ErrNotReady)
	}
	if s.inflightPosts.Load() >= inflightPostCap {
		return fmt.Errorf("%w: session in-flight post cap reached", errs.ErrInflightFull)
	}

	envelope := postEnvelope{
		Method:  "post",
		ID:      req.PostID,
		Request: postRequestBody{Type: "action", Payload: req.Payload},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal post envelope: %w", err)
	}

	select {
	case s.sendCh <- data:
		s.inflightPosts.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: send queue full", errs.ErrQueueFull)
	}
}

// ReleasePost is called by the executor once a response or timeout
// is observed for a given post-id, freeing the session-level in-flight slot.
func (s *Session) ReleasePost() {
	for {
		cur := s.inflightPosts.Load()
		if cur <= 0 {
			return
		}
		if s.inflightPosts.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (s *Session) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("%w: not connected", errs.ErrTransport)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

// Close tears the connection down.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

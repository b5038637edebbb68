// Package posttracker correlates outbound WS post requests with their
// async responses via client post-ids. The "sent" flag is crucial:
// timeouts and disconnect cleanup only decrement the in-flight counter
// for entries with sent=true, preventing double-accounting when a post
// never made it onto the wire.
package posttracker

import (
	"sync"
	"time"

	"hip3-taker/internal/errs"
	"hip3-taker/internal/signer"
)

// Entry is the tracked state for one in-flight post request.
type Entry struct {
	PostID       uint64
	Action       signer.Action
	Nonce        int64
	SentAt       time.Time
	Sent         bool
	ResponseCh   chan Response
}

// Response is delivered to the waiter on on_response, or synthesized by
// the tracker itself on timeout/disconnect.
type Response struct {
	PostID  uint64
	OK      bool
	Err     error
}

// Tracker is a concurrent map from post-id to Entry.
type Tracker struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	timeout time.Duration
}

// New creates a post tracker with the given response timeout.
func New(timeout time.Duration) *Tracker {
	return &Tracker{
		entries: make(map[uint64]*Entry),
		timeout: timeout,
	}
}

// Register creates an entry with sent=false, before the WS write is attempted.
func (t *Tracker) Register(postID uint64, action signer.Action, nonce int64) *Entry {
	e := &Entry{
		PostID:     postID,
		Action:     action,
		Nonce:      nonce,
		SentAt:     time.Now(),
		Sent:       false,
		ResponseCh: make(chan Response, 1),
	}
	t.mu.Lock()
	t.entries[postID] = e
	t.mu.Unlock()
	return e
}

// MarkSent flips the entry to sent=true after the WS write returns
// successfully. Only sent entries count against the in-flight budget.
func (t *Tracker) MarkSent(postID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[postID]; ok {
		e.Sent = true
		e.SentAt = time.Now()
	}
}

// OnResponse removes the entry and signals the waiter. Returns false if no
// matching entry was found (late/duplicate/unknown response).
func (t *Tracker) OnResponse(postID uint64, ok bool, err error) bool {
	t.mu.Lock()
	e, found := t.entries[postID]
	if found {
		delete(t.entries, postID)
	}
	t.mu.Unlock()
	if !found {
		return false
	}
	select {
	case e.ResponseCh <- Response{PostID: postID, OK: ok, Err: err}:
	default:
	}
	return true
}

// SweepTimeouts removes entries older than the configured timeout and
// returns the ones that had already been sent — only those should
// decrement the in-flight counter, per the sent-flag invariant.
func (t *Tracker) SweepTimeouts() []*Entry {
	cutoff := time.Now().Add(-t.timeout)
	var sentTimedOut []*Entry

	t.mu.Lock()
	for id, e := range t.entries {
		if e.SentAt.Before(cutoff) {
			delete(t.entries, id)
			if e.Sent {
				sentTimedOut = append(sentTimedOut, e)
			}
		}
	}
	t.mu.Unlock()

	for _, e := range sentTimedOut {
		select {
		case e.ResponseCh <- Response{PostID: e.PostID, OK: false, Err: errs.ErrTimeout}:
		default:
		}
	}
	return sentTimedOut
}

// DrainOnDisconnect removes every entry and signals Disconnected on each,
// returning the ones that had been sent (for in-flight accounting).
func (t *Tracker) DrainOnDisconnect() []*Entry {
	t.mu.Lock()
	all := make([]*Entry, 0, len(t.entries))
	for id, e := range t.entries {
		all = append(all, e)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	var sent []*Entry
	for _, e := range all {
		select {
		case e.ResponseCh <- Response{PostID: e.PostID, OK: false, Err: errs.ErrTransport}:
		default:
		}
		if e.Sent {
			sent = append(sent, e)
		}
	}
	return sent
}

// Len returns the number of tracked entries, for tests and diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

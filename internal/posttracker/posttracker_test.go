package posttracker

import (
	"testing"
	"time"

	"hip3-taker/internal/signer"
)

func TestRegisterThenResponse(t *testing.T) {
	t.Parallel()

	tr := New(5 * time.Second)
	e := tr.Register(1, signer.OrderAction{}, 42)
	if e.Sent {
		t.Error("newly registered entry must have sent=false")
	}

	if ok := tr.OnResponse(1, true, nil); !ok {
		t.Error("OnResponse should find the registered entry")
	}
	if tr.Len() != 0 {
		t.Errorf("entry should be removed after response, Len() = %d", tr.Len())
	}

	select {
	case resp := <-e.ResponseCh:
		if !resp.OK {
			t.Error("expected OK response")
		}
	default:
		t.Error("expected a response on the channel")
	}
}

func TestOnResponse_UnknownPostID(t *testing.T) {
	t.Parallel()

	tr := New(5 * time.Second)
	if ok := tr.OnResponse(999, true, nil); ok {
		t.Error("OnResponse for unknown post-id should return false")
	}
}

func TestSweepTimeouts_OnlyDecrementsSentEntries(t *testing.T) {
	t.Parallel()

	tr := New(10 * time.Millisecond)
	sentEntry := tr.Register(1, signer.OrderAction{}, 1)
	tr.MarkSent(1)
	unsentEntry := tr.Register(2, signer.OrderAction{}, 2)
	_ = unsentEntry

	time.Sleep(20 * time.Millisecond)

	timedOut := tr.SweepTimeouts()
	if len(timedOut) != 1 {
		t.Fatalf("expected exactly 1 sent-and-timed-out entry, got %d", len(timedOut))
	}
	if timedOut[0].PostID != sentEntry.PostID {
		t.Errorf("expected the sent entry (post-id %d) to time out, got post-id %d", sentEntry.PostID, timedOut[0].PostID)
	}
	if tr.Len() != 0 {
		t.Errorf("both entries should be removed from the map, Len() = %d", tr.Len())
	}
}

func TestDrainOnDisconnect(t *testing.T) {
	t.Parallel()

	tr := New(5 * time.Second)
	tr.Register(1, signer.OrderAction{}, 1)
	tr.MarkSent(1)
	tr.Register(2, signer.OrderAction{}, 2)

	sent := tr.DrainOnDisconnect()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent entry drained, got %d", len(sent))
	}
	if tr.Len() != 0 {
		t.Errorf("all entries should be removed, Len() = %d", tr.Len())
	}
}

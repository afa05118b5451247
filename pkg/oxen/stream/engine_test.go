package stream

import (
	"testing"

	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

func newTestEngine() *Engine {
	return New(oxenlog.Nop{})
}

func TestMessageBeforeSynchronizeIsProtocolError(t *testing.T) {
	e := newTestEngine()
	_, _, err := e.OnMessage("P", Broadcast, 1, []byte("x"))
	if !oxenerr.Is(err, oxenerr.Protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestSynchronizeThenInOrderDelivery(t *testing.T) {
	e := newTestEngine()
	if err := e.OnSynchronize("P", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	delivered, closed, err := e.OnMessage("P", Broadcast, 1, []byte("one"))
	if err != nil || closed || len(delivered) != 1 || string(delivered[0].Payload) != "one" {
		t.Fatalf("unexpected result: delivered=%+v closed=%v err=%v", delivered, closed, err)
	}
}

func TestOutOfOrderBufferedThenReleasedOnGapFill(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 0, 0)

	delivered, _, _ := e.OnMessage("P", Broadcast, 3, []byte("three"))
	if len(delivered) != 0 {
		t.Fatalf("seq 3 must be buffered, not delivered early, got %+v", delivered)
	}
	delivered, _, _ = e.OnMessage("P", Broadcast, 2, []byte("two"))
	if len(delivered) != 0 {
		t.Fatalf("seq 2 must still be buffered with gap at 1, got %+v", delivered)
	}
	delivered, _, _ = e.OnMessage("P", Broadcast, 1, []byte("one"))
	if len(delivered) != 3 {
		t.Fatalf("filling the gap at 1 must release 1,2,3 in order, got %+v", delivered)
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(delivered[i].Payload) != want {
			t.Fatalf("delivery order mismatch at %d: got %s want %s", i, delivered[i].Payload, want)
		}
	}
}

func TestDuplicateMessageIsDroppedSilently(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 0, 0)
	e.OnMessage("P", Broadcast, 1, []byte("one"))

	delivered, _, err := e.OnMessage("P", Broadcast, 1, []byte("one-again"))
	if err != nil || len(delivered) != 0 {
		t.Fatalf("duplicate below last_delivered must be dropped silently, got delivered=%+v err=%v", delivered, err)
	}
}

func TestBroadcastAndOneToOneStreamsAreIndependent(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 0, 0)

	delivered, _, _ := e.OnMessage("P", OneToOne, 1, []byte("dm"))
	if len(delivered) != 1 {
		t.Fatalf("one-to-one message must deliver independently of broadcast gaps, got %+v", delivered)
	}
	delivered, _, _ = e.OnMessage("P", Broadcast, 2, []byte("skip"))
	if len(delivered) != 0 {
		t.Fatalf("broadcast stream must still be gapped at seq 1, got %+v", delivered)
	}
}

func TestSynchronizeRetransmitIsAcceptedWhenMatching(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 5, 9)
	if err := e.OnSynchronize("P", 5, 9); err != nil {
		t.Fatalf("matching re-send must be accepted, got %v", err)
	}
	if err := e.OnSynchronize("P", 5, 10); !oxenerr.Is(err, oxenerr.Protocol) {
		t.Fatalf("mismatching re-send must be a ProtocolError, got %v", err)
	}
}

func TestFinalizeRejectsSequenceBelowLastDelivered(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 0, 0)
	e.OnMessage("P", Broadcast, 1, []byte("one"))

	_, err := e.OnFinalize("P", 0, 0)
	if !oxenerr.Is(err, oxenerr.Protocol) {
		t.Fatalf("finalize below last_delivered must be a ProtocolError, got %v", err)
	}
}

func TestFinalizeDrainsThenClosesOnLastMessage(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 0, 0)
	e.OnMessage("P", Broadcast, 1, []byte("b1"))
	e.OnMessage("P", OneToOne, 1, []byte("o1"))

	closed, err := e.OnFinalize("P", 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed {
		t.Fatalf("must not close until broadcast seq 2 arrives")
	}
	if e.Phase("P") != PhaseFinalizing {
		t.Fatalf("expected PhaseFinalizing, got %v", e.Phase("P"))
	}

	delivered, closedNow, err := e.OnMessage("P", Broadcast, 2, []byte("b2"))
	if err != nil || len(delivered) != 1 || !closedNow {
		t.Fatalf("last message must deliver and close the stream pair, delivered=%+v closed=%v err=%v", delivered, closedNow, err)
	}
	if e.Phase("P") != PhaseClosed {
		t.Fatalf("expected PhaseClosed, got %v", e.Phase("P"))
	}
}

func TestMessagesAfterCloseAreDroppedSilently(t *testing.T) {
	e := newTestEngine()
	e.OnSynchronize("P", 0, 0)
	e.OnFinalize("P", 0, 0) // immediately closeable: both streams already at their finalize seq

	if e.Phase("P") != PhaseClosed {
		t.Fatalf("expected immediate close, got %v", e.Phase("P"))
	}
	delivered, closed, err := e.OnMessage("P", Broadcast, 1, []byte("late"))
	if err != nil || closed || len(delivered) != 0 {
		t.Fatalf("post-close message must be dropped silently, got delivered=%+v closed=%v err=%v", delivered, closed, err)
	}
}

func TestFinalizeBeforeSynchronizeIsProtocolError(t *testing.T) {
	e := newTestEngine()
	_, err := e.OnFinalize("P", 0, 0)
	if !oxenerr.Is(err, oxenerr.Protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestPhaseUnknownForUnseenOrigin(t *testing.T) {
	e := newTestEngine()
	if e.Phase("Ghost") != PhaseUnknown {
		t.Fatalf("unseen origin must report PhaseUnknown")
	}
	var _ wire.SID = "Ghost"
}

package oxen

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/oxen/internal/oxenlog"
	"github.com/jabolina/oxen/pkg/oxen/transport"
	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// testNode bundles an Oxen instance with its own UDP transport on an
// ephemeral loopback port, with short timer intervals so scenario
// tests don't have to wait out production-sized windows.
type testNode struct {
	id    wire.SID
	trans *transport.UDP
	oxen  *Oxen
}

func newTestNode(t *testing.T, id wire.SID) *testNode {
	t.Helper()
	tr, err := transport.ListenUDP("127.0.0.1:0", oxenlog.Nop{})
	if err != nil {
		t.Fatalf("listen udp for %s: %v", id, err)
	}
	cfg := DefaultConfig(id, "")
	cfg.Logger = oxenlog.Nop{}
	cfg.RetryBase = 30 * time.Millisecond
	cfg.RetryCap = 4
	cfg.LinkStale = 300 * time.Millisecond
	cfg.GiveupAfter = 300 * time.Millisecond
	cfg.KeepaliveInterval = 50 * time.Millisecond
	cfg.KeepaliveEchoDelay = 20 * time.Millisecond
	cfg.GossipInterval = 80 * time.Millisecond
	cfg.RetransmitSweepInterval = 30 * time.Millisecond
	cfg.GiveupSweepInterval = 50 * time.Millisecond

	o := New(cfg, tr)
	o.Start()
	return &testNode{id: id, trans: tr, oxen: o}
}

func (n *testNode) addr() string {
	return n.trans.LocalAddr()
}

func (n *testNode) close() {
	n.oxen.Close()
}

func waitForEvent(t *testing.T, n *testNode, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-n.oxen.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for event kind %d", n.id, kind)
		}
	}
}

func TestJoinHandshakeEstablishesMutualReachability(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	defer a.close()
	defer b.close()

	if err := a.oxen.JoinCluster("B", b.addr()); err != nil {
		t.Fatalf("A join B: %v", err)
	}
	if err := b.oxen.JoinCluster("A", a.addr()); err != nil {
		t.Fatalf("B join A: %v", err)
	}

	evA := waitForEvent(t, a, EventPeerUp, 3*time.Second)
	if evA.Peer != "B" {
		t.Fatalf("expected peer_up for B, got %s", evA.Peer)
	}
	evB := waitForEvent(t, b, EventPeerUp, 3*time.Second)
	if evB.Peer != "A" {
		t.Fatalf("expected peer_up for A, got %s", evB.Peer)
	}
}

func TestSendDatagramDeliversAndAcks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	defer a.close()
	defer b.close()

	a.oxen.JoinCluster("B", b.addr())
	b.oxen.JoinCluster("A", a.addr())
	waitForEvent(t, a, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)

	if err := a.oxen.SendDatagram("B", []byte("hello")); err != nil {
		t.Fatalf("send datagram: %v", err)
	}

	ev := waitForEvent(t, b, EventMessageArrived, 3*time.Second)
	if ev.StreamKind != StreamUnreliable {
		t.Fatalf("plain datagram must be reported as unreliable, got %v", ev.StreamKind)
	}
	if string(ev.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", ev.Payload)
	}

	// The ack round trip should clear A's outstanding entry for B.
	deadline := time.Now().Add(2 * time.Second)
	for a.oxen.rel.OutstandingCount("B") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ack never cleared outstanding entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendInOrderDeliversInSequence(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	defer a.close()
	defer b.close()

	a.oxen.JoinCluster("B", b.addr())
	b.oxen.JoinCluster("A", a.addr())
	waitForEvent(t, a, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)

	want := []string{"one", "two", "three"}
	for _, w := range want {
		if err := a.oxen.SendInOrder("B", []byte(w)); err != nil {
			t.Fatalf("send in order %q: %v", w, err)
		}
	}

	for _, w := range want {
		ev := waitForEvent(t, b, EventMessageArrived, 3*time.Second)
		if ev.StreamKind != StreamOneToOne {
			t.Fatalf("expected a one-to-one delivery, got %v", ev.StreamKind)
		}
		if string(ev.Payload) != w {
			t.Fatalf("out-of-order delivery: expected %q, got %q", w, ev.Payload)
		}
	}
}

func TestBroadcastInOrderReportsBroadcastStreamKind(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	defer a.close()
	defer b.close()

	a.oxen.JoinCluster("B", b.addr())
	b.oxen.JoinCluster("A", a.addr())
	waitForEvent(t, a, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)

	if err := a.oxen.BroadcastInOrder([]byte("to-everyone")); err != nil {
		t.Fatalf("broadcast in order: %v", err)
	}

	ev := waitForEvent(t, b, EventMessageArrived, 3*time.Second)
	if ev.StreamKind != StreamBroadcast {
		t.Fatalf("expected a broadcast delivery, got %v", ev.StreamKind)
	}
	if string(ev.Payload) != "to-everyone" {
		t.Fatalf("expected payload %q, got %q", "to-everyone", ev.Payload)
	}
}

func TestRemoteLeaveAloneProducesImmediateExpectedPeerDown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	defer a.close()
	defer b.close()

	a.oxen.JoinCluster("B", b.addr())
	b.oxen.JoinCluster("A", a.addr())
	waitForEvent(t, a, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)

	// Only B announces its departure. A's LinkStale/GiveupAfter are
	// 300ms in this harness, so an expected peer_down arriving well
	// inside that window proves it was driven by B's Finalize, not by
	// A's staleness sweep noticing B went quiet.
	if err := b.oxen.LeaveCluster("A"); err != nil {
		t.Fatalf("B leave cluster: %v", err)
	}

	start := time.Now()
	evA := waitForEvent(t, a, EventPeerDown, 250*time.Millisecond)
	if evA.Peer != "B" || !evA.Expected {
		t.Fatalf("expected an expected peer_down for B on A, got %+v", evA)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Fatalf("peer_down took %v, too slow to have been Finalize-driven", elapsed)
	}
}

func TestLeaveClusterDrainsStreamThenBothSidesGiveUp(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	defer a.close()
	defer b.close()

	a.oxen.JoinCluster("B", b.addr())
	b.oxen.JoinCluster("A", a.addr())
	waitForEvent(t, a, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)

	if err := a.oxen.SendInOrder("B", []byte("last")); err != nil {
		t.Fatalf("send in order: %v", err)
	}
	waitForEvent(t, b, EventMessageArrived, 3*time.Second)

	// Both sides stop speaking: each declares its own departure, and
	// with no more keepalives flowing either way the link eventually
	// goes stale and each given up on the other.
	if err := a.oxen.LeaveCluster("B"); err != nil {
		t.Fatalf("A leave cluster: %v", err)
	}
	if err := b.oxen.LeaveCluster("A"); err != nil {
		t.Fatalf("B leave cluster: %v", err)
	}

	evB := waitForEvent(t, b, EventPeerDown, 5*time.Second)
	if evB.Peer != "A" || !evB.Expected {
		t.Fatalf("expected an expected peer_down for A on B, got %+v", evB)
	}
	evA := waitForEvent(t, a, EventPeerDown, 5*time.Second)
	if evA.Peer != "B" || !evA.Expected {
		t.Fatalf("expected an expected peer_down for B on A, got %+v", evA)
	}
}

func TestRoutedForwardThroughIntermediary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	c := newTestNode(t, "C")
	defer a.close()
	defer b.close()
	defer c.close()

	// A and C never learn each other's transport address directly;
	// B bridges them, and gossip must teach A a route to C via B.
	a.oxen.JoinCluster("B", b.addr())
	b.oxen.JoinCluster("A", a.addr())
	b.oxen.JoinCluster("C", c.addr())
	c.oxen.JoinCluster("B", b.addr())

	waitForEvent(t, a, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)
	waitForEvent(t, b, EventPeerUp, 3*time.Second)
	waitForEvent(t, c, EventPeerUp, 3*time.Second)

	// Let a few gossip rounds run so A's matrix learns B->C.
	deadline := time.Now().Add(5 * time.Second)
	for !routeKnown(a, "C") {
		if time.Now().After(deadline) {
			t.Fatalf("A never learned a route to C via gossip")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := a.oxen.SendDatagram("C", []byte("via-b")); err != nil {
		t.Fatalf("send datagram A->C: %v", err)
	}

	ev := waitForEvent(t, c, EventMessageArrived, 5*time.Second)
	if string(ev.Payload) != "via-b" {
		t.Fatalf("expected payload %q, got %q", "via-b", ev.Payload)
	}
}

func routeKnown(n *testNode, dest wire.SID) bool {
	_, _, ok := n.oxen.reach.Route(dest)
	return ok
}

package oxen

import "github.com/jabolina/oxen/pkg/oxen/wire"

// EventKind discriminates the three user-visible occurrences the
// orchestrator reports: a payload arriving, and a peer's reachability
// becoming visible or ceasing to be.
type EventKind int

const (
	EventMessageArrived EventKind = iota
	EventPeerUp
	EventPeerDown
)

// StreamKind classifies the channel a delivered payload arrived on.
type StreamKind int

const (
	// StreamUnreliable is a plain SendDatagram/BroadcastDatagram
	// payload: at-least-once, no ordering guarantee.
	StreamUnreliable StreamKind = iota
	// StreamOneToOne is a SendInOrder payload: exactly-once, in order
	// relative to every other one-to-one payload from that origin.
	StreamOneToOne
	// StreamBroadcast is a BroadcastInOrder payload: exactly-once, in
	// order relative to every other broadcast payload from that origin.
	StreamBroadcast
)

// Event is a single occurrence delivered on Oxen.Events(). Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Peer applies to EventPeerUp/EventPeerDown.
	Peer wire.SID

	// Expected applies to EventPeerUp and EventPeerDown. For peer-up,
	// true means the transition into Reachable completed an explicit
	// JoinCluster handshake; false means the peer was observed (gossip
	// or direct contact) without one, including being observed again
	// after GivenUp. For peer-down, true means the departure was a drained
	// Finalize (the peer's own, or ours via LeaveCluster); false means
	// the peer simply stopped responding and was given up on.
	Expected bool

	// Origin, StreamKind and Payload apply to EventMessageArrived.
	Origin     wire.SID
	StreamKind StreamKind
	Payload    []byte
}

// Package reachability implements the last-contact matrix, gossip
// merge, link/peer classification, next-hop routing, keepalive
// bookkeeping, and the give-up/revive state machine.
package reachability

import "github.com/jabolina/oxen/pkg/oxen/wire"

// PeerState is a node of the peer classification state machine:
// Unknown -> Reachable -> Unreachable -> GivenUp, with Reachable
// reachable again from either Unreachable or GivenUp.
type PeerState int

const (
	Unknown PeerState = iota
	Reachable
	Unreachable
	GivenUp
)

func (s PeerState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	case GivenUp:
		return "given-up"
	default:
		return "invalid"
	}
}

// TransitionKind is the subset of state-machine edges that are
// user-visible: only transitions into Reachable from Unknown/GivenUp,
// and into GivenUp, are observable.
type TransitionKind int

const (
	BecameReachable TransitionKind = iota
	BecameGivenUp
)

// Transition is a structural state-machine edge the engine detected.
// It carries no "expected" flag: only the orchestrator knows whether
// a transition followed an explicit join handshake or a Finalize
// drain, so it decides expected vs. unexpected when translating a
// Transition into a user-facing peer_up/peer_down event.
type Transition struct {
	Peer wire.SID
	Kind TransitionKind
}

type peerInfo struct {
	state            PeerState
	unreachableSince int64
	hasUnreachable   bool
}

// kaWindowCap bounds how many outstanding keepalive ids are remembered
// per neighbor before the oldest is evicted: ids are monotonic per
// (local, neighbor) pair over a bounded window.
const kaWindowCap = 4096

// neighborState is the per-direct-neighbor keepalive bookkeeping.
type neighborState struct {
	nextKaID uint64
	sentKa   map[uint64]int64
	sentOrder []uint64

	pendingEcho      *uint64
	pendingEchoSince int64
}

func newNeighborState() *neighborState {
	return &neighborState{sentKa: make(map[uint64]int64)}
}

func (ns *neighborState) rememberSent(id uint64, now int64) {
	ns.sentKa[id] = now
	ns.sentOrder = append(ns.sentOrder, id)
	if len(ns.sentOrder) > kaWindowCap {
		evict := ns.sentOrder[0]
		ns.sentOrder = ns.sentOrder[1:]
		delete(ns.sentKa, evict)
	}
}
